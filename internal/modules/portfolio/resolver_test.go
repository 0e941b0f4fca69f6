package portfolio

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbb100/kairos/internal/domain"
)

func defaultIntra() map[domain.Asset]float64 {
	return map[domain.Asset]float64{
		domain.BTC: 0.40,
		domain.ETH: 0.30,
		domain.XRP: 0.15,
		domain.SOL: 0.15,
	}
}

func TestNewTargetResolverValidates(t *testing.T) {
	_, err := NewTargetResolver(defaultIntra(), zerolog.Nop())
	assert.NoError(t, err)

	bad := defaultIntra()
	bad[domain.BTC] = 0.50
	_, err = NewTargetResolver(bad, zerolog.Nop())
	assert.Error(t, err)

	withKRW := defaultIntra()
	withKRW[domain.KRW] = 0.0
	_, err = NewTargetResolver(withKRW, zerolog.Nop())
	assert.Error(t, err)
}

func TestResolveRiskOff(t *testing.T) {
	resolver, err := NewTargetResolver(defaultIntra(), zerolog.Nop())
	require.NoError(t, err)

	targets, err := resolver.Resolve(domain.SeasonRiskOff)
	require.NoError(t, err)

	assert.InDelta(t, 0.70, targets[domain.KRW], 1e-9)
	assert.InDelta(t, 0.30*0.40, targets[domain.BTC], 1e-9)
	assert.InDelta(t, 0.30*0.30, targets[domain.ETH], 1e-9)
	assert.InDelta(t, 0.30*0.15, targets[domain.XRP], 1e-9)
	assert.InDelta(t, 0.30*0.15, targets[domain.SOL], 1e-9)
	assert.NoError(t, targets.Validate())
}

func TestResolveRiskOnAndNeutral(t *testing.T) {
	resolver, err := NewTargetResolver(defaultIntra(), zerolog.Nop())
	require.NoError(t, err)

	riskOn, err := resolver.Resolve(domain.SeasonRiskOn)
	require.NoError(t, err)
	assert.InDelta(t, 0.30, riskOn[domain.KRW], 1e-9)
	assert.InDelta(t, 0.28, riskOn[domain.BTC], 1e-9)

	neutral, err := resolver.Resolve(domain.SeasonNeutral)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, neutral[domain.KRW], 1e-9)
	assert.InDelta(t, 0.20, neutral[domain.BTC], 1e-9)
}

func TestResolveUnknownSeason(t *testing.T) {
	resolver, err := NewTargetResolver(defaultIntra(), zerolog.Nop())
	require.NoError(t, err)

	_, err = resolver.Resolve(domain.Season("sideways"))
	assert.Error(t, err)
}
