// Package portfolio values the account in KRW and resolves target
// weights from the market season.
package portfolio

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Season-level allocation splits (crypto share / KRW share).
var seasonSplits = map[domain.Season][2]float64{
	domain.SeasonRiskOn:  {0.70, 0.30},
	domain.SeasonRiskOff: {0.30, 0.70},
	domain.SeasonNeutral: {0.50, 0.50},
}

// TargetResolver composes the season split with the fixed intra-crypto
// allocation into per-asset target weights.
type TargetResolver struct {
	intra map[domain.Asset]float64
	log   zerolog.Logger
}

// NewTargetResolver validates the intra-crypto allocation and returns a
// resolver. An invalid allocation is a configuration error.
func NewTargetResolver(intra map[domain.Asset]float64, log zerolog.Logger) (*TargetResolver, error) {
	weights := make(domain.TargetWeights, len(intra))
	for asset, w := range intra {
		if !asset.IsCrypto() {
			return nil, fmt.Errorf("intra-crypto allocation contains %s", asset)
		}
		weights[asset] = w
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intra-crypto allocation: %w", err)
	}

	return &TargetResolver{
		intra: intra,
		log:   log.With().Str("component", "target_resolver").Logger(),
	}, nil
}

// Resolve returns the target weight per asset for a season. KRW gets
// the cash share; each crypto asset gets crypto_share x intra weight.
func (r *TargetResolver) Resolve(season domain.Season) (domain.TargetWeights, error) {
	split, ok := seasonSplits[season]
	if !ok {
		return nil, fmt.Errorf("unknown season: %s", season)
	}
	cryptoShare, cashShare := split[0], split[1]

	targets := make(domain.TargetWeights, len(r.intra)+1)
	targets[domain.KRW] = cashShare
	for asset, w := range r.intra {
		targets[asset] = cryptoShare * w
	}

	if err := targets.Validate(); err != nil {
		return nil, fmt.Errorf("resolved weights invalid for %s: %w", season, err)
	}
	return targets, nil
}
