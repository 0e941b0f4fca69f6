// Package season determines the market regime from the relationship
// between the BTC price and its 200-week moving average.
package season

import (
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/domain"
)

// Classifier maps a (price, MA, previous season) observation to a
// market season with a hysteresis band. Output is a pure function of
// its inputs; the logger only carries diagnostics.
type Classifier struct {
	bufferBand float64
	log        zerolog.Logger
}

// NewClassifier creates a classifier with the given buffer band
// (fraction of the moving average, e.g. 0.05 for ±5%).
func NewClassifier(bufferBand float64, log zerolog.Logger) *Classifier {
	return &Classifier{
		bufferBand: bufferBand,
		log:        log.With().Str("component", "season_classifier").Logger(),
	}
}

// Classify returns the market season for the given BTC price and
// 200-week moving average (both KRW). The band is closed at its outer
// edges: ratio >= 1+band is risk-on, ratio <= 1-band is risk-off.
// Inside the band the previous season is retained when known.
// Non-positive inputs yield Neutral with a diagnostic.
func (c *Classifier) Classify(priceKRW, ma200wKRW int64, previous *domain.Season) domain.Season {
	if priceKRW <= 0 || ma200wKRW <= 0 {
		c.log.Warn().
			Int64("price", priceKRW).
			Int64("ma_200w", ma200wKRW).
			Msg("Invalid classifier inputs, returning neutral")
		return domain.SeasonNeutral
	}

	ratio := float64(priceKRW) / float64(ma200wKRW)

	switch {
	case ratio >= 1+c.bufferBand:
		return domain.SeasonRiskOn
	case ratio <= 1-c.bufferBand:
		return domain.SeasonRiskOff
	default:
		if previous != nil {
			return *previous
		}
		return domain.SeasonNeutral
	}
}
