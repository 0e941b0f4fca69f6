package execution

import (
	"github.com/jbb100/kairos/internal/clients/binance"
)

// binanceBarSource adapts the Binance kline client to BarSource.
type binanceBarSource struct {
	client *binance.Client
}

// NewBinanceBarSource wraps a Binance client as a daily bar source.
func NewBinanceBarSource(client *binance.Client) BarSource {
	return &binanceBarSource{client: client}
}

func (s *binanceBarSource) GetDailyBars(symbol string, limit int) ([]OHLCBar, error) {
	klines, err := s.client.GetDailyBars(symbol, limit)
	if err != nil {
		return nil, err
	}
	bars := make([]OHLCBar, len(klines))
	for i, k := range klines {
		bars[i] = OHLCBar{High: k.High, Low: k.Low, Close: k.Close}
	}
	return bars, nil
}
