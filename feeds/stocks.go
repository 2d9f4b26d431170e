package feeds

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jkoelker/newtab/cache"
)

// DefaultChartBaseURL is the public chart API origin.
const DefaultChartBaseURL = "https://query1.finance.yahoo.com"

// offHoursMaxAge is the stock cache age outside market hours.
const offHoursMaxAge = 15 * time.Minute

// ranges maps a chart range to its sampling interval.
var ranges = map[string]string{
	"1d":  "5m",
	"5d":  "30m",
	"1mo": "1d",
	"3mo": "1d",
	"6mo": "1d",
	"1y":  "1d",
}

// Interval returns the sampling interval and range for rangeKey,
// treating unknown ranges as 1d.
func Interval(rangeKey string) (string, string) {
	interval, ok := ranges[rangeKey]
	if !ok {
		return "5m", "1d"
	}

	return interval, rangeKey
}

// MarketHours reports whether t falls in weekday trading hours
// (09:00 to 16:00 in t's location).
func MarketHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}

	return t.Hour() >= 9 && t.Hour() < 16
}

// StockMaxAge is the cache age for stock data at t.
func StockMaxAge(t time.Time) time.Duration {
	if MarketHours(t) {
		return cache.Stocks.MaxAge
	}

	return offHoursMaxAge
}

// Point is one chart sample.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Open      float64 `json:"open"`
}

// Quote summarizes a symbol's chart.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	PreviousClose float64 `json:"previousClose"`
	Points        []Point `json:"chartData"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"previousClose"`
				ChartPreviousClose float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
					High  []*float64 `json:"high"`
					Low   []*float64 `json:"low"`
					Open  []*float64 `json:"open"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

// StockChart returns the chart for symbol over rangeKey (1d, 5d, 1mo,
// 3mo, 6mo, 1y).
func (s *Service) StockChart(ctx context.Context, symbol, rangeKey string) (Quote, error) {
	interval, rangeKey := Interval(rangeKey)

	chartURL := s.chartBase + "/v8/finance/chart/" + url.PathEscape(symbol)

	resp, err := cache.FetchJSON[chartResponse](ctx, s.cache, chartURL, cache.FetchOptions{
		Params: map[string]any{"interval": interval, "range": rangeKey},
		MaxAge: StockMaxAge(s.clock.Now()),
	})
	if err != nil {
		return Quote{}, fmt.Errorf("stock %s: %w", symbol, err)
	}

	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return Quote{}, fmt.Errorf("stock %s: %w", symbol, ErrNoData)
	}

	result := resp.Chart.Result[0]
	series := result.Indicators.Quote[0]

	quote := Quote{Symbol: symbol}

	for i, timestamp := range result.Timestamp {
		closePrice := at(series.Close, i)
		if closePrice == nil {
			continue
		}

		quote.Points = append(quote.Points, Point{
			Timestamp: timestamp,
			Close:     *closePrice,
			High:      value(at(series.High, i)),
			Low:       value(at(series.Low, i)),
			Open:      value(at(series.Open, i)),
		})
	}

	quote.Price = result.Meta.RegularMarketPrice
	if quote.Price == 0 && len(quote.Points) > 0 {
		quote.Price = quote.Points[len(quote.Points)-1].Close
	}

	quote.PreviousClose = result.Meta.PreviousClose
	if quote.PreviousClose == 0 {
		quote.PreviousClose = result.Meta.ChartPreviousClose
	}

	quote.Change = quote.Price - quote.PreviousClose
	if quote.PreviousClose != 0 {
		quote.ChangePercent = quote.Change / quote.PreviousClose * 100
	}

	return quote, nil
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}

	return values[i]
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}

	return *v
}
