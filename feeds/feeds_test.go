package feeds_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/api"
	"github.com/jkoelker/newtab/cache"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/feeds"
	"github.com/jkoelker/newtab/storage"
)

// plainClient fetches without authentication.
type plainClient struct {
	base   string
	client *http.Client
}

func (c plainClient) BuildURL(endpoint api.Endpoint, params map[string]any) (string, error) {
	return api.BuildURL(c.base, endpoint, params)
}

func (c plainClient) Fetch(ctx context.Context, method, url string, _ http.Header, _ []byte) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &api.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return data, nil
}

func newFeeds(t *testing.T, mux *http.ServeMux, now time.Time) *feeds.Service {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := plainClient{base: server.URL, client: server.Client()}
	clk := clock.NewFake(now)

	c, err := cache.New(t.Context(), cache.Options{Store: storage.NewMemory(), Fetcher: client, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return feeds.New(feeds.Options{Client: client, Cache: c, Clock: clk, ChartBaseURL: server.URL})
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func TestWeatherCached(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/weather", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "24", r.URL.Query().Get("hours"))
		assert.Equal(t, "52.5", r.URL.Query().Get("lat"))
		writeJSON(w, `{"current":{"temp":20},"forecast":{"hourly":[]}}`)
	})

	svc := newFeeds(t, mux, time.Unix(1700000000, 0))

	report, err := svc.Weather(t.Context(), 52.5, 13.4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp":20}`, string(report.Current))
	assert.False(t, report.Limited)

	_, err = svc.Weather(t.Context(), 52.5, 13.4)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWeatherFallsBackToCurrent(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/weather", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream failed", http.StatusBadGateway)
	})
	mux.HandleFunc("/api/current", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"temperature":{"value":18}}`)
	})

	svc := newFeeds(t, mux, time.Unix(1700000000, 0))

	report, err := svc.Weather(t.Context(), 1, 2)
	require.NoError(t, err)
	assert.True(t, report.Limited)
	assert.JSONEq(t, `{"temperature":{"value":18}}`, string(report.Current))
}

func TestWeatherUnavailable(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	svc := newFeeds(t, mux, time.Unix(1700000000, 0))

	_, err := svc.Weather(t.Context(), 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weather unavailable")
}

func TestGeocode(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/geocode", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Berlin", r.URL.Query().Get("address"))

		results := make([]string, 0, 6)
		for i := range 6 {
			results = append(results, fmt.Sprintf(
				`{"formatted_address":"Berlin %d","place_id":"p%d","address_components":[{"long_name":"B%d"}],"geometry":{"location":{"lat":52.5,"lng":13.4}}}`,
				i, i, i))
		}

		writeJSON(w, `{"results":[`+strings.Join(results, ",")+`]}`)
	})

	svc := newFeeds(t, mux, time.Unix(1700000000, 0))

	places, err := svc.Geocode(t.Context(), "Berlin")
	require.NoError(t, err)
	require.Len(t, places, 5)
	assert.Equal(t, feeds.Place{Name: "Berlin 0", Value: "B0", Lat: 52.5, Lon: 13.4, PlaceID: "p0"}, places[0])
}

func TestStockChart(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v8/finance/chart/ACME", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "30m", r.URL.Query().Get("interval"))
		assert.Equal(t, "5d", r.URL.Query().Get("range"))

		writeJSON(w, `{"chart":{"result":[{
			"meta":{"regularMarketPrice":110,"chartPreviousClose":100},
			"timestamp":[1,2,3],
			"indicators":{"quote":[{
				"close":[101,null,110],
				"high":[102,null,111],
				"low":[99,null,108],
				"open":[100,null,109]
			}]}
		}]}}`)
	})

	svc := newFeeds(t, mux, time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC))

	quote, err := svc.StockChart(t.Context(), "ACME", "5d")
	require.NoError(t, err)

	assert.Equal(t, "ACME", quote.Symbol)
	assert.InDelta(t, 110, quote.Price, 0.001)
	assert.InDelta(t, 100, quote.PreviousClose, 0.001)
	assert.InDelta(t, 10, quote.Change, 0.001)
	assert.InDelta(t, 10, quote.ChangePercent, 0.001)
	assert.Equal(t, []feeds.Point{
		{Timestamp: 1, Close: 101, High: 102, Low: 99, Open: 100},
		{Timestamp: 3, Close: 110, High: 111, Low: 108, Open: 109},
	}, quote.Points)
}

func TestStockChartEmpty(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v8/finance/chart/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"chart":{"result":[]}}`)
	})

	svc := newFeeds(t, mux, time.Unix(1700000000, 0))

	_, err := svc.StockChart(t.Context(), "NONE", "1d")
	require.ErrorIs(t, err, feeds.ErrNoData)
}

func TestInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rangeKey string
		interval string
		normal   string
	}{
		{"1d", "5m", "1d"},
		{"5d", "30m", "5d"},
		{"1mo", "1d", "1mo"},
		{"1y", "1d", "1y"},
		{"bogus", "5m", "1d"},
	}

	for _, tt := range tests {
		interval, normal := feeds.Interval(tt.rangeKey)
		assert.Equal(t, tt.interval, interval, tt.rangeKey)
		assert.Equal(t, tt.normal, normal, tt.rangeKey)
	}
}

func TestStockMaxAge(t *testing.T) {
	t.Parallel()

	// 2026-10-16 is a Friday.
	friday := func(hour int) time.Time {
		return time.Date(2026, time.October, 16, hour, 30, 0, 0, time.UTC)
	}

	assert.False(t, feeds.MarketHours(friday(8)))
	assert.True(t, feeds.MarketHours(friday(9)))
	assert.True(t, feeds.MarketHours(friday(15)))
	assert.False(t, feeds.MarketHours(friday(16)))
	assert.False(t, feeds.MarketHours(friday(12).AddDate(0, 0, 1)))

	assert.Equal(t, time.Minute, feeds.StockMaxAge(friday(10)))
	assert.Equal(t, 15*time.Minute, feeds.StockMaxAge(friday(20)))
}
