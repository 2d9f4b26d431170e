// Package feeds provides the typed weather, geocode, and stock chart
// lookups behind the new-tab widgets.
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jkoelker/newtab/api"
	"github.com/jkoelker/newtab/cache"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/tracing"
)

const (
	// WeatherTimeout bounds the wait for the combined weather request.
	WeatherTimeout = 10 * time.Second

	// forecastHours limits the hourly forecast to the next day.
	forecastHours = 24

	maxPlaces = 5
)

// ErrNoData is returned when a response carries no usable result.
var ErrNoData = errors.New("no data in response")

// Client is the subset of api.Client used by the feeds.
type Client interface {
	BuildURL(endpoint api.Endpoint, params map[string]any) (string, error)
	Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (json.RawMessage, error)
}

// Options configures a Service.
type Options struct {
	Client Client
	Cache  *cache.Service
	Clock  clock.Clock

	// ChartBaseURL defaults to DefaultChartBaseURL.
	ChartBaseURL string
}

// Service serves the feeds.
type Service struct {
	client    Client
	cache     *cache.Service
	clock     clock.Clock
	chartBase string
}

// New creates a feeds service.
func New(opts Options) *Service {
	svc := &Service{
		client:    opts.Client,
		cache:     opts.Cache,
		clock:     opts.Clock,
		chartBase: opts.ChartBaseURL,
	}

	if svc.clock == nil {
		svc.clock = clock.Real()
	}

	if svc.chartBase == "" {
		svc.chartBase = DefaultChartBaseURL
	}

	return svc
}

// Report is a weather lookup result. Limited reports that only the
// simplified current conditions were available.
type Report struct {
	Current  json.RawMessage `json:"current"`
	Forecast json.RawMessage `json:"forecast,omitempty"`
	Limited  bool            `json:"limited,omitempty"`
}

// Weather returns current conditions and the next day's forecast for a
// location, cached for cache.Weather.MaxAge. When the combined request
// fails or times out, the simplified current conditions are returned.
func (s *Service) Weather(ctx context.Context, lat, lon float64) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "feeds.weather")
	defer span.End()

	report, err := s.weather(ctx, lat, lon)
	if err == nil {
		return report, nil
	}

	log.Warn(ctx, "Weather fetch failed, trying current conditions", "error", err.Error())

	fallbackURL, urlErr := s.client.BuildURL(api.EndpointCurrent, map[string]any{"lat": lat, "lon": lon})
	if urlErr != nil {
		return Report{}, urlErr
	}

	current, fallbackErr := s.client.Fetch(ctx, http.MethodGet, fallbackURL, nil, nil)
	if fallbackErr != nil {
		tracing.SetError(ctx, fallbackErr)

		return Report{}, fmt.Errorf("weather unavailable: %w", errors.Join(err, fallbackErr))
	}

	return Report{Current: current, Limited: true}, nil
}

func (s *Service) weather(ctx context.Context, lat, lon float64) (Report, error) {
	weatherURL, err := s.client.BuildURL(api.EndpointWeather, map[string]any{
		"lat":   lat,
		"lon":   lon,
		"hours": forecastHours,
	})
	if err != nil {
		return Report{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, WeatherTimeout)
	defer cancel()

	report, err := cache.FetchJSON[Report](ctx, s.cache, weatherURL, cache.FetchOptions{MaxAge: cache.Weather.MaxAge})
	if err != nil {
		return Report{}, err
	}

	if len(report.Current) == 0 {
		return Report{}, fmt.Errorf("weather: %w", ErrNoData)
	}

	return report, nil
}

// Place is a geocoding match.
type Place struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	PlaceID string  `json:"placeId,omitempty"`
}

type geocodeResponse struct {
	Results []struct {
		FormattedAddress  string `json:"formatted_address"`
		PlaceID           string `json:"place_id"`
		AddressComponents []struct {
			LongName string `json:"long_name"`
		} `json:"address_components"`
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode resolves an address to at most five places.
func (s *Service) Geocode(ctx context.Context, address string) ([]Place, error) {
	geocodeURL, err := s.client.BuildURL(api.EndpointGeocode, map[string]any{"address": address})
	if err != nil {
		return nil, err
	}

	data, err := s.client.Fetch(ctx, http.MethodGet, geocodeURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", address, err)
	}

	var resp geocodeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode geocode response: %w", err)
	}

	places := make([]Place, 0, min(len(resp.Results), maxPlaces))

	for _, result := range resp.Results {
		if len(places) == maxPlaces {
			break
		}

		place := Place{
			Name:    result.FormattedAddress,
			Value:   result.FormattedAddress,
			Lat:     result.Geometry.Location.Lat,
			Lon:     result.Geometry.Location.Lng,
			PlaceID: result.PlaceID,
		}

		if len(result.AddressComponents) > 0 && result.AddressComponents[0].LongName != "" {
			place.Value = result.AddressComponents[0].LongName
		}

		places = append(places, place)
	}

	return places, nil
}
