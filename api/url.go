package api

import (
	"errors"
	"fmt"
	"net/url"
)

// Endpoint names a weather service resource.
type Endpoint string

const (
	EndpointCurrent  Endpoint = "current"
	EndpointForecast Endpoint = "forecast"
	EndpointGeocode  Endpoint = "geocode"
	// EndpointWeather combines current conditions and the hourly forecast.
	EndpointWeather Endpoint = "weather"
)

// ErrUnknownEndpoint is returned by BuildURL for unmapped endpoints.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

var endpointPaths = map[Endpoint]string{
	EndpointCurrent:  "/api/current",
	EndpointForecast: "/api/forecast",
	EndpointGeocode:  "/api/geocode",
	EndpointWeather:  "/api/weather",
}

// BuildURL returns the absolute URL of endpoint with params as the
// query. Nil params are skipped.
func (c *Client) BuildURL(endpoint Endpoint, params map[string]any) (string, error) {
	return BuildURL(c.baseURL, endpoint, params)
}

// BuildURL joins base with the path of endpoint and encodes params.
func BuildURL(base string, endpoint Endpoint, params map[string]any) (string, error) {
	if base == "" {
		return "", ErrNoBaseURL
	}

	path, ok := endpointPaths[endpoint]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL for %s: %w", endpoint, err)
	}

	query := u.Query()

	for key, value := range params {
		if value == nil {
			continue
		}

		query.Set(key, fmt.Sprint(value))
	}

	u.RawQuery = query.Encode()

	return u.String(), nil
}
