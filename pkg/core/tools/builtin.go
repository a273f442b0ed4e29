package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"
)

// Builtin is a tool implemented in process.
type Builtin struct {
	Name        string
	Description string
	Parameters  map[string]any
	Call        func(ctx context.Context, args map[string]any) (any, error)
}

// DefaultBuiltins returns current_time and weather_now backed by Open-Meteo.
func DefaultBuiltins(httpClient *http.Client) []Builtin {
	return []Builtin{
		CurrentTime(time.Now),
		WeatherNow(httpClient, OpenMeteoEndpoints{}),
	}
}

// CurrentTime reports the time in RFC 3339 for an optional IANA zone.
func CurrentTime(now func() time.Time) Builtin {
	return Builtin{
		Name:        "current_time",
		Description: "Return the current time in ISO 8601. Optional timezone as an IANA string, e.g. 'America/Toronto'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone_name": map[string]any{"type": "string", "description": "IANA timezone name"},
			},
		},
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			t := now()
			name, _ := args["timezone_name"].(string)
			if name = strings.TrimSpace(name); name == "" {
				return t.UTC().Format(time.RFC3339), nil
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return fmt.Sprintf("current_time error: %v", err), nil
			}
			return t.In(loc).Format(time.RFC3339), nil
		},
	}
}

type OpenMeteoEndpoints struct {
	GeocodeURL  string
	ForecastURL string
}

func (e OpenMeteoEndpoints) withDefaults() OpenMeteoEndpoints {
	if e.GeocodeURL == "" {
		e.GeocodeURL = "https://geocoding-api.open-meteo.com/v1/search"
	}
	if e.ForecastURL == "" {
		e.ForecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	return e
}

// WeatherNow geocodes a city and reports its current weather. Lookup failures
// are returned as tool text so the engine can say what went wrong.
func WeatherNow(httpClient *http.Client, endpoints OpenMeteoEndpoints) Builtin {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	endpoints = endpoints.withDefaults()
	return Builtin{
		Name:        "weather_now",
		Description: "Get current weather for a city using Open-Meteo (no API key).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []string{"city"},
		},
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			city, _ := args["city"].(string)
			city = strings.TrimSpace(city)
			if city == "" {
				return "weather_now failed: city is required", nil
			}
			report, err := weatherReport(ctx, httpClient, endpoints, city)
			if err != nil {
				return fmt.Sprintf("weather_now failed: %v", err), nil
			}
			return report, nil
		},
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	CurrentWeather struct {
		Temperature *float64 `json:"temperature"`
		Windspeed   *float64 `json:"windspeed"`
		Weathercode *int     `json:"weathercode"`
		Time        string   `json:"time"`
	} `json:"current_weather"`
}

func weatherReport(ctx context.Context, c *http.Client, e OpenMeteoEndpoints, city string) (string, error) {
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")
	q.Set("language", "en")
	q.Set("format", "json")
	var geo geocodeResponse
	if err := getJSON(ctx, c, e.GeocodeURL+"?"+q.Encode(), &geo); err != nil {
		return "", fmt.Errorf("geocode: %w", err)
	}
	if len(geo.Results) == 0 {
		return fmt.Sprintf("Couldn't find '%s'.", city), nil
	}
	r0 := geo.Results[0]
	loc := r0.Name
	if loc == "" {
		loc = city
	}

	q = url.Values{}
	q.Set("latitude", fmt.Sprint(r0.Latitude))
	q.Set("longitude", fmt.Sprint(r0.Longitude))
	q.Set("current_weather", "true")
	var fc forecastResponse
	if err := getJSON(ctx, c, e.ForecastURL+"?"+q.Encode(), &fc); err != nil {
		return "", fmt.Errorf("forecast: %w", err)
	}
	cw := fc.CurrentWeather
	return fmt.Sprintf("Weather in %s: %s°C, wind %s km/h, code %s, at %s.",
		loc, optFloat(cw.Temperature), optFloat(cw.Windspeed), optInt(cw.Weathercode), cw.Time), nil
}

func getJSON(ctx context.Context, c *http.Client, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func optFloat(v *float64) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(*v)
}

func optInt(v *int) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(*v)
}
