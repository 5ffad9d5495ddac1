// Package weather proxies forecast providers for the map's weather popups,
// caching normalized 7-day forecasts with a short TTL so provider quota is
// spent once per location, not once per popup.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Forecast is the normalized shape the map client consumes, regardless of
// provider.
type Forecast struct {
	Forecast []Day `json:"forecast"`
}

type Day struct {
	Day     int      `json:"day"`
	Summary string   `json:"summary"`
	TempMin *float64 `json:"tempMin"`
	TempMax *float64 `json:"tempMax"`
}

// Provider fetches a 7-day forecast for a coordinate.
type Provider interface {
	Forecast(ctx context.Context, lat, lon float64) (*Forecast, error)
}

// MockProvider returns a fixed forecast, the default for development and
// offline demos.
type MockProvider struct{}

func (MockProvider) Forecast(_ context.Context, _, _ float64) (*Forecast, error) {
	summaries := []string{
		"Partly cloudy", "Sunny", "Showers", "Windy",
		"Sunny", "Overcast", "Partly cloudy",
	}
	days := make([]Day, len(summaries))
	for i, summary := range summaries {
		minT := 9.0 + float64(i)
		maxT := 18.0 + float64(i%3)
		days[i] = Day{Day: i + 1, Summary: summary, TempMin: &minT, TempMax: &maxT}
	}
	return &Forecast{Forecast: days}, nil
}

// OpenMeteoProvider fetches daily forecasts from the Open-Meteo API.
type OpenMeteoProvider struct {
	Client  *http.Client
	BaseURL string
}

const defaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

func NewOpenMeteoProvider(client *http.Client) *OpenMeteoProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenMeteoProvider{Client: client, BaseURL: defaultOpenMeteoURL}
}

type openMeteoResponse struct {
	Daily struct {
		WeatherCode      []int      `json:"weather_code"`
		Temperature2mMin []*float64 `json:"temperature_2m_min"`
		Temperature2mMax []*float64 `json:"temperature_2m_max"`
	} `json:"daily"`
}

func (p *OpenMeteoProvider) Forecast(ctx context.Context, lat, lon float64) (*Forecast, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("daily", "weather_code,temperature_2m_min,temperature_2m_max")
	q.Set("forecast_days", "7")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	res, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open-meteo request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("open-meteo returned %s", res.Status)
	}

	var raw openMeteoResponse
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding open-meteo response: %w", err)
	}

	days := make([]Day, 0, len(raw.Daily.WeatherCode))
	for i, code := range raw.Daily.WeatherCode {
		day := Day{Day: i + 1, Summary: summaryForCode(code)}
		if i < len(raw.Daily.Temperature2mMin) {
			day.TempMin = raw.Daily.Temperature2mMin[i]
		}
		if i < len(raw.Daily.Temperature2mMax) {
			day.TempMax = raw.Daily.Temperature2mMax[i]
		}
		days = append(days, day)
	}
	return &Forecast{Forecast: days}, nil
}

// summaryForCode maps WMO weather codes to short display strings.
func summaryForCode(code int) string {
	switch {
	case code == 0:
		return "Clear"
	case code <= 2:
		return "Partly cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Showers"
	case code >= 95:
		return "Thunderstorms"
	default:
		return "—"
	}
}

// clampDuration keeps TTLs sane if config hands us something degenerate.
func clampDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	return d
}
