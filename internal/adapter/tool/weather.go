package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/tracer"
)

const maxForecastBody = 1 << 20

// WeatherTool fetches the current forecast from an Open-Meteo compatible API.
type WeatherTool struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewWeatherTool creates the getWeather tool.
func NewWeatherTool(client *http.Client, baseURL string, logger *slog.Logger) *WeatherTool {
	return &WeatherTool{client: client, baseURL: baseURL, logger: logger}
}

func (t *WeatherTool) Name() string        { return "getWeather" }
func (t *WeatherTool) Description() string { return "Get the current weather at a location" }

func (t *WeatherTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {"type": "number", "minimum": -90, "maximum": 90},
				"longitude": {"type": "number", "minimum": -180, "maximum": 180}
			},
			"required": ["latitude", "longitude"]
		}`),
	}
}

type weatherParams struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// weatherFailure is the structured result returned when the forecast cannot
// be fetched.
type weatherFailure struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func (t *WeatherTool) Execute(ctx context.Context, args json.RawMessage, _ domain.ExecContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.getWeather", t.logger, args,
		func(ctx context.Context, span trace.Span, p weatherParams) (any, error) {
			forecast, err := t.fetch(ctx, p)
			if err != nil {
				tracer.RecordError(span, err)
				t.logger.Warn("weather fetch failed", "error", err)
				res, _ := JSONResult(weatherFailure{Error: true, Reason: err.Error()})
				res.IsError = true
				return res, nil
			}
			return forecast, nil
		},
	)
}

func (t *WeatherTool) fetch(ctx context.Context, p weatherParams) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(p.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(p.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("forecast API returned %d: %s", resp.StatusCode, body)
	}

	var forecast json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxForecastBody)).Decode(&forecast); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	t.logger.Debug("weather fetched", "latitude", p.Latitude, "longitude", p.Longitude, "size", len(forecast))
	return forecast, nil
}
