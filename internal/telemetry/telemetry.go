// Package telemetry supplies vehicle telemetry records to the
// get_vehicle_telemetry tool and the dashboard.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/summitlabs/legion/internal/httpkit"
)

// Measurements are the sensor readings reported for one vehicle.
type Measurements struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude"`
	Pitch       float64 `json:"pitch"`
	Roll        float64 `json:"roll"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
}

// VehicleRecord is the latest telemetry for one vehicle. LastUpdated is
// an RFC 3339 timestamp as reported by the source.
type VehicleRecord struct {
	VehicleName  string       `json:"vehicle_name"`
	LastUpdated  string       `json:"last_updated"`
	Measurements Measurements `json:"measurements"`
}

// Source provides vehicle telemetry. Implementations must be safe for
// concurrent use.
type Source interface {
	Vehicles(ctx context.Context) ([]VehicleRecord, error)
}

// StaticSampleSource returns a fixed pair of sample vehicles. It stands
// in until a live telemetry API is configured.
type StaticSampleSource struct{}

// Vehicles returns a fresh copy of the sample records.
func (StaticSampleSource) Vehicles(context.Context) ([]VehicleRecord, error) {
	return []VehicleRecord{
		{
			VehicleName: "Vehicle_001",
			LastUpdated: "2024-12-19T10:30:00Z",
			Measurements: Measurements{
				Temperature: 23.5,
				Humidity:    65.2,
				Light:       850,
				Latitude:    -33.8688,
				Longitude:   151.2093,
				Altitude:    58.0,
				Pitch:       2.1,
				Roll:        -0.8,
				X:           0.02,
				Y:           -0.15,
				Z:           9.81,
			},
		},
		{
			VehicleName: "Vehicle_002",
			LastUpdated: "2024-12-19T10:29:45Z",
			Measurements: Measurements{
				Temperature: 21.8,
				Humidity:    58.7,
				Light:       920,
				Latitude:    -33.8650,
				Longitude:   151.2094,
				Altitude:    62.5,
				Pitch:       1.5,
				Roll:        0.3,
				X:           -0.01,
				Y:           0.08,
				Z:           9.79,
			},
		},
	}, nil
}

// HTTPSource fetches records from a JSON endpoint returning an array
// of VehicleRecord.
type HTTPSource struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSource creates a source reading from url. A nil client uses
// the shared httpkit defaults.
func NewHTTPSource(url string, client *http.Client, logger *slog.Logger) *HTTPSource {
	if client == nil {
		client = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{url: url, client: client, logger: logger}
}

// Vehicles performs one GET against the configured endpoint.
func (s *HTTPSource) Vehicles(ctx context.Context) ([]VehicleRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create telemetry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch telemetry: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("telemetry API %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var records []VehicleRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}

	s.logger.Debug("telemetry fetched", "url", s.url, "vehicles", len(records))
	return records, nil
}
