// Package weathertools is the demo tool set served when no downstream MCP
// server is configured. The tools are tagged across every capability class
// (read, write, delete, admin) so role filtering is visible end to end.
package weathertools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ssogate/registry"
	"ssogate/registry/static"
)

// Service holds the mutable demo state behind the tools.
type Service struct {
	mu     sync.Mutex
	alerts map[string]Alert
	calls  int
}

// Alert is one stored weather alert.
type Alert struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	Condition string `json:"condition"`
	Threshold string `json:"threshold"`
	Email     string `json:"notification_email"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// NewService creates an empty demo service.
func NewService() *Service {
	return &Service{alerts: make(map[string]Alert)}
}

type weatherArgs struct {
	Location string `json:"location" jsonschema:"description=City or region to report on"`
}

type forecastArgs struct {
	Location string `json:"location" jsonschema:"description=City or region to report on"`
	Days     int    `json:"days,omitempty" jsonschema:"description=Forecast length in days (max 5)"`
}

type setAlertArgs struct {
	Location  string `json:"location"`
	Condition string `json:"condition" jsonschema:"description=Condition to alert on (e.g. storm)"`
	Threshold string `json:"threshold"`
	Email     string `json:"notification_email"`
}

type deleteAlertArgs struct {
	AlertID string `json:"alert_id"`
}

// Registry assembles the tool set over the service.
func (s *Service) Registry() *static.Registry {
	return static.New(
		static.NewTool("get_weather", "Get current weather for a location",
			[]string{"read", "weather", "public"},
			func(_ context.Context, args weatherArgs) (registry.Result, error) {
				if args.Location == "" {
					return static.Errorf("location is required"), nil
				}
				s.count()
				return static.StructuredResult(map[string]any{
					"location":    args.Location,
					"temperature": "22°C",
					"condition":   "Sunny",
					"humidity":    "45%",
					"wind_speed":  "10 km/h",
					"timestamp":   time.Now().UTC().Format(time.RFC3339),
				})
			}),
		static.NewTool("get_weather_forecast", "Get a multi-day weather forecast for a location",
			[]string{"read", "weather", "forecast"},
			func(_ context.Context, args forecastArgs) (registry.Result, error) {
				if args.Location == "" {
					return static.Errorf("location is required"), nil
				}
				s.count()
				days := args.Days
				if days <= 0 || days > 5 {
					days = 5
				}
				forecast := make([]map[string]any, 0, days)
				for i := range days {
					condition := "Sunny"
					if i%2 == 1 {
						condition = "Partly cloudy"
					}
					forecast = append(forecast, map[string]any{
						"day":                  fmt.Sprintf("Day %d", i+1),
						"date":                 time.Now().AddDate(0, 0, i+1).Format("2006-01-02"),
						"location":             args.Location,
						"temperature_high":     fmt.Sprintf("%d°C", 20+i),
						"temperature_low":      fmt.Sprintf("%d°C", 10+i),
						"condition":            condition,
						"precipitation_chance": fmt.Sprintf("%d%%", i*10),
					})
				}
				return static.StructuredResult(map[string]any{"forecast": forecast})
			}),
		static.NewTool("set_weather_alert", "Set a weather alert for a location",
			[]string{"write", "weather", "alert"},
			func(_ context.Context, args setAlertArgs) (registry.Result, error) {
				if args.Location == "" || args.Condition == "" {
					return static.Errorf("location and condition are required"), nil
				}
				s.count()
				alert := Alert{
					ID:        "alert_" + uuid.NewString(),
					Location:  args.Location,
					Condition: args.Condition,
					Threshold: args.Threshold,
					Email:     args.Email,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				s.mu.Lock()
				s.alerts[alert.ID] = alert
				s.mu.Unlock()
				return static.StructuredResult(alert)
			}),
		static.NewTool("delete_weather_alert", "Delete a weather alert",
			[]string{"delete", "weather", "alert"},
			func(_ context.Context, args deleteAlertArgs) (registry.Result, error) {
				if args.AlertID == "" {
					return static.Errorf("alert_id is required"), nil
				}
				s.count()
				s.mu.Lock()
				_, ok := s.alerts[args.AlertID]
				delete(s.alerts, args.AlertID)
				s.mu.Unlock()
				if !ok {
					return static.Errorf("no alert %s", args.AlertID), nil
				}
				return static.StructuredResult(map[string]string{
					"alert_id":   args.AlertID,
					"status":     "deleted",
					"deleted_at": time.Now().UTC().Format(time.RFC3339),
				})
			}),
		static.NewTool("admin_weather_stats", "Get administrative weather statistics",
			[]string{"admin", "weather", "stats"},
			func(_ context.Context, _ struct{}) (registry.Result, error) {
				s.mu.Lock()
				calls, alerts := s.calls, len(s.alerts)
				s.mu.Unlock()
				return static.StructuredResult(map[string]any{
					"total_requests": calls,
					"active_alerts":  alerts,
					"last_updated":   time.Now().UTC().Format(time.RFC3339),
				})
			}),
	)
}

func (s *Service) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}
