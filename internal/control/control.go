// Package control implements the dashboard's manual device actions.
// Every action goes through the tool registry so buttons and the agent
// share one code path.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/telemetry"
	"github.com/summitlabs/legion/internal/tools"
)

// Timed feed bounds, in seconds.
const (
	MinFeedSeconds     = 1
	MaxFeedSeconds     = 10
	DefaultFeedSeconds = 5
)

// ErrUnknownPreset is returned for a helmet preset name not in Presets.
var ErrUnknownPreset = errors.New("unknown helmet preset")

// HelmetPreset is a named faceplate and eyes combination.
type HelmetPreset struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Faceplate string `json:"faceplate_state"`
	Eyes      string `json:"eyes_state"`
}

// Presets are the helmet buttons. Eye toggles assume a closed faceplate.
var Presets = []HelmetPreset{
	{Name: "open", Label: "Open Faceplate", Faceplate: device.FaceOpen, Eyes: device.EyesOn},
	{Name: "close", Label: "Close Faceplate", Faceplate: device.FaceClose, Eyes: device.EyesOn},
	{Name: "eyes-on", Label: "Turn Eyes On", Faceplate: device.FaceClose, Eyes: device.EyesOn},
	{Name: "eyes-off", Label: "Turn Eyes Off", Faceplate: device.FaceClose, Eyes: device.EyesOff},
}

// LookupPreset finds a helmet preset by name.
func LookupPreset(name string) (HelmetPreset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return HelmetPreset{}, false
}

// Caller runs a registry tool. *tools.Registry implements it.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// Panel runs manual device actions.
type Panel struct {
	tools  Caller
	logger *slog.Logger
}

// New creates a Panel backed by the given tool caller.
func New(caller Caller, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{tools: caller, logger: logger.With("component", "control")}
}

// Feeder sends one cat feeder motor command.
func (p *Panel) Feeder(ctx context.Context, action string) (tools.Result, error) {
	return p.tools.Call(ctx, tools.NameSendCatFeeder, map[string]any{"action": action})
}

// FeedReport summarizes a timed feed.
type FeedReport struct {
	Seconds int            `json:"seconds"`
	Message string         `json:"message"`
	Steps   []tools.Result `json:"steps"`
	OK      bool           `json:"ok"`
}

// TimedFeed runs the feeder forward for seconds, then stops it. The
// stop command is sent even when the wait is interrupted, so the motor
// is never left running; it uses a context detached from ctx's
// cancellation for that reason.
func (p *Panel) TimedFeed(ctx context.Context, seconds int) (FeedReport, error) {
	if seconds < MinFeedSeconds || seconds > MaxFeedSeconds {
		return FeedReport{}, fmt.Errorf("%w: feed duration %d must be between %d and %d seconds",
			device.ErrInvalidArgument, seconds, MinFeedSeconds, MaxFeedSeconds)
	}

	report := FeedReport{Seconds: seconds}

	forward, err := p.Feeder(ctx, device.FeederForward)
	if err != nil {
		return report, err
	}
	report.Steps = append(report.Steps, forward)
	if !forward.OK() {
		report.Message = "Cat feeder did not start: " + forward.Error
		return report, nil
	}

	wait, err := p.tools.Call(ctx, tools.NameSleepSeconds, map[string]any{"seconds": seconds})
	if err != nil {
		return report, err
	}
	report.Steps = append(report.Steps, wait)

	stop, err := p.Feeder(context.WithoutCancel(ctx), device.FeederStop)
	if err != nil {
		return report, err
	}
	report.Steps = append(report.Steps, stop)

	report.OK = wait.OK() && stop.OK()
	switch {
	case report.OK:
		report.Message = fmt.Sprintf("Kitty has been fed for %d seconds!", seconds)
	case !stop.OK():
		report.Message = "Cat feeder may still be running: " + stop.Error
	default:
		report.Message = "Feeding cut short: " + wait.Error
	}

	p.logger.Info("timed feed finished", "seconds", seconds, "ok", report.OK)
	return report, nil
}

// Helmet applies a named preset.
func (p *Panel) Helmet(ctx context.Context, preset string) (tools.Result, error) {
	hp, ok := LookupPreset(preset)
	if !ok {
		return tools.Result{}, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
	}
	return p.tools.Call(ctx, tools.NameHelmetAction, map[string]any{
		"faceplate_state": hp.Faceplate,
		"eyes_state":      hp.Eyes,
	})
}

// Protocol activates the house party protocol.
func (p *Panel) Protocol(ctx context.Context) (tools.Result, error) {
	return p.tools.Call(ctx, tools.NameHouseParty, nil)
}

// Telemetry fetches the vehicle records.
func (p *Panel) Telemetry(ctx context.Context) ([]telemetry.VehicleRecord, error) {
	res, err := p.tools.Call(ctx, tools.NameVehicleTelemetry, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("fetch telemetry: %s", res.Error)
	}
	return res.Vehicles, nil
}
