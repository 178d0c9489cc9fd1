package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/gateway"
)

// Tool names.
const (
	NameVehicleTelemetry = "get_vehicle_telemetry"
	NameSendCatFeeder    = "send_cat_feeder_message"
	NameControlCatFeeder = "control_cat_feeder_iot"
	NameSleepSeconds     = "sleep_seconds"
	NameHelmetAction     = "set_iron_man_mark3_helmet_action"
	NameHouseParty       = "house_party_protocol"
)

// MaxSleepSeconds bounds sleep_seconds so a call finishes inside the
// API server's write window.
const MaxSleepSeconds = 60

// controlFeederActions is the order control_cat_feeder_iot reports in
// its error text.
var controlFeederActions = []string{device.FeederForward, device.FeederBackward, device.FeederStop}

func (r *Registry) registerDeviceTools() {
	r.Register(&Tool{
		Name:        NameVehicleTelemetry,
		Description: "Retrieves all vehicle telemetry data: temperature, humidity, light, latitude, longitude, altitude, pitch, roll and x/y/z acceleration for each vehicle.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleVehicleTelemetry,
	})

	r.Register(&Tool{
		Name:        NameSendCatFeeder,
		Description: "Send an MQTT message to activate the cat feeder. Runs the motor at the default speed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        device.FeederActions,
					"description": "Motor action: forward, stop or backward",
				},
			},
			"required": []string{"action"},
		},
		Handler: r.handleSendCatFeeder,
	})

	r.Register(&Tool{
		Name:        NameControlCatFeeder,
		Description: "Control the cat feeder motor with an explicit speed. Validates the action before sending anything.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        controlFeederActions,
					"description": "The action to perform: forward, backward or stop",
				},
				"speed": map[string]any{
					"type":        "integer",
					"minimum":     device.MinFeederSpeed,
					"maximum":     device.MaxFeederSpeed,
					"description": fmt.Sprintf("Motor speed (default %d)", device.DefaultFeederSpeed),
				},
			},
			"required": []string{"action"},
		},
		Handler: r.handleControlCatFeeder,
	})

	r.Register(&Tool{
		Name:        NameSleepSeconds,
		Description: "Pauses for the specified number of seconds. Use between feeder commands to run the motor for a while.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "integer",
					"minimum":     0,
					"maximum":     MaxSleepSeconds,
					"description": "The number of seconds to sleep",
				},
			},
			"required": []string{"seconds"},
		},
		Handler: r.handleSleepSeconds,
	})

	r.Register(&Tool{
		Name:        NameHelmetAction,
		Description: "Set the state of the Iron Man Mark 3 helmet faceplate and eyes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"faceplate_state": map[string]any{
					"type":        "string",
					"enum":        device.FaceplateStates,
					"description": "The state of the faceplate: face_open or face_close",
				},
				"eyes_state": map[string]any{
					"type":        "string",
					"enum":        device.EyesStates,
					"description": "The state of the eyes: on or off",
				},
			},
			"required": []string{"faceplate_state", "eyes_state"},
		},
		Handler: r.handleHelmetAction,
	})

	r.Register(&Tool{
		Name:        NameHouseParty,
		Description: "Initiate the House Party Protocol: remotely activate the Iron Legion of suits.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleHousePartyProtocol,
	})
}

func (r *Registry) handleVehicleTelemetry(ctx context.Context, _ map[string]any) Result {
	records, err := r.telemetry.Vehicles(ctx)
	if err != nil {
		return errorResult("Error fetching telemetry data", err.Error())
	}
	return Result{
		Status:   StatusSuccess,
		Message:  fmt.Sprintf("Retrieved telemetry data for %d vehicles", len(records)),
		Vehicles: records,
	}
}

func (r *Registry) handleSendCatFeeder(ctx context.Context, args map[string]any) Result {
	action := stringArg(args, "action")

	enc, err := device.EncodeFeederCommand(r.project, action, device.DefaultFeederSpeed)
	if err != nil {
		return Result{Status: StatusError, Message: "Cat feeder command rejected", Action: action, Error: err.Error()}
	}

	pr := r.publish(ctx, enc)
	res := Result{
		Topic:    pr.Topic,
		Action:   action,
		Payload:  pr.Payload,
		Response: pr.Response,
	}
	if !pr.Sent() {
		res.Status = StatusError
		res.Message = "Cat feeder command failed"
		res.Error = pr.Response
		return res
	}
	res.Status = StatusSuccess
	res.Message = fmt.Sprintf("Cat feeder command sent: %s", action)
	return res
}

func (r *Registry) handleControlCatFeeder(ctx context.Context, args map[string]any) Result {
	action := stringArg(args, "action")

	// Reject locally before encoding so an invalid action never reaches
	// the encoder or the broker.
	if !device.ValidFeederAction(action) {
		return errorResult("Invalid action",
			fmt.Sprintf("Invalid action: %s. Must be one of: %s", action, strings.Join(controlFeederActions, ", ")))
	}

	speed, err := intArg(args, "speed", device.DefaultFeederSpeed)
	if err != nil {
		return errorResult("Invalid speed", err.Error())
	}
	if speed < device.MinFeederSpeed || speed > device.MaxFeederSpeed {
		return errorResult("Invalid speed",
			fmt.Sprintf("speed must be between %d and %d, got %d", device.MinFeederSpeed, device.MaxFeederSpeed, speed))
	}

	enc, err := device.EncodeFeederCommand(r.project, action, speed)
	if err != nil {
		return errorResult("Invalid action", err.Error())
	}

	pr := r.publish(ctx, enc)
	if !pr.Sent() {
		return Result{Status: StatusError, Message: "Cat feeder command failed", Topic: pr.Topic, Error: pr.Response}
	}
	return Result{
		Status:   StatusSuccess,
		Message:  fmt.Sprintf("Motor command sent: %s with speed %d", action, speed),
		Topic:    pr.Topic,
		Payload:  pr.Payload,
		Response: pr.Response,
	}
}

func (r *Registry) handleSleepSeconds(ctx context.Context, args map[string]any) Result {
	if _, ok := args["seconds"]; !ok {
		return errorResult("Invalid seconds", "seconds is required")
	}
	seconds, err := intArg(args, "seconds", 0)
	if err != nil {
		return errorResult("Invalid seconds", err.Error())
	}
	if seconds < 0 {
		return errorResult("Invalid seconds", fmt.Sprintf("seconds must be non-negative, got %d", seconds))
	}
	if seconds > MaxSleepSeconds {
		return errorResult("Invalid seconds", fmt.Sprintf("seconds must be at most %d, got %d", MaxSleepSeconds, seconds))
	}

	start := time.Now()
	if err := r.sleep(ctx, time.Duration(seconds)*time.Second); err != nil {
		return errorResult("Sleep interrupted",
			fmt.Sprintf("interrupted after %s: %v", time.Since(start).Round(time.Millisecond), err))
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("Slept for %d seconds", seconds)}
}

func (r *Registry) handleHelmetAction(ctx context.Context, args map[string]any) Result {
	faceplate := stringArg(args, "faceplate_state")
	eyes := stringArg(args, "eyes_state")

	enc, err := device.EncodeHelmetCommand(r.project, faceplate, eyes)
	if err != nil {
		return errorResult("Helmet command rejected", err.Error())
	}

	pr := r.publish(ctx, enc)
	if !pr.Sent() {
		return Result{Status: StatusError, Message: "Helmet command failed", Topic: pr.Topic, Action: faceplate, Error: pr.Response}
	}
	return Result{
		Status:   StatusSuccess,
		Message:  fmt.Sprintf("The payload sent to topic is %s", pr.Payload),
		Topic:    pr.Topic,
		Action:   faceplate,
		Payload:  pr.Payload,
		Response: pr.Response,
	}
}

func (r *Registry) handleHousePartyProtocol(ctx context.Context, _ map[string]any) Result {
	pr := r.publish(ctx, device.EncodeProtocolCommand(r.project))
	if !pr.Sent() {
		return Result{Status: StatusError, Message: "House Party Protocol failed", Topic: pr.Topic, Error: pr.Response}
	}
	return Result{
		Status:         StatusSuccess,
		Message:        "House Party Protocol activated: Iron Legion deployed",
		Topic:          pr.Topic,
		SuitsActivated: "Mark 15-42 online and responding",
		Payload:        pr.Payload,
		Response:       pr.Response,
	}
}

func (r *Registry) publish(ctx context.Context, enc device.Encoded) gateway.PublishResult {
	if r.publisher == nil {
		return gateway.PublishResult{
			Status:   gateway.StatusError,
			Failure:  gateway.FailureUnexpected,
			Topic:    enc.Topic,
			Command:  enc.Command,
			Response: "Unexpected error: no publisher configured",
		}
	}
	return r.publisher.Publish(ctx, enc)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reads a whole-number argument. JSON numbers arrive as float64;
// numeric strings are accepted because some models quote integers.
func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", key, n)
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("%s is out of range: %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number, got %s", key, n)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number, got %q", key, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
