// Package device encodes logical device operations into the topic and
// JSON payload each physical device subscribes to. Encoding is pure:
// nothing here touches the network.
//
// Two topics exist, both prefixed by the provisioning project name:
//
//	<project>-iot-house-telemetry-house-telemetry-action   cat feeder
//	<project>-iot-suit-telemetry-suit-telemetry-action     helmet, suit protocol
package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidArgument is returned when an action or state is outside the
// allowed set for its device class. The operation is never attempted.
var ErrInvalidArgument = errors.New("invalid argument")

// Class identifies the kind of device a command targets.
type Class string

const (
	ClassCatFeeder    Class = "cat_feeder"
	ClassHelmet       Class = "helmet"
	ClassSuitProtocol Class = "suit_protocol"
)

// Cat feeder motor actions.
const (
	FeederForward  = "forward"
	FeederStop     = "stop"
	FeederBackward = "backward"
)

// Helmet faceplate and eye states.
const (
	FaceOpen  = "face_open"
	FaceClose = "face_close"
	EyesOn    = "on"
	EyesOff   = "off"
)

const (
	// DefaultFeederSpeed is the motor speed used when none is given.
	DefaultFeederSpeed = 180
	// MinFeederSpeed and MaxFeederSpeed bound the servo speed range.
	MinFeederSpeed = 0
	MaxFeederSpeed = 180

	// HelmetSuitName identifies the helmet on the shared suit topic.
	HelmetSuitName = "XIAOMark3Helmet"

	ProtocolAction  = "house_party_protocol"
	ProtocolMessage = "Deploying Iron Legion"
)

// FeederActions lists the valid cat feeder actions in display order.
var FeederActions = []string{FeederForward, FeederStop, FeederBackward}

// FaceplateStates and EyesStates list the valid helmet states.
var (
	FaceplateStates = []string{FaceOpen, FaceClose}
	EyesStates      = []string{EyesOn, EyesOff}
)

// Command is a single device instruction. Commands are built fresh per
// invocation by the Encode functions and never mutated afterwards.
type Command struct {
	Class      Class          `json:"device_class"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Encoded pairs a command with the topic it must be published on.
type Encoded struct {
	Topic   string
	Command Command
}

// Payload returns the UTF-8 JSON wire form of the command.
func (e Encoded) Payload() ([]byte, error) {
	return e.Command.MarshalWire()
}

// FeederTopic returns the cat feeder command topic for project.
func FeederTopic(project string) string {
	return project + "-iot-house-telemetry-house-telemetry-action"
}

// SuitTopic returns the helmet and suit protocol topic for project.
func SuitTopic(project string) string {
	return project + "-iot-suit-telemetry-suit-telemetry-action"
}

// ValidFeederAction reports whether action is an allowed feeder action.
func ValidFeederAction(action string) bool {
	return slices.Contains(FeederActions, action)
}

// EncodeFeederCommand builds a cat feeder motor command.
func EncodeFeederCommand(project, action string, speed int) (Encoded, error) {
	if !ValidFeederAction(action) {
		return Encoded{}, invalid("action", action, FeederActions)
	}
	return Encoded{
		Topic: FeederTopic(project),
		Command: Command{
			Class:      ClassCatFeeder,
			Action:     action,
			Parameters: map[string]any{"speed": speed},
		},
	}, nil
}

// EncodeHelmetCommand builds a Mark 3 helmet command setting both the
// faceplate and the eyes.
func EncodeHelmetCommand(project, faceplate, eyes string) (Encoded, error) {
	if !slices.Contains(FaceplateStates, faceplate) {
		return Encoded{}, invalid("faceplate_state", faceplate, FaceplateStates)
	}
	if !slices.Contains(EyesStates, eyes) {
		return Encoded{}, invalid("eyes_state", eyes, EyesStates)
	}
	return Encoded{
		Topic: SuitTopic(project),
		Command: Command{
			Class:  ClassHelmet,
			Action: faceplate,
			Parameters: map[string]any{
				"suit_name": HelmetSuitName,
				"eyes":      eyes,
			},
		},
	}, nil
}

// EncodeProtocolCommand builds the fixed house party protocol command.
func EncodeProtocolCommand(project string) Encoded {
	return Encoded{
		Topic: SuitTopic(project),
		Command: Command{
			Class:      ClassSuitProtocol,
			Action:     ProtocolAction,
			Parameters: map[string]any{"message": ProtocolMessage},
		},
	}
}

func invalid(field, value string, allowed []string) error {
	return fmt.Errorf("%w: %s %q must be one of: %s",
		ErrInvalidArgument, field, value, strings.Join(allowed, ", "))
}

// Wire payloads. Field order is the order devices were written against.

type feederWire struct {
	Action string `json:"action"`
	Speed  int    `json:"speed"`
}

type helmetWire struct {
	SuitName string `json:"suit_name"`
	Action   string `json:"action"`
	Eyes     string `json:"eyes"`
}

type protocolWire struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// MarshalWire renders the device payload, which is flatter than the
// Command itself: parameters sit beside the action.
func (c Command) MarshalWire() ([]byte, error) {
	switch c.Class {
	case ClassCatFeeder:
		return json.Marshal(feederWire{Action: c.Action, Speed: intParam(c.Parameters, "speed", DefaultFeederSpeed)})
	case ClassHelmet:
		return json.Marshal(helmetWire{
			SuitName: stringParam(c.Parameters, "suit_name", HelmetSuitName),
			Action:   c.Action,
			Eyes:     stringParam(c.Parameters, "eyes", ""),
		})
	case ClassSuitProtocol:
		return json.Marshal(protocolWire{Action: c.Action, Message: stringParam(c.Parameters, "message", ProtocolMessage)})
	default:
		return nil, fmt.Errorf("%w: unknown device class %q", ErrInvalidArgument, c.Class)
	}
}

// DecodeCommand parses a wire payload for class back into a Command.
func DecodeCommand(class Class, payload []byte) (Command, error) {
	switch class {
	case ClassCatFeeder:
		var w feederWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return Command{}, fmt.Errorf("decode feeder payload: %w", err)
		}
		return Command{Class: class, Action: w.Action, Parameters: map[string]any{"speed": w.Speed}}, nil
	case ClassHelmet:
		var w helmetWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return Command{}, fmt.Errorf("decode helmet payload: %w", err)
		}
		return Command{Class: class, Action: w.Action, Parameters: map[string]any{"suit_name": w.SuitName, "eyes": w.Eyes}}, nil
	case ClassSuitProtocol:
		var w protocolWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return Command{}, fmt.Errorf("decode protocol payload: %w", err)
		}
		return Command{Class: class, Action: w.Action, Parameters: map[string]any{"message": w.Message}}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown device class %q", ErrInvalidArgument, class)
	}
}

func intParam(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringParam(p map[string]any, key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}
