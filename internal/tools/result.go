package tools

import (
	"encoding/json"

	"github.com/summitlabs/legion/internal/telemetry"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the one shape every tool returns. Optional fields carry the
// tool-specific details: feeder tools set Topic, Action and Payload,
// the protocol sets SuitsActivated, telemetry sets Vehicles. Error
// results always set Error.
type Result struct {
	Status         string                    `json:"status"`
	Message        string                    `json:"message"`
	Topic          string                    `json:"topic,omitempty"`
	Action         string                    `json:"action,omitempty"`
	Payload        json.RawMessage           `json:"payload,omitempty"`
	Response       string                    `json:"response,omitempty"`
	SuitsActivated string                    `json:"suits_activated,omitempty"`
	Vehicles       []telemetry.VehicleRecord `json:"vehicles,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

// OK reports whether the tool succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// JSON renders the result for the LLM and transports.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Only RawMessage can fail, and it always holds encoder output.
		return `{"status":"error","message":"result encoding failed","error":` + quote(err.Error()) + `}`
	}
	return string(data)
}

// ParseResult decodes a rendered Result.
func ParseResult(s string) (Result, error) {
	var r Result
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

func errorResult(message, detail string) Result {
	return Result{Status: StatusError, Message: message, Error: detail}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
