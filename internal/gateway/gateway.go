// Package gateway publishes encoded device commands to the broker and
// reports the outcome as data. Publish never returns an error and never
// lets a panic escape: every failure becomes an Error result the caller
// can render.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/summitlabs/legion/internal/config"
	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/metrics"
)

// QoS is the delivery guarantee used for every device command
// (at least once; devices tolerate duplicates).
const QoS byte = 1

// Broker is the message broker publish API.
type Broker interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) (ack string, err error)
}

// Status is the outcome of a publish.
type Status string

const (
	StatusSent  Status = "sent"
	StatusError Status = "error"
)

// Failure classifies an Error result.
type Failure string

const (
	FailureNone Failure = ""
	// FailurePublish means the broker call returned an error.
	FailurePublish Failure = "publish_failure"
	// FailureUnexpected covers everything else: encoding errors and
	// panics raised during publish.
	FailureUnexpected Failure = "unexpected_failure"
)

// Error text prefixes rendered into PublishResult.Response.
const (
	publishErrorPrefix    = "Error sending message to IoT topic: "
	unexpectedErrorPrefix = "Unexpected error: "
)

// PublishResult describes one publish attempt. Response holds the
// broker acknowledgment for Sent results and the captured error text
// for Error results.
type PublishResult struct {
	Status   Status
	Failure  Failure
	Topic    string
	Command  device.Command
	Payload  []byte
	Response string
}

// Sent reports whether the broker accepted the command.
func (r PublishResult) Sent() bool {
	return r.Status == StatusSent
}

// Gateway publishes device commands through a Broker.
type Gateway struct {
	broker  Broker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Gateway. m may be nil.
func New(broker Broker, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		broker:  broker,
		logger:  logger.With("component", "gateway"),
		metrics: m,
	}
}

// Publish serializes enc and sends it at QoS 1. There are no retries;
// callers needing resilience add their own policy. No timeout is set
// here: ctx and the broker client's own defaults bound the call.
func (g *Gateway) Publish(ctx context.Context, enc device.Encoded) (result PublishResult) {
	result = PublishResult{Topic: enc.Topic, Command: enc.Command}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusError
			result.Failure = FailureUnexpected
			result.Response = unexpectedErrorPrefix + fmt.Sprint(r)
		}
		g.record(ctx, result, time.Since(start))
	}()

	payload, err := enc.Payload()
	if err != nil {
		result.Status = StatusError
		result.Failure = FailureUnexpected
		result.Response = unexpectedErrorPrefix + err.Error()
		return result
	}
	result.Payload = payload

	if g.broker == nil {
		result.Status = StatusError
		result.Failure = FailureUnexpected
		result.Response = unexpectedErrorPrefix + "no broker configured"
		return result
	}

	ack, err := g.broker.Publish(ctx, enc.Topic, QoS, payload)
	if err != nil {
		result.Status = StatusError
		result.Failure = FailurePublish
		result.Response = publishErrorPrefix + err.Error()
		return result
	}

	result.Status = StatusSent
	result.Response = ack
	return result
}

func (g *Gateway) record(ctx context.Context, r PublishResult, d time.Duration) {
	g.metrics.ObservePublish(r.Topic, string(r.Status), d)

	if r.Sent() {
		g.logger.Info("device command published",
			"topic", r.Topic,
			"class", r.Command.Class,
			"action", r.Command.Action,
			"ack", r.Response,
			"elapsed", d.Round(time.Millisecond))
		g.logger.Log(ctx, config.LevelTrace, "device command payload",
			"topic", r.Topic, "payload", string(r.Payload))
		return
	}

	g.logger.Warn("device command publish failed",
		"topic", r.Topic,
		"class", r.Command.Class,
		"action", r.Command.Action,
		"failure", r.Failure,
		"error", r.Response)
}
