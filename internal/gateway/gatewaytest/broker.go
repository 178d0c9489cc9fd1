// Package gatewaytest provides a recording Broker for tests.
package gatewaytest

import (
	"context"
	"sync"
	"time"
)

// Call is one recorded publish.
type Call struct {
	Topic   string
	QoS     byte
	Payload []byte
	At      time.Time
}

// Broker records every publish. Err makes every call fail; Panic makes
// every call panic with its value. Ack is returned on success.
type Broker struct {
	Ack   string
	Err   error
	Panic any

	mu    sync.Mutex
	calls []Call
}

// Publish implements gateway.Broker.
func (b *Broker) Publish(_ context.Context, topic string, qos byte, payload []byte) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{
		Topic:   topic,
		QoS:     qos,
		Payload: append([]byte(nil), payload...),
		At:      time.Now(),
	})
	b.mu.Unlock()

	if b.Panic != nil {
		panic(b.Panic)
	}
	if b.Err != nil {
		return "", b.Err
	}
	if b.Ack == "" {
		return "PUBACK reason_code=0 (success)", nil
	}
	return b.Ack, nil
}

// Calls returns a copy of the recorded publishes.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}
