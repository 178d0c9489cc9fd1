// Package tools defines the tools available to the agent and the
// manual control surface.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/gateway"
	"github.com/summitlabs/legion/internal/metrics"
	"github.com/summitlabs/legion/internal/telemetry"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                `json:"name"`
	Description string                                                `json:"description"`
	Parameters  map[string]any                                        `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) Result `json:"-"`
}

// Publisher sends an encoded command and reports the outcome.
// *gateway.Gateway implements it.
type Publisher interface {
	Publish(ctx context.Context, enc device.Encoded) gateway.PublishResult
}

// SleepFunc waits for d or until ctx is done, whichever is first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Registry holds available tools. It is safe for concurrent use; each
// Execute runs on the caller's goroutine.
type Registry struct {
	project   string
	publisher Publisher
	telemetry telemetry.Source
	sleep     SleepFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithSleep replaces the wait used by sleep_seconds.
func WithSleep(fn SleepFunc) Option {
	return func(r *Registry) { r.sleep = fn }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records tool calls on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a registry with the device tools registered.
// project prefixes every device topic. A nil source uses the static
// sample telemetry.
func NewRegistry(project string, pub Publisher, source telemetry.Source, opts ...Option) *Registry {
	if source == nil {
		source = telemetry.StaticSampleSource{}
	}
	r := &Registry{
		project:   project,
		publisher: pub,
		telemetry: source,
		sleep:     SleepContext,
		logger:    slog.Default(),
		tools:     make(map[string]*Tool),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "tools")
	r.registerDeviceTools()
	return r
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns the tools in registration order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// List returns all tools for the LLM in OpenAI function format.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.All() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with JSON-encoded arguments and returns
// the rendered Result. Only an unknown tool or malformed arguments are
// errors; tool failures are reported inside the Result.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	res, err := r.Call(ctx, name, args)
	if err != nil {
		return "", err
	}
	return res.JSON(), nil
}

// Call runs a tool with decoded arguments.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool := r.Get(name)
	if tool == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	res := tool.Handler(ctx, args)
	elapsed := time.Since(start)

	r.metrics.ObserveTool(name, res.Status, elapsed)

	log := r.logger.With("tool", name, "status", res.Status, "elapsed", elapsed.Round(time.Millisecond))
	if id := ToolCallIDFromContext(ctx); id != "" {
		log = log.With("tool_call_id", id)
	}
	if res.OK() {
		log.Info("tool executed")
	} else {
		log.Warn("tool failed", "error", res.Error)
	}
	return res, nil
}

// SleepContext waits for d, returning early with ctx.Err() when ctx is
// done. A non-positive d returns immediately.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
