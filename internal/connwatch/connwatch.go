// Package connwatch tracks whether the services Legion depends on are
// reachable: the MQTT broker that carries device commands and the LLM
// backend the agent talks to.
//
// Each watcher probes one service. While the service is down it retries
// with exponential backoff; once it answers, it is polled at a steady
// interval. Transitions are logged and exported as the
// legion_dependency_up gauge, and the current state feeds /health.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/summitlabs/legion/internal/metrics"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// RetryDelay is the first wait after a failed probe. It doubles
	// after each consecutive failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Interval is the wait between probes while the service is healthy.
	Interval time.Duration
	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultSchedule suits a live demo: failures are retried quickly so a
// broker that comes up late is noticed within seconds.
func DefaultSchedule() Schedule {
	return Schedule{
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		Interval:      30 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.MaxRetryDelay < s.RetryDelay {
		s.MaxRetryDelay = max(d.MaxRetryDelay, s.RetryDelay)
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// nextDelay returns the wait before the next probe after failures
// consecutive failures. Zero failures means the service is healthy.
func (s Schedule) nextDelay(failures int) time.Duration {
	if failures == 0 {
		return s.Interval
	}
	d := s.RetryDelay
	for i := 1; i < failures && d < s.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, s.MaxRetryDelay)
}

// Status is the health of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status Status
	probed chan struct{} // closed after the first probe
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// FirstProbe returns a channel closed once the first probe finishes.
func (w *Watcher) FirstProbe() <-chan struct{} {
	return w.probed
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	first := true
	for {
		w.check(ctx)
		if first {
			close(w.probed)
			first = false
		}
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(w.schedule.nextDelay(w.Status().Failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the outcome.
func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; the failure says nothing about the service.
		return
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	checked := w.status.LastCheck
	w.status.LastCheck = time.Now()
	if err == nil {
		w.status.Ready = true
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Ready = false
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	failures := w.status.Failures
	w.mu.Unlock()

	w.metrics.SetDependency(w.name, err == nil)

	switch {
	case err == nil && !wasReady:
		w.logger.Info("service reachable", "service", w.name)
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
	case err != nil && checked.IsZero():
		w.logger.Warn("service unreachable", "service", w.name, "error", err,
			"retry_in", w.schedule.nextDelay(failures))
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "error", err,
			"failures", failures, "retry_in", w.schedule.nextDelay(failures))
	}
}

// Manager owns the watchers for every dependency.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager. m may be nil.
func NewManager(logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		metrics:  m,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. Zero Schedule fields take their defaults. Watching a name
// twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		logger:   m.logger,
		metrics:  m.metrics,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: name},
		probed:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service, sorted by name. A nil Manager
// has none.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
