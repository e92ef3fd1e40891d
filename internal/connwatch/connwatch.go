// Package connwatch watches the services aide depends on (the
// key-value store, MCP tool servers, the MQTT broker) and reports
// when they come and go.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors. connwatch covers outages of seconds to
// minutes: a tool server restarting, Redis failing over.
//
// Each service is probed in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with transition hooks
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aide/internal/events"
)

// ErrNotReady is reported for a service that has not answered a probe
// yet.
var ErrNotReady = errors.New("not ready")

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay before the first startup retry.
	Initial time.Duration
	// Max caps the startup delay growth.
	Max        time.Duration
	Multiplier float64
	// StartupAttempts bounds the backoff phase.
	StartupAttempts int
	// Poll is the background probe interval.
	Poll time.Duration
	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s, ... 60s with 10 startup attempts
// and 60-second background polling.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b *Backoff) applyDefaults() {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
}

// Service is one watched dependency.
type Service struct {
	Name  string
	Probe ProbeFunc

	// OnReady runs in its own goroutine each time the service becomes
	// reachable, including the first time. Optional.
	OnReady func(ctx context.Context)

	// OnDown runs in its own goroutine when a reachable service stops
	// answering. Optional.
	OnDown func(err error)
}

// Status is the health of a watched service, shaped for the /health
// endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watch struct {
	svc  Service
	done chan struct{}

	mu        sync.Mutex
	ready     bool
	since     time.Time
	lastCheck time.Time
	lastErr   error
}

func (w *watch) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.svc.Name, Ready: w.ready, Since: w.since, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Monitor runs one goroutine per watched service.
type Monitor struct {
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.RWMutex
	watches map[string]*watch
	cancels []context.CancelFunc
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(backoff Backoff, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	backoff.applyDefaults()
	return &Monitor{
		backoff: backoff,
		bus:     bus,
		logger:  logger.With("component", "connwatch"),
		watches: make(map[string]*watch),
	}
}

// Watch starts probing svc until ctx is cancelled or Stop is called.
func (m *Monitor) Watch(ctx context.Context, svc Service) error {
	if svc.Name == "" || svc.Probe == nil {
		return errors.New("connwatch: service needs a name and a probe")
	}

	m.mu.Lock()
	if _, dup := m.watches[svc.Name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("connwatch: %s already watched", svc.Name)
	}
	w := &watch{svc: svc, done: make(chan struct{})}
	watchCtx, cancel := context.WithCancel(ctx)
	m.watches[svc.Name] = w
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	go m.run(watchCtx, w)
	return nil
}

// Status returns the health of every watched service.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watches))
	for name, w := range m.watches {
		out[name] = w.status()
	}
	return out
}

// Check returns a health check for name that reports the last probe
// result without probing again.
func (m *Monitor) Check(name string) func(context.Context) error {
	return func(context.Context) error {
		m.mu.RLock()
		w, ok := m.watches[name]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%s: not watched", name)
		}
		s := w.status()
		if s.Ready {
			return nil
		}
		if s.LastError != "" {
			return errors.New(s.LastError)
		}
		return ErrNotReady
	}
}

// Checks returns a Check for every watched service.
func (m *Monitor) Checks() map[string]func(context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.watches))
	for name := range m.watches {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]func(context.Context) error, len(names))
	for _, name := range names {
		out[name] = m.Check(name)
	}
	return out
}

// Stop cancels every watch and waits for the goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancels := append([]context.CancelFunc(nil), m.cancels...)
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, w := range watches {
		<-w.done
	}
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	defer close(w.done)
	log := m.logger.With("service", w.svc.Name)

	delay := m.backoff.Initial
	for attempt := 1; attempt <= m.backoff.StartupAttempts; attempt++ {
		err := m.probe(ctx, w)
		if ctx.Err() != nil {
			return
		}
		m.observe(ctx, log, w, err)
		if err == nil {
			break
		}
		if attempt == m.backoff.StartupAttempts {
			log.Warn("service unreachable at startup, polling in background", "attempts", attempt, "error", err)
			break
		}
		log.Debug("startup probe failed, retrying", "attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * m.backoff.Multiplier)
		if delay > m.backoff.Max {
			delay = m.backoff.Max
		}
	}

	ticker := time.NewTicker(m.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.probe(ctx, w)
			if ctx.Err() != nil {
				return
			}
			m.observe(ctx, log, w, err)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, w *watch) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.backoff.ProbeTimeout)
	defer cancel()
	return w.svc.Probe(probeCtx)
}

// observe records a probe result and fires hooks on transitions.
func (m *Monitor) observe(ctx context.Context, log *slog.Logger, w *watch, err error) {
	now := time.Now()
	w.mu.Lock()
	wasReady := w.ready
	w.lastCheck = now
	w.lastErr = err
	w.ready = err == nil
	if wasReady != w.ready {
		w.since = now
	}
	w.mu.Unlock()

	switch {
	case !wasReady && err == nil:
		log.Info("service ready")
		m.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.svc.Name})
		if w.svc.OnReady != nil {
			go w.svc.OnReady(ctx)
		}
	case wasReady && err != nil:
		log.Warn("service became unreachable", "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.svc.Name,
			"error":   err.Error(),
		})
		if w.svc.OnDown != nil {
			go w.svc.OnDown(err)
		}
	case wasReady && err == nil:
	default:
		log.Debug("service still unreachable", "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
