// Package connectivity tracks whether the Clipper API is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/logging"
)

// Prober checks reachability of the remote API.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener receives the new online state on every transition.
type Listener func(online bool)

// Monitor holds the current online state. It changes through periodic
// probes or platform pushes via SetOnline.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration

	mu        sync.RWMutex
	online    bool
	listeners map[int]Listener
	nextID    int
}

// NewMonitor creates a monitor that starts in the given state.
func NewMonitor(prober Prober, interval time.Duration, initial bool) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:       prober,
		interval:     interval,
		probeTimeout: 5 * time.Second,
		online:       initial,
		listeners:    make(map[int]Listener),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new state and notifies listeners if it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers fn for transitions and returns a function that
// removes it.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe checks the API once and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Health(ctx)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
