package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"go.uber.org/zap"
)

// Probe reports whether the backend is currently reachable.
type Probe func(ctx context.Context) bool

// TCPProbe returns a probe that dials addr (host:port) with the given
// timeout. The platform connectivity API is out of scope; reachability
// of the backend host is what the sync layer actually cares about.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Monitor tracks binary online/offline state and notifies listeners and
// the bus on transitions only.
type Monitor struct {
	probe    Probe
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc

	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	next      int
}

// New creates a monitor. The initial state is offline until the first
// probe succeeds.
func New(probe Probe, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		bus:       b,
		logger:    logger,
		listeners: make(map[int]func(bool)),
	}
}

// Start begins periodic probing. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop halts probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a listener called on every state transition.
// Returns an unsubscribe function.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.observe(m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.observe(m.probe(ctx))
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	kind := "net.offline"
	if online {
		kind = "net.online"
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
	}
	for _, fn := range fns {
		fn(online)
	}
}
