// Package netmon watches reachability of the central service.
//
// Connectivity is judged by probing the service's health endpoint, not by
// inspecting network interfaces: a device can hold a perfectly good WiFi
// association inside a venue and still have no route to the service. Only an
// answered probe counts as online.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/openvmc/fieldreport/internal/logger"
)

// Prober answers whether the central service responded to a health check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Monitor tracks the online/offline state of the service link and signals
// offline-to-online transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu     sync.Mutex
	online bool
	probed bool // false until the first probe completes

	up chan struct{}
}

// New creates a monitor that probes at the given interval when Run is called.
func New(prober Prober, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		up:       make(chan struct{}, 1),
	}
}

// Online reports the result of the most recent probe. Before the first probe
// completes the link is assumed offline.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Up delivers one signal per offline-to-online transition. The channel is
// buffered; an unconsumed signal is coalesced with the next edge rather than
// blocking the monitor.
func (m *Monitor) Up() <-chan struct{} {
	return m.up
}

// Check runs a single probe and updates the state. It returns the new online
// state and signals the Up channel when the link just came back.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.prober.Probe(ctx)

	m.mu.Lock()
	wasOnline := m.online
	firstProbe := !m.probed
	m.online = online
	m.probed = true
	m.mu.Unlock()

	switch {
	case online && (!wasOnline || firstProbe):
		logger.Info("netmon: service reachable")
		select {
		case m.up <- struct{}{}:
		default:
		}
	case !online && (wasOnline || firstProbe):
		logger.Info("netmon: service unreachable")
	}

	return online
}

// Run probes on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
