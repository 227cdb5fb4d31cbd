// Package monitor contains the ingestion core: the polling loop that is the
// sole authoritative delivery path from the transport, the liveness heartbeat
// that recovers from silent connection failure, and the deduplication state
// shared between them.
package monitor

import (
	"sync"
	"time"
)

// ConnectionHealth tracks transport connectivity and last-activity time.
// Written by the transport's connection callbacks and by the polling loop on
// every dispatched message; read by the heartbeat.
type ConnectionHealth struct {
	mu            sync.Mutex
	connected     bool
	lastMessageAt time.Time
}

// HealthSnapshot is a point-in-time copy of the connection health.
type HealthSnapshot struct {
	Connected     bool
	LastMessageAt time.Time
}

// NewConnectionHealth creates health state that is initially disconnected
// with no activity recorded.
func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{}
}

// SetConnected records the transport connection state.
func (h *ConnectionHealth) SetConnected(connected bool) {
	h.mu.Lock()
	h.connected = connected
	h.mu.Unlock()
}

// StampMessage records message activity at the current time.
func (h *ConnectionHealth) StampMessage() {
	h.mu.Lock()
	h.lastMessageAt = time.Now()
	h.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (h *ConnectionHealth) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{Connected: h.connected, LastMessageAt: h.lastMessageAt}
}
