// Package gate provides the processing on/off switch consulted before each
// message pipeline runs. The gate is owned by the control API and polled
// read-only by the dispatcher.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nsokolov/pricebot/internal/models"
)

// Gate holds the processing switch state. Processing starts disabled; the
// operator turns it on through the control API.
type Gate struct {
	mu          sync.RWMutex
	enabled     bool
	lastChanged time.Time
}

// New creates a Gate in the disabled state.
func New() *Gate {
	return &Gate{lastChanged: time.Now()}
}

// IsEnabled reports whether message processing is currently on.
func (g *Gate) IsEnabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// State returns a snapshot of the current gate state.
func (g *Gate) State() models.GateState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return models.GateState{Enabled: g.enabled, LastChanged: g.lastChanged}
}

// SetEnabled flips the switch and returns the resulting state.
func (g *Gate) SetEnabled(enabled bool) models.GateState {
	g.mu.Lock()
	g.enabled = enabled
	g.lastChanged = time.Now()
	state := models.GateState{Enabled: g.enabled, LastChanged: g.lastChanged}
	g.mu.Unlock()

	if enabled {
		slog.Info("Gate.SetEnabled: message processing enabled")
	} else {
		slog.Info("Gate.SetEnabled: message processing disabled")
	}
	return state
}
