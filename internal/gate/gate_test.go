package gate

import "testing"

func TestGateDefaultsDisabled(t *testing.T) {
	g := New()
	if g.IsEnabled() {
		t.Error("expected new gate to be disabled")
	}
	if g.State().Enabled {
		t.Error("expected state snapshot to report disabled")
	}
}

func TestGateToggle(t *testing.T) {
	g := New()
	before := g.State().LastChanged

	state := g.SetEnabled(true)
	if !state.Enabled || !g.IsEnabled() {
		t.Error("expected gate to be enabled after SetEnabled(true)")
	}
	if state.LastChanged.Before(before) {
		t.Error("expected LastChanged to advance")
	}

	state = g.SetEnabled(false)
	if state.Enabled || g.IsEnabled() {
		t.Error("expected gate to be disabled after SetEnabled(false)")
	}
}
