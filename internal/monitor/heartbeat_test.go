package monitor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newIdleHeartbeat(transport *fakeTransport) (*Heartbeat, *ConnectionHealth, *Poller) {
	health := NewConnectionHealth()
	poller := NewPoller(transport, &recordingDispatcher{}, nil, NewSeenSet(), health,
		WithPollInterval(time.Hour))
	hb := NewHeartbeat(transport, health, poller, WithHeartbeatInterval(time.Hour))
	return hb, health, poller
}

func TestHeartbeatReconnectsWhenDisconnected(t *testing.T) {
	transport := &fakeTransport{connected: false}
	hb, health, poller := newIdleHeartbeat(transport)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	hb.Tick(ctx)

	if transport.reconnect != 1 {
		t.Fatalf("reconnect attempts = %d, want 1", transport.reconnect)
	}
	if !health.Snapshot().Connected {
		t.Error("expected health marked connected after successful reconnect")
	}
}

func TestHeartbeatMarksDisconnectedOnReconnectFailure(t *testing.T) {
	transport := &fakeTransport{connected: false, reconErr: errors.New("dc unreachable")}
	hb, health, poller := newIdleHeartbeat(transport)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()
	health.SetConnected(true)

	hb.Tick(ctx)

	if health.Snapshot().Connected {
		t.Error("expected health marked disconnected after failed reconnect")
	}
}

func TestHeartbeatProbesOnProlongedSilence(t *testing.T) {
	transport := &fakeTransport{connected: true}
	hb, health, poller := newIdleHeartbeat(transport)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	health.SetConnected(true)
	health.StampMessage() // silence just started
	hb.Tick(ctx)
	if transport.probes != 0 {
		t.Fatalf("probe fired before the silence threshold, probes = %d", transport.probes)
	}

	impatient := NewHeartbeat(transport, health, poller,
		WithHeartbeatInterval(time.Hour), WithSilenceWarning(time.Nanosecond))
	time.Sleep(time.Millisecond)
	impatient.Tick(ctx)
	if transport.probes != 1 {
		t.Fatalf("probes after silence threshold = %d, want 1", transport.probes)
	}
	if !health.Snapshot().Connected {
		t.Error("successful probe must not mark the connection dead")
	}
}

func TestHeartbeatProbeFailureMarksDisconnected(t *testing.T) {
	transport := &fakeTransport{connected: true, probeErr: errors.New("rpc timeout")}
	health := NewConnectionHealth()
	poller := NewPoller(transport, &recordingDispatcher{}, nil, NewSeenSet(), health,
		WithPollInterval(time.Hour))
	hb := NewHeartbeat(transport, health, poller,
		WithHeartbeatInterval(time.Hour), WithSilenceWarning(time.Nanosecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()
	health.SetConnected(true)
	health.StampMessage()
	time.Sleep(time.Millisecond)

	hb.Tick(ctx)

	if health.Snapshot().Connected {
		t.Error("expected health marked disconnected after failed probe")
	}
}

func TestHeartbeatRestartsStalledPoller(t *testing.T) {
	transport := &fakeTransport{connected: true}
	hb, _, poller := newIdleHeartbeat(transport)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.Start(ctx)
	defer hb.Stop()
	if poller.Running() {
		t.Fatal("poller should not be running before the heartbeat acts")
	}

	hb.Tick(ctx)
	if !poller.Running() {
		t.Fatal("expected heartbeat to restart the stalled polling loop")
	}
	poller.Stop()
}

func TestHeartbeatTickSurvivesPanic(t *testing.T) {
	hb, _, poller := newIdleHeartbeat(nil) // nil transport panics on Connected()
	ctx := context.Background()
	poller.Start(ctx)
	defer poller.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Tick let a panic escape: %v", r)
		}
	}()
	hb.Tick(ctx)
}
