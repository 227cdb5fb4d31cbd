package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nsokolov/pricebot/internal/gate"
	"github.com/nsokolov/pricebot/internal/models"
	"github.com/nsokolov/pricebot/internal/monitor"
	"github.com/nsokolov/pricebot/internal/store"
)

// fakeDirectory implements store.Directory for status tests.
type fakeDirectory struct {
	stats store.Stats
}

func (f *fakeDirectory) UpsertUser(ctx context.Context, user models.UserRecord) error { return nil }
func (f *fakeDirectory) UpsertChat(ctx context.Context, chat models.ChatRecord) error { return nil }
func (f *fakeDirectory) FindUserByID(ctx context.Context, id int64) (*models.UserRecord, error) {
	return nil, models.ErrUserNotFound
}
func (f *fakeDirectory) FindUserByUsername(ctx context.Context, username string) (*models.UserRecord, error) {
	return nil, models.ErrUserNotFound
}
func (f *fakeDirectory) GetStats(ctx context.Context) (store.Stats, error) { return f.stats, nil }
func (f *fakeDirectory) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeDirectory) Close() error { return nil }

func newTestServer() (*Server, *gate.Gate) {
	g := gate.New()
	return NewServer(g, monitor.NewConnectionHealth(), &fakeDirectory{stats: store.Stats{Users: 3, Chats: 1}}), g
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) || resp.Message != "pong" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestStateReflectsGate(t *testing.T) {
	srv, g := newTestServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/state", nil))
	resp := decodeResponse(t, rec)
	state := resp.Result.(map[string]interface{})
	if state["enabled"] != false {
		t.Errorf("expected processing disabled initially, got %v", state["enabled"])
	}

	g.SetEnabled(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/state", nil))
	resp = decodeResponse(t, rec)
	state = resp.Result.(map[string]interface{})
	if state["enabled"] != true {
		t.Errorf("expected processing enabled, got %v", state["enabled"])
	}
}

func TestToggle(t *testing.T) {
	srv, g := newTestServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/processing/toggle", strings.NewReader(`{"enabled": true}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !g.IsEnabled() {
		t.Error("expected gate enabled after toggle")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/processing/toggle", strings.NewReader(`{"enabled": false}`))
	srv.Handler().ServeHTTP(rec, req)
	if g.IsEnabled() {
		t.Error("expected gate disabled after second toggle")
	}
}

func TestToggleRejectsNonBoolean(t *testing.T) {
	srv, g := newTestServer()

	for _, payload := range []string{
		`{"enabled": "yes"}`,
		`{"enabled": 1}`,
		`{}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/processing/toggle", strings.NewReader(payload))
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: expected 400, got %d", payload, rec.Code)
		}
	}
	if g.IsEnabled() {
		t.Error("gate must stay disabled after rejected toggles")
	}
}

func TestToggleMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processing/toggle", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	result := resp.Result.(map[string]interface{})
	if _, ok := result["processing"]; !ok {
		t.Error("status missing processing section")
	}
	if _, ok := result["connection"]; !ok {
		t.Error("status missing connection section")
	}
	dir, ok := result["directory"].(map[string]interface{})
	if !ok || dir["users"] != float64(3) {
		t.Errorf("unexpected directory stats: %v", result["directory"])
	}
}

func TestUnknownEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error envelope, got %+v", resp)
	}
}
