package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/alarm"
	"alarmclock/internal/clock"
	"alarmclock/internal/config"
	"alarmclock/internal/engine"
	"alarmclock/internal/ha"
	"alarmclock/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := ha.NewMockClient()
	client.SetState("media_player.bedroom", "idle", map[string]interface{}{"volume_level": 0.5})

	cfg := config.Default()
	cfg.DefaultMediaPlayer = "media_player.bedroom"

	eng := engine.New(engine.Deps{
		Client: client,
		Store:  storage.NewMemoryStore(),
		Config: cfg,
		Clock:  clock.NewMockClock(time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)),
		Logger: logger,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(eng.Shutdown)

	return NewServer(eng, logger, 8081), eng
}

func TestHandleItems(t *testing.T) {
	server, eng := newTestServer(t)

	if _, err := eng.Schedule(engine.ScheduleRequest{
		Kind: alarm.KindAlarm,
		Time: time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Failed to schedule alarm: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	w := httptest.NewRecorder()
	server.handleItems(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var items []alarm.Item
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].ID != "alarm_1" {
		t.Errorf("Expected id alarm_1, got %s", items[0].ID)
	}
	if items[0].Status != alarm.StatusScheduled {
		t.Errorf("Expected status scheduled, got %s", items[0].Status)
	}
}

func TestHandleItemsPost(t *testing.T) {
	server, eng := newTestServer(t)

	body := `{"kind":"reminder","name":"take out trash","time":"2026-01-05T18:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.handleItems(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var item alarm.Item
	if err := json.NewDecoder(w.Body).Decode(&item); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if item.Kind != alarm.KindReminder {
		t.Errorf("Expected kind reminder, got %s", item.Kind)
	}

	if _, err := eng.Get(item.ID); err != nil {
		t.Errorf("Scheduled item not found in engine: %v", err)
	}
}

func TestHandleItemsPostValidationError(t *testing.T) {
	server, _ := newTestServer(t)

	// Reminders require a name
	body := `{"kind":"reminder","time":"2026-01-05T18:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.handleItems(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleItemActions(t *testing.T) {
	server, eng := newTestServer(t)

	item, err := eng.Schedule(engine.ScheduleRequest{
		Kind:   alarm.KindAlarm,
		Time:   time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC),
		Repeat: alarm.RepeatDaily,
	})
	if err != nil {
		t.Fatalf("Failed to schedule alarm: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/items/"+item.ID+"/disable", nil)
	w := httptest.NewRecorder()
	server.handleItem(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	got, err := eng.Get(item.ID)
	if err != nil {
		t.Fatalf("Failed to fetch item: %v", err)
	}
	if got.Status != alarm.StatusDisabled {
		t.Errorf("Expected status disabled, got %s", got.Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/items/"+item.ID+"/enable", nil)
	w = httptest.NewRecorder()
	server.handleItem(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	got, _ = eng.Get(item.ID)
	if got.Status != alarm.StatusScheduled {
		t.Errorf("Expected status scheduled, got %s", got.Status)
	}
}

func TestHandleItemDelete(t *testing.T) {
	server, eng := newTestServer(t)

	item, err := eng.Schedule(engine.ScheduleRequest{
		Kind: alarm.KindAlarm,
		Time: time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Failed to schedule alarm: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/items/"+item.ID, nil)
	w := httptest.NewRecorder()
	server.handleItem(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if _, err := eng.Get(item.ID); err == nil {
		t.Error("Expected item to be gone after delete")
	}
}

func TestHandleItemNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/items/no_such_item", nil)
	w := httptest.NewRecorder()
	server.handleItem(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleItemsMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/items", nil)
	w := httptest.NewRecorder()
	server.handleItems(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}
