package trace

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqlstep/sqlstep/core/event"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndQuery(t *testing.T) {
	r := newTestRecorder(t)

	events := []event.Event{
		{Type: event.QueryStarted, SessionID: "s1", Timestamp: time.Now().UTC(), Data: map[string]any{"queryId": "q1"}},
		{Type: event.Paused, SessionID: "s1", Timestamp: time.Now().UTC(), Data: map[string]any{"reason": "breakpoint"}},
		{Type: event.QueryStarted, SessionID: "s2", Timestamp: time.Now().UTC()},
	}
	for _, evt := range events {
		if err := r.Record(evt); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := r.Events("s1", 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(got))
	}
	if got[0].Type != event.QueryStarted || got[1].Type != event.Paused {
		t.Errorf("event order = %s, %s", got[0].Type, got[1].Type)
	}
	if got[1].Data["reason"] != "breakpoint" {
		t.Errorf("Data = %v", got[1].Data)
	}

	if limited, _ := r.Events("s1", 1); len(limited) != 1 {
		t.Errorf("limited query returned %d events, want 1", len(limited))
	}

	total, err := r.Count("")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if total != 3 {
		t.Errorf("total count = %d, want 3", total)
	}
}

func TestAttachPersistsBusEvents(t *testing.T) {
	r := newTestRecorder(t)
	bus := event.NewBus()

	stop := r.Attach(bus)
	bus.Emit(event.QueryCompleted, "s1", map[string]any{"rowCount": float64(3)})
	bus.Emit(event.Rewound, "s1", nil)
	stop()

	got, err := r.Events("s1", 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(got))
	}
	if got[0].Type != event.QueryCompleted || got[1].Type != event.Rewound {
		t.Errorf("event types = %s, %s", got[0].Type, got[1].Type)
	}
}

func TestExportRoundTrip(t *testing.T) {
	r := newTestRecorder(t)

	recorded := []event.Event{
		{Type: event.SessionCreated, SessionID: "s1", Timestamp: time.Now().UTC().Truncate(time.Millisecond)},
		{Type: event.Stepped, SessionID: "s1", Timestamp: time.Now().UTC().Truncate(time.Millisecond), Data: map[string]any{"stepType": "over"}},
	}
	for _, evt := range recorded {
		if err := r.Record(evt); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := r.Export(&buf, "s1"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	got, err := ReadExport(&buf)
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(got))
	}
	for i := range got {
		if got[i].Type != recorded[i].Type {
			t.Errorf("events[%d].Type = %s, want %s", i, got[i].Type, recorded[i].Type)
		}
		if !got[i].Timestamp.Equal(recorded[i].Timestamp) {
			t.Errorf("events[%d].Timestamp = %v, want %v", i, got[i].Timestamp, recorded[i].Timestamp)
		}
	}
	if got[1].Data["stepType"] != "over" {
		t.Errorf("Data = %v", got[1].Data)
	}
}

func TestExportAllSessions(t *testing.T) {
	r := newTestRecorder(t)

	recorded := []event.Event{
		{Type: event.QueryStarted, SessionID: "s1", Timestamp: time.Now().UTC().Truncate(time.Millisecond)},
		{Type: event.QueryStarted, SessionID: "s2", Timestamp: time.Now().UTC().Truncate(time.Millisecond)},
	}
	for _, evt := range recorded {
		if err := r.Record(evt); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	all, err := r.Events("", 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Events(\"\") = %d events, want 2", len(all))
	}

	var buf bytes.Buffer
	if err := r.Export(&buf, ""); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	got, err := ReadExport(&buf)
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("exported events = %d, want 2", len(got))
	}
	if got[0].SessionID != "s1" || got[1].SessionID != "s2" {
		t.Errorf("session order = %s, %s", got[0].SessionID, got[1].SessionID)
	}
}

func TestExportEmptySession(t *testing.T) {
	r := newTestRecorder(t)

	var buf bytes.Buffer
	if err := r.Export(&buf, "none"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	got, err := ReadExport(&buf)
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("events = %d, want 0", len(got))
	}
}
