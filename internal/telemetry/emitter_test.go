package telemetry

import (
	"context"
	"testing"
	"time"
)

type memoryStore struct {
	events []Event
}

func (m *memoryStore) AppendEvent(_ context.Context, evt Event) error {
	m.events = append(m.events, evt)
	return nil
}

func TestEmitStampsTimestampAndSeverity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{}
	emitter := NewEmitter(store)
	emitter.clock = func() time.Time { return now }

	if err := emitter.Emit(context.Background(), Event{Source: "passes", Name: "pass_issued"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(store.events) != 1 {
		t.Fatalf("expected one event, got %d", len(store.events))
	}
	evt := store.events[0]
	if !evt.Timestamp.Equal(now) {
		t.Fatalf("expected stamped timestamp %s, got %s", now, evt.Timestamp)
	}
	if evt.Severity != SeverityInfo {
		t.Fatalf("expected default INFO severity, got %q", evt.Severity)
	}
}

func TestEmitWithoutStoreIsNoOp(t *testing.T) {
	t.Parallel()

	var emitter *Emitter
	if err := emitter.Emit(context.Background(), Event{Name: "ignored"}); err != nil {
		t.Fatalf("expected nil emitter no-op, got %v", err)
	}
	if err := NewEmitter(nil).Emit(context.Background(), Event{Name: "ignored"}); err != nil {
		t.Fatalf("expected nil store no-op, got %v", err)
	}
}
