package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/unitpass/unitpass/internal/services/passes/storage"
	"github.com/unitpass/unitpass/internal/telemetry"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "passes.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func intPtr(v int) *int { return &v }

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestPutPassRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	record := storage.PassRecord{
		ID:          "GP-1",
		CommunityID: "comm-1",
		UserID:      "user-1",
		UserName:    "Huda",
		CreatedAt:   now,
	}
	if err := store.PutPass(context.Background(), record); err != nil {
		t.Fatalf("put pass: %v", err)
	}
	if err := store.PutPass(context.Background(), record); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}
}

func TestCountPassesCreatedSinceHonorsWindowBoundary(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	monthStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, at time.Time) {
		t.Helper()
		err := store.PutPass(context.Background(), storage.PassRecord{
			ID:          id,
			CommunityID: "comm-1",
			UserID:      "user-1",
			CreatedAt:   at,
		})
		if err != nil {
			t.Fatalf("put pass %s: %v", id, err)
		}
	}

	mk("GP-prev", monthStart.Add(-time.Second))
	mk("GP-a", monthStart)
	mk("GP-b", monthStart.Add(10*24*time.Hour))

	// A different user in the same community must not count.
	err := store.PutPass(context.Background(), storage.PassRecord{
		ID: "GP-other", CommunityID: "comm-1", UserID: "user-2", CreatedAt: monthStart,
	})
	if err != nil {
		t.Fatalf("put other pass: %v", err)
	}

	count, err := store.CountPassesCreatedSince(context.Background(), "comm-1", "user-1", monthStart)
	if err != nil {
		t.Fatalf("count passes: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 passes in window, got %d", count)
	}
}

func TestMarkPassSent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	created := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	if err := store.PutPass(context.Background(), storage.PassRecord{
		ID: "GP-1", CommunityID: "comm-1", UserID: "user-1", CreatedAt: created,
	}); err != nil {
		t.Fatalf("put pass: %v", err)
	}

	sentAt := created.Add(5 * time.Minute)
	updated, err := store.MarkPassSent(context.Background(), "comm-1", "GP-1", sentAt)
	if err != nil {
		t.Fatalf("mark pass sent: %v", err)
	}
	if !updated.SentStatus {
		t.Fatal("expected sent status true")
	}
	if updated.SentAt == nil || !updated.SentAt.Equal(sentAt) {
		t.Fatalf("expected sent at %s, got %v", sentAt, updated.SentAt)
	}

	if _, err := store.MarkPassSent(context.Background(), "comm-1", "missing", sentAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnitSettingsNullUnsetSemantics(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	withLimit := storage.UnitSettingsRecord{
		CommunityID:  "comm-1",
		Unit:         "A1",
		MonthlyLimit: intPtr(5),
		UpdatedAt:    now,
	}
	if err := store.PutUnitSettings(context.Background(), withLimit); err != nil {
		t.Fatalf("put unit settings: %v", err)
	}
	got, err := store.GetUnitSettings(context.Background(), "comm-1", "A1")
	if err != nil {
		t.Fatalf("get unit settings: %v", err)
	}
	if got.MonthlyLimit == nil || *got.MonthlyLimit != 5 {
		t.Fatalf("expected explicit limit 5, got %v", got.MonthlyLimit)
	}

	// Writing nil must store NULL so the unit inherits the community default.
	cleared := storage.UnitSettingsRecord{
		CommunityID: "comm-1",
		Unit:        "A1",
		UpdatedAt:   now.Add(time.Minute),
	}
	if err := store.PutUnitSettings(context.Background(), cleared); err != nil {
		t.Fatalf("clear unit settings: %v", err)
	}
	got, err = store.GetUnitSettings(context.Background(), "comm-1", "A1")
	if err != nil {
		t.Fatalf("get cleared unit settings: %v", err)
	}
	if got.MonthlyLimit != nil {
		t.Fatalf("expected inherited limit, got %v", *got.MonthlyLimit)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected updated at stamp, got %s", got.UpdatedAt)
	}
}

func TestUnitSettingsBlockedReason(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	reason := "rule violation"
	record := storage.UnitSettingsRecord{
		CommunityID:   "comm-1",
		Unit:          "A1",
		Blocked:       true,
		BlockedReason: &reason,
		UpdatedAt:     now,
	}
	if err := store.PutUnitSettings(context.Background(), record); err != nil {
		t.Fatalf("put unit settings: %v", err)
	}
	got, err := store.GetUnitSettings(context.Background(), "comm-1", "A1")
	if err != nil {
		t.Fatalf("get unit settings: %v", err)
	}
	if !got.Blocked || got.BlockedReason == nil || *got.BlockedReason != reason {
		t.Fatalf("unexpected blocked fields: %+v", got)
	}
}

func TestListAndClearUserSettingsLimit(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	put := func(userID string, limit *int) {
		t.Helper()
		err := store.PutUserSettings(context.Background(), storage.UserSettingsRecord{
			CommunityID:  "comm-1",
			UserID:       userID,
			MonthlyLimit: limit,
			UpdatedAt:    now,
		})
		if err != nil {
			t.Fatalf("put user settings %s: %v", userID, err)
		}
	}
	put("user-1", intPtr(10))
	put("user-2", intPtr(10))
	put("user-3", intPtr(15))
	put("user-4", nil)

	matches, err := store.ListUserSettingsWithLimit(context.Background(), "comm-1", 10)
	if err != nil {
		t.Fatalf("list user settings: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 settings with limit 10, got %d", len(matches))
	}

	clearedAt := now.Add(time.Minute)
	if err := store.ClearUserSettingsLimit(context.Background(), "comm-1", "user-1", clearedAt); err != nil {
		t.Fatalf("clear user settings limit: %v", err)
	}
	got, err := store.GetUserSettings(context.Background(), "comm-1", "user-1")
	if err != nil {
		t.Fatalf("get user settings: %v", err)
	}
	if got.MonthlyLimit != nil {
		t.Fatalf("expected cleared limit, got %v", *got.MonthlyLimit)
	}
	if !got.UpdatedAt.Equal(clearedAt) {
		t.Fatalf("expected updated at stamp, got %s", got.UpdatedAt)
	}

	// The intentional override must survive.
	got, err = store.GetUserSettings(context.Background(), "comm-1", "user-3")
	if err != nil {
		t.Fatalf("get user-3 settings: %v", err)
	}
	if got.MonthlyLimit == nil || *got.MonthlyLimit != 15 {
		t.Fatalf("expected limit 15 intact, got %v", got.MonthlyLimit)
	}
}

func TestCommunityDefaultsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	if _, err := store.GetCommunityDefaults(context.Background(), "comm-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	record := storage.CommunityDefaultsRecord{
		CommunityID:           "comm-1",
		MonthlyLimit:          30,
		BlockAllUsers:         false,
		ValidityDurationHours: 24,
		UpdatedAt:             now,
	}
	if err := store.PutCommunityDefaults(context.Background(), record); err != nil {
		t.Fatalf("put community defaults: %v", err)
	}
	got, err := store.GetCommunityDefaults(context.Background(), "comm-1")
	if err != nil {
		t.Fatalf("get community defaults: %v", err)
	}
	if got.MonthlyLimit != 30 || got.ValidityDurationHours != 24 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.LastResetAt != nil {
		t.Fatalf("expected nil last reset, got %v", got.LastResetAt)
	}

	resetAt := now.Add(time.Hour)
	record.LastResetAt = &resetAt
	record.UpdatedAt = resetAt
	if err := store.PutCommunityDefaults(context.Background(), record); err != nil {
		t.Fatalf("update community defaults: %v", err)
	}
	got, err = store.GetCommunityDefaults(context.Background(), "comm-1")
	if err != nil {
		t.Fatalf("get updated defaults: %v", err)
	}
	if got.LastResetAt == nil || !got.LastResetAt.Equal(resetAt) {
		t.Fatalf("expected last reset %s, got %v", resetAt, got.LastResetAt)
	}
}

func TestAppendEvent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	evt := telemetry.Event{
		Timestamp: time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC),
		Severity:  telemetry.SeverityInfo,
		Source:    "passes",
		Name:      "pass_issued",
		Fields:    map[string]string{"community_id": "comm-1"},
	}
	if err := store.AppendEvent(context.Background(), evt); err != nil {
		t.Fatalf("append event: %v", err)
	}

	var count int
	if err := store.sqlDB.QueryRow(`SELECT COUNT(1) FROM ops_events`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
}

func TestListPassesCreatedSinceNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	monthStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := store.PutPass(context.Background(), storage.PassRecord{
			ID:          fmt.Sprintf("GP-%d", i),
			CommunityID: "comm-1",
			UserID:      "user-1",
			CreatedAt:   monthStart.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("put pass %d: %v", i, err)
		}
	}

	records, err := store.ListPassesCreatedSince(context.Background(), "comm-1", monthStart.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list passes: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 passes, got %d", len(records))
	}
	if records[0].ID != "GP-3" {
		t.Fatalf("expected newest first, got %q", records[0].ID)
	}
}
