package unitpass

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	directorystorage "github.com/unitpass/unitpass/internal/services/directory/storage"
	passesdomain "github.com/unitpass/unitpass/internal/services/passes/domain"
)

func openTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	app, err := Open(Config{
		CachePath:       filepath.Join(dir, "cache.db"),
		DirectoryDBPath: filepath.Join(dir, "directory.db"),
		PassesDBPath:    filepath.Join(dir, "passes.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := app.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return app
}

func TestOpenWiresIssuanceEndToEnd(t *testing.T) {
	t.Parallel()

	app := openTestApp(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := app.directoryStore.PutResident(ctx, directorystorage.ResidentRecord{
		ID:          "user-1",
		DisplayName: "Dana Reed",
		Memberships: []directorystorage.MembershipRecord{
			{CommunityID: "com-1", Unit: "A-12", RoleTag: "owner"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("PutResident: %v", err)
	}

	result, err := app.Passes.CheckEligibility(ctx, "com-1", "user-1")
	if err != nil {
		t.Fatalf("CheckEligibility: %v", err)
	}
	if !result.CanIssue {
		t.Fatalf("expected a fresh resident to be eligible, got %+v", result)
	}

	pass, err := app.Passes.CreatePass(ctx, "com-1", passesdomain.CreatePassInput{
		UserID:   "user-1",
		UserName: "Dana Reed",
	})
	if err != nil {
		t.Fatalf("CreatePass: %v", err)
	}
	if pass.ID == "" || !pass.ValidUntil.After(pass.ValidFrom) {
		t.Fatalf("unexpected pass: %+v", pass)
	}

	summary := app.Passes.MonthlyUsage(ctx, "com-1", "user-1")
	if summary.Used != 1 {
		t.Fatalf("used = %d, want 1", summary.Used)
	}

	intent := app.Notify.PassIssued("com-1", "user-1", "Omar", pass.ID, pass.ValidUntil)
	if intent.TitleEn == "" || intent.TitleAr == "" {
		t.Fatalf("expected bilingual notification copy, got %+v", intent)
	}
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.CachePath == "" || cfg.DirectoryDBPath == "" || cfg.PassesDBPath == "" {
		t.Fatalf("expected default paths, got %+v", cfg)
	}
}
