package domain

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	perrors "github.com/unitpass/unitpass/internal/platform/errors"
	"github.com/unitpass/unitpass/internal/services/passes/storage"
)

func intPtr(v int) *int { return &v }

func TestSetUnitLimitWritesOverride(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetUnitLimit(context.Background(), "com-1", "A-12", 5); err != nil {
		t.Fatalf("SetUnitLimit: %v", err)
	}
	record, err := store.GetUnitSettings(context.Background(), "com-1", "A-12")
	if err != nil {
		t.Fatalf("GetUnitSettings: %v", err)
	}
	if record.MonthlyLimit == nil || *record.MonthlyLimit != 5 {
		t.Fatalf("monthly limit = %v, want 5", record.MonthlyLimit)
	}
	if !record.UpdatedAt.Equal(testNow) {
		t.Fatalf("updated at = %v, want %v", record.UpdatedAt, testNow)
	}
}

func TestSetUnitLimitRejectsNegative(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeStore(), singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	err := svc.SetUnitLimit(context.Background(), "com-1", "A-12", -1)
	if perrors.CodeOf(err) != perrors.CodeInvalidInput {
		t.Fatalf("error code = %q, want %q", perrors.CodeOf(err), perrors.CodeInvalidInput)
	}
}

func TestSetUnitLimitPreservesBlockedState(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	reason := "repeat violations"
	store.units[settingsKey{"com-1", "A-12"}] = storage.UnitSettingsRecord{
		CommunityID: "com-1", Unit: "A-12", Blocked: true, BlockedReason: &reason,
	}
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetUnitLimit(context.Background(), "com-1", "A-12", 3); err != nil {
		t.Fatalf("SetUnitLimit: %v", err)
	}
	record, _ := store.GetUnitSettings(context.Background(), "com-1", "A-12")
	if !record.Blocked || record.BlockedReason == nil || *record.BlockedReason != "repeat violations" {
		t.Fatalf("blocked state was lost: %+v", record)
	}
}

func TestClearUnitLimitRestoresInheritance(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.units[settingsKey{"com-1", "A-12"}] = storage.UnitSettingsRecord{
		CommunityID: "com-1", Unit: "A-12", MonthlyLimit: intPtr(5),
	}
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.ClearUnitLimit(context.Background(), "com-1", "A-12"); err != nil {
		t.Fatalf("ClearUnitLimit: %v", err)
	}
	record, _ := store.GetUnitSettings(context.Background(), "com-1", "A-12")
	if record.MonthlyLimit != nil {
		t.Fatalf("monthly limit = %v, want nil", record.MonthlyLimit)
	}

	result, err := svc.CheckEligibility(context.Background(), "com-1", "user-1")
	if err != nil {
		t.Fatalf("CheckEligibility: %v", err)
	}
	if result.LimitSource != LimitSourceCommunity || result.EffectiveLimit != 30 {
		t.Fatalf("expected inherited community default, got %+v", result)
	}
}

func TestClearUnitLimitAbsentUnitIsNoop(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.ClearUnitLimit(context.Background(), "com-1", "B-7"); err != nil {
		t.Fatalf("ClearUnitLimit on absent unit: %v", err)
	}
	if len(store.units) != 0 {
		t.Fatal("no settings document must be created by a no-op clear")
	}
}

func TestSetAndClearUnitBlocked(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetUnitBlocked(context.Background(), "com-1", "A-12", "  rule violation  "); err != nil {
		t.Fatalf("SetUnitBlocked: %v", err)
	}
	record, _ := store.GetUnitSettings(context.Background(), "com-1", "A-12")
	if !record.Blocked || record.BlockedReason == nil || *record.BlockedReason != "rule violation" {
		t.Fatalf("unexpected block state: %+v", record)
	}

	if err := svc.ClearUnitBlocked(context.Background(), "com-1", "A-12"); err != nil {
		t.Fatalf("ClearUnitBlocked: %v", err)
	}
	record, _ = store.GetUnitSettings(context.Background(), "com-1", "A-12")
	if record.Blocked || record.BlockedReason != nil {
		t.Fatalf("block was not lifted: %+v", record)
	}
}

func TestSetUserBlockedWritesLegacyDocument(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetUserBlocked(context.Background(), "com-1", "user-1", true); err != nil {
		t.Fatalf("SetUserBlocked: %v", err)
	}
	record, err := store.GetUserSettings(context.Background(), "com-1", "user-1")
	if err != nil {
		t.Fatalf("GetUserSettings: %v", err)
	}
	if !record.Blocked {
		t.Fatal("expected the legacy block to be set")
	}
}

func TestSetCommunityDefaultLimitStripsEqualLegacyOverrides(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.defaults["com-1"] = storage.CommunityDefaultsRecord{
		CommunityID: "com-1", MonthlyLimit: 10, ValidityDurationHours: 24,
	}
	store.users[settingsKey{"com-1", "user-a"}] = storage.UserSettingsRecord{
		CommunityID: "com-1", UserID: "user-a", MonthlyLimit: intPtr(10),
	}
	store.users[settingsKey{"com-1", "user-b"}] = storage.UserSettingsRecord{
		CommunityID: "com-1", UserID: "user-b", MonthlyLimit: intPtr(10),
	}
	store.users[settingsKey{"com-1", "user-c"}] = storage.UserSettingsRecord{
		CommunityID: "com-1", UserID: "user-c", MonthlyLimit: intPtr(15),
	}
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetCommunityDefaultLimit(context.Background(), "com-1", 20); err != nil {
		t.Fatalf("SetCommunityDefaultLimit: %v", err)
	}

	defaults, _ := store.GetCommunityDefaults(context.Background(), "com-1")
	if defaults.MonthlyLimit != 20 {
		t.Fatalf("default limit = %d, want 20", defaults.MonthlyLimit)
	}
	sort.Strings(store.clearCalls)
	if len(store.clearCalls) != 2 || store.clearCalls[0] != "user-a" || store.clearCalls[1] != "user-b" {
		t.Fatalf("cleared = %v, want the two overrides equal to the old default", store.clearCalls)
	}
	if untouched := store.users[settingsKey{"com-1", "user-c"}]; untouched.MonthlyLimit == nil || *untouched.MonthlyLimit != 15 {
		t.Fatalf("non-matching override must stay intact: %+v", untouched)
	}
}

func TestSetCommunityDefaultLimitSurvivesCleanupFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.defaults["com-1"] = storage.CommunityDefaultsRecord{
		CommunityID: "com-1", MonthlyLimit: 10, ValidityDurationHours: 24,
	}
	store.users[settingsKey{"com-1", "user-a"}] = storage.UserSettingsRecord{
		CommunityID: "com-1", UserID: "user-a", MonthlyLimit: intPtr(10),
	}
	store.clearErr = errors.New("remote timeout")
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetCommunityDefaultLimit(context.Background(), "com-1", 20); err != nil {
		t.Fatalf("cleanup failures must not fail the update: %v", err)
	}
	defaults, _ := store.GetCommunityDefaults(context.Background(), "com-1")
	if defaults.MonthlyLimit != 20 {
		t.Fatalf("default limit = %d, want 20", defaults.MonthlyLimit)
	}
}

func TestSetCommunityDefaultLimitUnchangedSkipsCleanup(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.defaults["com-1"] = storage.CommunityDefaultsRecord{
		CommunityID: "com-1", MonthlyLimit: 10, ValidityDurationHours: 24,
	}
	store.users[settingsKey{"com-1", "user-a"}] = storage.UserSettingsRecord{
		CommunityID: "com-1", UserID: "user-a", MonthlyLimit: intPtr(10),
	}
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if err := svc.SetCommunityDefaultLimit(context.Background(), "com-1", 10); err != nil {
		t.Fatalf("SetCommunityDefaultLimit: %v", err)
	}
	if len(store.clearCalls) != 0 {
		t.Fatalf("no cleanup expected for an unchanged limit, cleared %v", store.clearCalls)
	}
}

func TestToggleCommunityBlocks(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	on, err := svc.ToggleBlockAllUsers(context.Background(), "com-1")
	if err != nil {
		t.Fatalf("ToggleBlockAllUsers: %v", err)
	}
	if !on {
		t.Fatal("first toggle should enable the block")
	}
	off, err := svc.ToggleBlockAllUsers(context.Background(), "com-1")
	if err != nil {
		t.Fatalf("ToggleBlockAllUsers: %v", err)
	}
	if off {
		t.Fatal("second toggle should disable the block")
	}

	famOn, err := svc.ToggleBlockFamilyMembersOnly(context.Background(), "com-1")
	if err != nil {
		t.Fatalf("ToggleBlockFamilyMembersOnly: %v", err)
	}
	if !famOn {
		t.Fatal("first family toggle should enable the block")
	}
}

func TestSetValidityDurationValidation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	for _, hours := range []float64{0, -3} {
		if err := svc.SetValidityDuration(context.Background(), "com-1", hours); perrors.CodeOf(err) != perrors.CodeInvalidInput {
			t.Fatalf("hours=%v: error code = %q, want %q", hours, perrors.CodeOf(err), perrors.CodeInvalidInput)
		}
	}
	if err := svc.SetValidityDuration(context.Background(), "com-1", 1.5); err != nil {
		t.Fatalf("SetValidityDuration: %v", err)
	}
	defaults, _ := store.GetCommunityDefaults(context.Background(), "com-1")
	if defaults.ValidityDurationHours != 1.5 {
		t.Fatalf("validity hours = %v, want 1.5", defaults.ValidityDurationHours)
	}

	pass, err := svc.CreatePass(context.Background(), "com-1", CreatePassInput{UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreatePass: %v", err)
	}
	if got := pass.ValidUntil.Sub(pass.ValidFrom); got != 90*time.Minute {
		t.Fatalf("validity window = %v, want 1h30m", got)
	}
}

func TestResetMonthlyUsageStampsAndDropsCounters(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.passes["com-1/gp-a"] = storage.PassRecord{
		ID: "gp-a", CommunityID: "com-1", UserID: "user-1", CreatedAt: testNow.Add(-time.Hour),
	}
	svc := newTestService(store, singleResidentDirectory("com-1", "user-1", "A-12", "owner"))

	if got := svc.MonthlyUsage(context.Background(), "com-1", "user-1"); got.Used != 1 {
		t.Fatalf("used = %d, want 1", got.Used)
	}
	countCalls := store.countCalls

	if err := svc.ResetMonthlyUsage(context.Background(), "com-1"); err != nil {
		t.Fatalf("ResetMonthlyUsage: %v", err)
	}
	defaults, _ := store.GetCommunityDefaults(context.Background(), "com-1")
	if defaults.LastResetAt == nil || !defaults.LastResetAt.Equal(testNow) {
		t.Fatalf("last reset at = %v, want %v", defaults.LastResetAt, testNow)
	}

	svc.MonthlyUsage(context.Background(), "com-1", "user-1")
	if store.countCalls == countCalls {
		t.Fatal("expected the reset to drop the cached counter and force a re-read")
	}
}
