package domain

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	perrors "github.com/unitpass/unitpass/internal/platform/errors"
	"github.com/unitpass/unitpass/internal/services/passes/storage"
	"github.com/unitpass/unitpass/internal/telemetry"
)

// SetUnitLimit sets an explicit monthly limit for one unit, overriding the
// community default for every resident of that unit.
func (s *Service) SetUnitLimit(ctx context.Context, communityID string, unit string, limit int) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	unit = strings.TrimSpace(unit)
	if communityID == "" || unit == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id and unit are required")
	}
	if limit < 0 {
		return perrors.New(perrors.CodeInvalidInput, "monthly limit must not be negative")
	}

	record, err := s.unitSettingsOrEmpty(ctx, communityID, unit)
	if err != nil {
		return err
	}
	record.MonthlyLimit = &limit
	record.UpdatedAt = s.now()
	if err := s.settings.PutUnitSettings(ctx, record); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write unit settings", err)
	}
	return nil
}

// ClearUnitLimit removes the unit override so its residents inherit the
// community default again. Clearing a unit that has no settings is a no-op.
func (s *Service) ClearUnitLimit(ctx context.Context, communityID string, unit string) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	unit = strings.TrimSpace(unit)
	if communityID == "" || unit == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id and unit are required")
	}

	record, err := s.settings.GetUnitSettings(ctx, communityID, unit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "get unit settings", err)
	}
	record.MonthlyLimit = nil
	record.UpdatedAt = s.now()
	if err := s.settings.PutUnitSettings(ctx, record); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write unit settings", err)
	}
	return nil
}

// SetUnitBlocked blocks every resident of one unit from issuing passes. The
// reason is surfaced verbatim on eligibility rejections.
func (s *Service) SetUnitBlocked(ctx context.Context, communityID string, unit string, reason string) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	unit = strings.TrimSpace(unit)
	if communityID == "" || unit == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id and unit are required")
	}

	record, err := s.unitSettingsOrEmpty(ctx, communityID, unit)
	if err != nil {
		return err
	}
	record.Blocked = true
	record.BlockedReason = nil
	if reason = strings.TrimSpace(reason); reason != "" {
		record.BlockedReason = &reason
	}
	record.UpdatedAt = s.now()
	if err := s.settings.PutUnitSettings(ctx, record); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write unit settings", err)
	}
	return nil
}

// ClearUnitBlocked lifts a unit block. Clearing an absent document is a no-op.
func (s *Service) ClearUnitBlocked(ctx context.Context, communityID string, unit string) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	unit = strings.TrimSpace(unit)
	if communityID == "" || unit == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id and unit are required")
	}

	record, err := s.settings.GetUnitSettings(ctx, communityID, unit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "get unit settings", err)
	}
	record.Blocked = false
	record.BlockedReason = nil
	record.UpdatedAt = s.now()
	if err := s.settings.PutUnitSettings(ctx, record); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write unit settings", err)
	}
	return nil
}

// SetUserBlocked writes the deprecated user-level block, kept so existing
// communities that still manage per-user blocks keep working.
func (s *Service) SetUserBlocked(ctx context.Context, communityID string, userID string, blocked bool) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	userID = strings.TrimSpace(userID)
	if communityID == "" || userID == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id and user id are required")
	}

	record, err := s.settings.GetUserSettings(ctx, communityID, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return perrors.Wrap(perrors.CodeRemoteUnavailable, "get user settings", err)
		}
		record = storage.UserSettingsRecord{CommunityID: communityID, UserID: userID}
	}
	record.Blocked = blocked
	record.UpdatedAt = s.now()
	if err := s.settings.PutUserSettings(ctx, record); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write user settings", err)
	}
	return nil
}

// SetCommunityDefaultLimit changes the community default monthly limit, then
// strips legacy user overrides equal to the old default so those users track
// the new default. The cleanup is best-effort: a failed strip is reported via
// telemetry but never fails the update itself.
func (s *Service) SetCommunityDefaultLimit(ctx context.Context, communityID string, limit int) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id is required")
	}
	if limit < 0 {
		return perrors.New(perrors.CodeInvalidInput, "monthly limit must not be negative")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return err
	}
	oldLimit := defaults.MonthlyLimit
	defaults.MonthlyLimit = limit
	defaults.UpdatedAt = s.now()
	if err := s.settings.PutCommunityDefaults(ctx, defaults); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write community defaults", err)
	}

	if oldLimit != limit {
		s.stripLegacyLimits(ctx, communityID, oldLimit)
	}
	return nil
}

// stripLegacyLimits clears every legacy user override equal to oldLimit.
func (s *Service) stripLegacyLimits(ctx context.Context, communityID string, oldLimit int) {
	stale, err := s.settings.ListUserSettingsWithLimit(ctx, communityID, oldLimit)
	if err != nil {
		_ = s.emitter.Emit(ctx, telemetry.Event{
			Severity: telemetry.SeverityWarn,
			Source:   "passes",
			Name:     "legacy_limit_cleanup_failed",
			Fields: map[string]string{
				"community_id": communityID,
				"old_limit":    strconv.Itoa(oldLimit),
			},
		})
		return
	}
	cleared := 0
	for _, record := range stale {
		if err := s.settings.ClearUserSettingsLimit(ctx, communityID, record.UserID, s.now()); err != nil {
			_ = s.emitter.Emit(ctx, telemetry.Event{
				Severity: telemetry.SeverityWarn,
				Source:   "passes",
				Name:     "legacy_limit_cleanup_failed",
				Fields: map[string]string{
					"community_id": communityID,
					"user_id":      record.UserID,
				},
			})
			continue
		}
		cleared++
	}
	if cleared > 0 {
		_ = s.emitter.Emit(ctx, telemetry.Event{
			Source: "passes",
			Name:   "legacy_limits_cleared",
			Fields: map[string]string{
				"community_id": communityID,
				"cleared":      strconv.Itoa(cleared),
			},
		})
	}
}

// ToggleBlockAllUsers flips the community-wide issuance block and returns the
// new state.
func (s *Service) ToggleBlockAllUsers(ctx context.Context, communityID string) (bool, error) {
	if s == nil || s.settings == nil {
		return false, ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return false, perrors.New(perrors.CodeInvalidInput, "community id is required")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return false, err
	}
	defaults.BlockAllUsers = !defaults.BlockAllUsers
	defaults.UpdatedAt = s.now()
	if err := s.settings.PutCommunityDefaults(ctx, defaults); err != nil {
		return false, perrors.Wrap(perrors.CodeRemoteUnavailable, "write community defaults", err)
	}
	return defaults.BlockAllUsers, nil
}

// ToggleBlockFamilyMembersOnly flips the family-member issuance block and
// returns the new state.
func (s *Service) ToggleBlockFamilyMembersOnly(ctx context.Context, communityID string) (bool, error) {
	if s == nil || s.settings == nil {
		return false, ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return false, perrors.New(perrors.CodeInvalidInput, "community id is required")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return false, err
	}
	defaults.BlockFamilyMembersOnly = !defaults.BlockFamilyMembersOnly
	defaults.UpdatedAt = s.now()
	if err := s.settings.PutCommunityDefaults(ctx, defaults); err != nil {
		return false, perrors.Wrap(perrors.CodeRemoteUnavailable, "write community defaults", err)
	}
	return defaults.BlockFamilyMembersOnly, nil
}

// SetValidityDuration sets how long newly issued passes remain valid.
func (s *Service) SetValidityDuration(ctx context.Context, communityID string, hours float64) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id is required")
	}
	if hours <= 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return perrors.New(perrors.CodeInvalidInput, "validity duration must be a positive number of hours")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return err
	}
	defaults.ValidityDurationHours = hours
	defaults.UpdatedAt = s.now()
	if err := s.settings.PutCommunityDefaults(ctx, defaults); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write community defaults", err)
	}
	return nil
}

// ResetMonthlyUsage stamps the community's last manual reset and drops its
// denormalized usage counters so widgets re-read the live counts.
func (s *Service) ResetMonthlyUsage(ctx context.Context, communityID string) error {
	if s == nil || s.settings == nil {
		return ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return perrors.New(perrors.CodeInvalidInput, "community id is required")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return err
	}
	resetAt := s.now()
	defaults.LastResetAt = &resetAt
	defaults.UpdatedAt = resetAt
	if err := s.settings.PutCommunityDefaults(ctx, defaults); err != nil {
		return perrors.Wrap(perrors.CodeRemoteUnavailable, "write community defaults", err)
	}

	prefix := communityID + "/"
	for _, key := range s.usage.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.usage.Delete(key)
		}
	}
	_ = s.emitter.Emit(ctx, telemetry.Event{
		Source: "passes",
		Name:   "monthly_usage_reset",
		Fields: map[string]string{"community_id": communityID},
	})
	return nil
}

// unitSettingsOrEmpty loads the unit settings document, or a zero document
// ready for its first write.
func (s *Service) unitSettingsOrEmpty(ctx context.Context, communityID string, unit string) (storage.UnitSettingsRecord, error) {
	record, err := s.settings.GetUnitSettings(ctx, communityID, unit)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.UnitSettingsRecord{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "get unit settings", err)
	}
	return storage.UnitSettingsRecord{CommunityID: communityID, Unit: unit}, nil
}
