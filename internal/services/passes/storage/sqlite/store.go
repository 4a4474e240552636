// Package sqlite provides SQLite-backed persistence for guest passes and
// quota settings.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/unitpass/unitpass/internal/platform/storage/sqlitemigrate"
	"github.com/unitpass/unitpass/internal/services/passes/storage"
	"github.com/unitpass/unitpass/internal/services/passes/storage/sqlite/migrations"
	"github.com/unitpass/unitpass/internal/telemetry"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for passes state. It also serves
// as the telemetry event sink for the passes service.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toMillis(*value)
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	at := fromMillis(value.Int64)
	return &at
}

// Open opens a passes SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutPass creates one guest-pass document.
func (s *Store) PutPass(ctx context.Context, record storage.PassRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	record.CommunityID = strings.TrimSpace(record.CommunityID)
	record.UserID = strings.TrimSpace(record.UserID)
	if record.ID == "" {
		return fmt.Errorf("pass id is required")
	}
	if record.CommunityID == "" {
		return fmt.Errorf("community id is required")
	}
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guest_passes (id, community_id, user_id, user_name, created_at, sent_status, sent_at, valid_from, valid_until)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, record.ID, record.CommunityID, record.UserID, record.UserName,
		toMillis(record.CreatedAt), boolToInt(record.SentStatus),
		toNullMillis(record.SentAt), toNullMillis(record.ValidFrom), toNullMillis(record.ValidUntil))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put pass: %w", err)
	}
	return nil
}

// GetPass loads one guest-pass document.
func (s *Store) GetPass(ctx context.Context, communityID string, passID string) (storage.PassRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PassRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PassRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, community_id, user_id, user_name, created_at, sent_status, sent_at, valid_from, valid_until
FROM guest_passes
WHERE community_id = ? AND id = ?
`, strings.TrimSpace(communityID), strings.TrimSpace(passID))
	record, err := scanPass(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PassRecord{}, storage.ErrNotFound
		}
		return storage.PassRecord{}, fmt.Errorf("get pass: %w", err)
	}
	return record, nil
}

// CountPassesCreatedSince counts one user's passes in the window.
func (s *Store) CountPassesCreatedSince(ctx context.Context, communityID string, userID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM guest_passes
WHERE community_id = ? AND user_id = ? AND created_at >= ?
`, strings.TrimSpace(communityID), strings.TrimSpace(userID), toMillis(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count passes: %w", err)
	}
	return count, nil
}

// ListPassesCreatedSince lists community passes in the window, newest first.
func (s *Store) ListPassesCreatedSince(ctx context.Context, communityID string, since time.Time, limit int) ([]storage.PassRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, community_id, user_id, user_name, created_at, sent_status, sent_at, valid_from, valid_until
FROM guest_passes
WHERE community_id = ? AND created_at >= ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, strings.TrimSpace(communityID), toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	var records []storage.PassRecord
	for rows.Next() {
		record, scanErr := scanPass(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan pass: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passes: %w", err)
	}
	return records, nil
}

// MarkPassSent flips the sent fields of one pass document.
func (s *Store) MarkPassSent(ctx context.Context, communityID string, passID string, sentAt time.Time) (storage.PassRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PassRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PassRecord{}, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE guest_passes
SET sent_status = 1, sent_at = ?
WHERE community_id = ? AND id = ?
`, toMillis(sentAt), strings.TrimSpace(communityID), strings.TrimSpace(passID))
	if err != nil {
		return storage.PassRecord{}, fmt.Errorf("mark pass sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.PassRecord{}, fmt.Errorf("mark pass sent rows: %w", err)
	}
	if affected == 0 {
		return storage.PassRecord{}, storage.ErrNotFound
	}
	return s.GetPass(ctx, communityID, passID)
}

// GetUnitSettings loads the unit override document.
func (s *Store) GetUnitSettings(ctx context.Context, communityID string, unit string) (storage.UnitSettingsRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UnitSettingsRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UnitSettingsRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT community_id, unit, monthly_limit, blocked, blocked_reason, updated_at
FROM unit_settings
WHERE community_id = ? AND unit = ?
`, strings.TrimSpace(communityID), strings.TrimSpace(unit))

	var record storage.UnitSettingsRecord
	var monthlyLimit sql.NullInt64
	var blocked int
	var blockedReason sql.NullString
	var updatedAt int64
	err := row.Scan(&record.CommunityID, &record.Unit, &monthlyLimit, &blocked, &blockedReason, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UnitSettingsRecord{}, storage.ErrNotFound
		}
		return storage.UnitSettingsRecord{}, fmt.Errorf("get unit settings: %w", err)
	}
	if monthlyLimit.Valid {
		limit := int(monthlyLimit.Int64)
		record.MonthlyLimit = &limit
	}
	record.Blocked = blocked != 0
	if blockedReason.Valid {
		reason := blockedReason.String
		record.BlockedReason = &reason
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutUnitSettings upserts the unit override document. Nil optional fields are
// written as NULL: absence means "inherit the community default".
func (s *Store) PutUnitSettings(ctx context.Context, record storage.UnitSettingsRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.CommunityID = strings.TrimSpace(record.CommunityID)
	record.Unit = strings.TrimSpace(record.Unit)
	if record.CommunityID == "" {
		return fmt.Errorf("community id is required")
	}
	if record.Unit == "" {
		return fmt.Errorf("unit is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO unit_settings (community_id, unit, monthly_limit, blocked, blocked_reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (community_id, unit) DO UPDATE SET
    monthly_limit = excluded.monthly_limit,
    blocked = excluded.blocked,
    blocked_reason = excluded.blocked_reason,
    updated_at = excluded.updated_at
`, record.CommunityID, record.Unit, nullableInt(record.MonthlyLimit),
		boolToInt(record.Blocked), nullableString(record.BlockedReason), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put unit settings: %w", err)
	}
	return nil
}

// GetUserSettings loads the legacy user override document.
func (s *Store) GetUserSettings(ctx context.Context, communityID string, userID string) (storage.UserSettingsRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserSettingsRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UserSettingsRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT community_id, user_id, monthly_limit, blocked, updated_at
FROM user_settings
WHERE community_id = ? AND user_id = ?
`, strings.TrimSpace(communityID), strings.TrimSpace(userID))

	record, err := scanUserSettings(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserSettingsRecord{}, storage.ErrNotFound
		}
		return storage.UserSettingsRecord{}, fmt.Errorf("get user settings: %w", err)
	}
	return record, nil
}

// PutUserSettings upserts the legacy user override document.
func (s *Store) PutUserSettings(ctx context.Context, record storage.UserSettingsRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.CommunityID = strings.TrimSpace(record.CommunityID)
	record.UserID = strings.TrimSpace(record.UserID)
	if record.CommunityID == "" {
		return fmt.Errorf("community id is required")
	}
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO user_settings (community_id, user_id, monthly_limit, blocked, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (community_id, user_id) DO UPDATE SET
    monthly_limit = excluded.monthly_limit,
    blocked = excluded.blocked,
    updated_at = excluded.updated_at
`, record.CommunityID, record.UserID, nullableInt(record.MonthlyLimit),
		boolToInt(record.Blocked), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put user settings: %w", err)
	}
	return nil
}

// ListUserSettingsWithLimit lists legacy settings whose explicit limit equals
// the provided value.
func (s *Store) ListUserSettingsWithLimit(ctx context.Context, communityID string, monthlyLimit int) ([]storage.UserSettingsRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT community_id, user_id, monthly_limit, blocked, updated_at
FROM user_settings
WHERE community_id = ? AND monthly_limit = ?
`, strings.TrimSpace(communityID), monthlyLimit)
	if err != nil {
		return nil, fmt.Errorf("list user settings: %w", err)
	}
	defer rows.Close()

	var records []storage.UserSettingsRecord
	for rows.Next() {
		record, scanErr := scanUserSettings(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan user settings: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user settings: %w", err)
	}
	return records, nil
}

// ClearUserSettingsLimit unsets the explicit limit so the user inherits the
// community default again. Clearing an absent document is a no-op.
func (s *Store) ClearUserSettingsLimit(ctx context.Context, communityID string, userID string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE user_settings
SET monthly_limit = NULL, updated_at = ?
WHERE community_id = ? AND user_id = ?
`, toMillis(updatedAt), strings.TrimSpace(communityID), strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("clear user settings limit: %w", err)
	}
	return nil
}

// GetCommunityDefaults loads one community defaults document.
func (s *Store) GetCommunityDefaults(ctx context.Context, communityID string) (storage.CommunityDefaultsRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CommunityDefaultsRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CommunityDefaultsRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT community_id, monthly_limit, block_all_users, block_family_members_only, validity_duration_hours, last_reset_at, updated_at
FROM community_defaults
WHERE community_id = ?
`, strings.TrimSpace(communityID))

	var record storage.CommunityDefaultsRecord
	var blockAll, blockFamily int
	var lastResetAt sql.NullInt64
	var updatedAt int64
	err := row.Scan(&record.CommunityID, &record.MonthlyLimit, &blockAll, &blockFamily,
		&record.ValidityDurationHours, &lastResetAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CommunityDefaultsRecord{}, storage.ErrNotFound
		}
		return storage.CommunityDefaultsRecord{}, fmt.Errorf("get community defaults: %w", err)
	}
	record.BlockAllUsers = blockAll != 0
	record.BlockFamilyMembersOnly = blockFamily != 0
	record.LastResetAt = fromNullMillis(lastResetAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutCommunityDefaults upserts one community defaults document.
func (s *Store) PutCommunityDefaults(ctx context.Context, record storage.CommunityDefaultsRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.CommunityID = strings.TrimSpace(record.CommunityID)
	if record.CommunityID == "" {
		return fmt.Errorf("community id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO community_defaults (community_id, monthly_limit, block_all_users, block_family_members_only, validity_duration_hours, last_reset_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (community_id) DO UPDATE SET
    monthly_limit = excluded.monthly_limit,
    block_all_users = excluded.block_all_users,
    block_family_members_only = excluded.block_family_members_only,
    validity_duration_hours = excluded.validity_duration_hours,
    last_reset_at = excluded.last_reset_at,
    updated_at = excluded.updated_at
`, record.CommunityID, record.MonthlyLimit, boolToInt(record.BlockAllUsers),
		boolToInt(record.BlockFamilyMembersOnly), record.ValidityDurationHours,
		toNullMillis(record.LastResetAt), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put community defaults: %w", err)
	}
	return nil
}

// AppendEvent records one telemetry event in the ops_events table.
func (s *Store) AppendEvent(ctx context.Context, evt telemetry.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	fieldsJSON := "{}"
	if len(evt.Fields) > 0 {
		raw, err := json.Marshal(evt.Fields)
		if err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
		fieldsJSON = string(raw)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ops_events (ts, severity, source, name, fields_json)
VALUES (?, ?, ?, ?, ?)
`, toMillis(evt.Timestamp), string(evt.Severity), evt.Source, evt.Name, fieldsJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func scanPass(scan func(dest ...any) error) (storage.PassRecord, error) {
	var record storage.PassRecord
	var createdAt int64
	var sentStatus int
	var sentAt, validFrom, validUntil sql.NullInt64
	if err := scan(&record.ID, &record.CommunityID, &record.UserID, &record.UserName,
		&createdAt, &sentStatus, &sentAt, &validFrom, &validUntil); err != nil {
		return storage.PassRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.SentStatus = sentStatus != 0
	record.SentAt = fromNullMillis(sentAt)
	record.ValidFrom = fromNullMillis(validFrom)
	record.ValidUntil = fromNullMillis(validUntil)
	return record, nil
}

func scanUserSettings(scan func(dest ...any) error) (storage.UserSettingsRecord, error) {
	var record storage.UserSettingsRecord
	var monthlyLimit sql.NullInt64
	var blocked int
	var updatedAt int64
	if err := scan(&record.CommunityID, &record.UserID, &monthlyLimit, &blocked, &updatedAt); err != nil {
		return storage.UserSettingsRecord{}, err
	}
	if monthlyLimit.Valid {
		limit := int(monthlyLimit.Int64)
		record.MonthlyLimit = &limit
	}
	record.Blocked = blocked != 0
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "constraint failed")
}
