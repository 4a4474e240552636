// Package sqlite provides SQLite-backed persistence for the directory.
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
	"github.com/unitpass/unitpass/internal/services/directory/storage"
	"github.com/unitpass/unitpass/internal/services/directory/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for directory records.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a directory SQLite store at the provided path.
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

// PutResident upserts one resident document.
func (s *Store) PutResident(ctx context.Context, record storage.ResidentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("resident id is required")
	}

	membershipsJSON, err := json.Marshal(record.Memberships)
	if err != nil {
		return fmt.Errorf("marshal memberships: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO residents (id, display_name, email, memberships_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    display_name = excluded.display_name,
    email = excluded.email,
    memberships_json = excluded.memberships_json,
    updated_at = excluded.updated_at
`, record.ID, record.DisplayName, record.Email, string(membershipsJSON),
		toMillis(record.CreatedAt), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put resident: %w", err)
	}
	return nil
}

// GetResident loads one resident document by id.
func (s *Store) GetResident(ctx context.Context, id string) (storage.ResidentRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ResidentRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ResidentRecord{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ResidentRecord{}, fmt.Errorf("resident id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, display_name, email, memberships_json, created_at, updated_at
FROM residents
WHERE id = ?
`, id)
	record, err := scanResident(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ResidentRecord{}, storage.ErrNotFound
		}
		return storage.ResidentRecord{}, fmt.Errorf("get resident: %w", err)
	}
	return record, nil
}

// ListResidents lists residents newest-first up to the provided bound.
func (s *Store) ListResidents(ctx context.Context, limit int) ([]storage.ResidentRecord, error) {
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
SELECT id, display_name, email, memberships_json, created_at, updated_at
FROM residents
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list residents: %w", err)
	}
	defer rows.Close()

	var records []storage.ResidentRecord
	for rows.Next() {
		record, scanErr := scanResident(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan resident: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate residents: %w", err)
	}
	return records, nil
}

// DeleteResident removes one resident document.
func (s *Store) DeleteResident(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("resident id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM residents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete resident: %w", err)
	}
	return nil
}

// PutUnit upserts one unit document.
func (s *Store) PutUnit(ctx context.Context, record storage.UnitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.CommunityID = strings.TrimSpace(record.CommunityID)
	record.ID = strings.TrimSpace(record.ID)
	if record.CommunityID == "" {
		return fmt.Errorf("community id is required")
	}
	if record.ID == "" {
		return fmt.Errorf("unit id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO units (community_id, id, label, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (community_id, id) DO UPDATE SET
    label = excluded.label,
    updated_at = excluded.updated_at
`, record.CommunityID, record.ID, record.Label, toMillis(record.CreatedAt), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put unit: %w", err)
	}
	return nil
}

// ListUnitsPage lists one fixed-size page of community units ordered by id.
func (s *Store) ListUnitsPage(ctx context.Context, communityID string, afterID string, pageSize int) ([]storage.UnitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return nil, fmt.Errorf("community id is required")
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT community_id, id, label, created_at, updated_at
FROM units
WHERE community_id = ? AND id > ?
ORDER BY id ASC
LIMIT ?
`, communityID, strings.TrimSpace(afterID), pageSize)
	if err != nil {
		return nil, fmt.Errorf("list units page: %w", err)
	}
	defer rows.Close()

	var records []storage.UnitRecord
	for rows.Next() {
		var record storage.UnitRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&record.CommunityID, &record.ID, &record.Label, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		record.UpdatedAt = fromMillis(updatedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return records, nil
}

// PutCommunity upserts one community document.
func (s *Store) PutCommunity(ctx context.Context, record storage.CommunityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("community id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO communities (id, name, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    updated_at = excluded.updated_at
`, record.ID, record.Name, toMillis(record.CreatedAt), toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put community: %w", err)
	}
	return nil
}

// ListCommunities lists communities newest-first up to the provided bound.
func (s *Store) ListCommunities(ctx context.Context, limit int) ([]storage.CommunityRecord, error) {
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
SELECT id, name, created_at, updated_at
FROM communities
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()

	var records []storage.CommunityRecord
	for rows.Next() {
		var record storage.CommunityRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&record.ID, &record.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		record.UpdatedAt = fromMillis(updatedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communities: %w", err)
	}
	return records, nil
}

func scanResident(scan func(dest ...any) error) (storage.ResidentRecord, error) {
	var record storage.ResidentRecord
	var membershipsJSON string
	var createdAt, updatedAt int64
	if err := scan(&record.ID, &record.DisplayName, &record.Email, &membershipsJSON, &createdAt, &updatedAt); err != nil {
		return storage.ResidentRecord{}, err
	}
	if err := json.Unmarshal([]byte(membershipsJSON), &record.Memberships); err != nil {
		return storage.ResidentRecord{}, fmt.Errorf("unmarshal memberships: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
