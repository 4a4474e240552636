// Package storage defines the remote document-store boundary for guest
// passes and quota settings.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested pass or settings document is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with an existing document.
	ErrConflict = errors.New("record conflict")
)

// PassRecord stores one guest-pass document. Immutable after creation except
// for the sent fields.
type PassRecord struct {
	ID          string
	CommunityID string
	UserID      string
	UserName    string
	CreatedAt   time.Time
	SentStatus  bool
	SentAt      *time.Time
	ValidFrom   *time.Time
	ValidUntil  *time.Time
}

// UnitSettingsRecord stores the unit-level quota override document.
// A nil MonthlyLimit inherits the community default.
type UnitSettingsRecord struct {
	CommunityID   string
	Unit          string
	MonthlyLimit  *int
	Blocked       bool
	BlockedReason *string
	UpdatedAt     time.Time
}

// UserSettingsRecord stores the deprecated user-level override document,
// kept for backward compatibility and superseded by unit-level settings.
type UserSettingsRecord struct {
	CommunityID  string
	UserID       string
	MonthlyLimit *int
	Blocked      bool
	UpdatedAt    time.Time
}

// CommunityDefaultsRecord stores one community's quota defaults document.
type CommunityDefaultsRecord struct {
	CommunityID            string
	MonthlyLimit           int
	BlockAllUsers          bool
	BlockFamilyMembersOnly bool
	ValidityDurationHours  float64
	LastResetAt            *time.Time
	UpdatedAt              time.Time
}

// PassStore persists guest-pass documents.
type PassStore interface {
	// PutPass creates one pass document; ErrConflict on a duplicate id.
	PutPass(ctx context.Context, record PassRecord) error
	GetPass(ctx context.Context, communityID string, passID string) (PassRecord, error)
	// CountPassesCreatedSince counts one user's passes with createdAt >= since.
	CountPassesCreatedSince(ctx context.Context, communityID string, userID string, since time.Time) (int, error)
	ListPassesCreatedSince(ctx context.Context, communityID string, since time.Time, limit int) ([]PassRecord, error)
	MarkPassSent(ctx context.Context, communityID string, passID string, sentAt time.Time) (PassRecord, error)
}

// SettingsStore persists the layered quota settings documents. Upserts write
// whole documents: a nil optional field is stored as an explicit absence, not
// a null sentinel the readers must special-case.
type SettingsStore interface {
	GetUnitSettings(ctx context.Context, communityID string, unit string) (UnitSettingsRecord, error)
	PutUnitSettings(ctx context.Context, record UnitSettingsRecord) error

	GetUserSettings(ctx context.Context, communityID string, userID string) (UserSettingsRecord, error)
	PutUserSettings(ctx context.Context, record UserSettingsRecord) error
	// ListUserSettingsWithLimit returns the legacy user settings of one
	// community whose explicit monthly limit equals the provided value.
	ListUserSettingsWithLimit(ctx context.Context, communityID string, monthlyLimit int) ([]UserSettingsRecord, error)
	// ClearUserSettingsLimit removes the explicit limit so the user inherits
	// the community default again.
	ClearUserSettingsLimit(ctx context.Context, communityID string, userID string, updatedAt time.Time) error

	GetCommunityDefaults(ctx context.Context, communityID string) (CommunityDefaultsRecord, error)
	PutCommunityDefaults(ctx context.Context, record CommunityDefaultsRecord) error
}
