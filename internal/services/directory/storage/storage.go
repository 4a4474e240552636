// Package storage defines the remote document-store boundary for the
// resident, unit, and community directory.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested directory record is missing.
	ErrNotFound = errors.New("record not found")
)

// MembershipRecord binds one resident to one community unit.
type MembershipRecord struct {
	CommunityID string `json:"community_id"`
	Unit        string `json:"unit"`
	RoleTag     string `json:"role_tag"`
}

// ResidentRecord stores one resident document with its membership array.
type ResidentRecord struct {
	ID          string
	DisplayName string
	Email       string
	Memberships []MembershipRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UnitRecord stores one unit document within a community.
type UnitRecord struct {
	CommunityID string
	ID          string
	Label       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommunityRecord stores one community document.
type CommunityRecord struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResidentStore persists resident documents.
type ResidentStore interface {
	PutResident(ctx context.Context, record ResidentRecord) error
	GetResident(ctx context.Context, id string) (ResidentRecord, error)
	// ListResidents returns up to limit residents ordered by creation time
	// descending. Membership filtering happens client-side.
	ListResidents(ctx context.Context, limit int) ([]ResidentRecord, error)
	DeleteResident(ctx context.Context, id string) error
}

// UnitStore persists unit documents.
type UnitStore interface {
	PutUnit(ctx context.Context, record UnitRecord) error
	// ListUnitsPage returns up to pageSize units of one community ordered by
	// unit id, starting after afterID. An empty afterID starts from the
	// beginning; a short page signals the end of the collection.
	ListUnitsPage(ctx context.Context, communityID string, afterID string, pageSize int) ([]UnitRecord, error)
}

// CommunityStore persists community documents.
type CommunityStore interface {
	PutCommunity(ctx context.Context, record CommunityRecord) error
	ListCommunities(ctx context.Context, limit int) ([]CommunityRecord, error)
}
