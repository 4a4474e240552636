// Package domain orchestrates cache-first directory reads for residents,
// units, and communities.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unitpass/unitpass/internal/cache"
	perrors "github.com/unitpass/unitpass/internal/platform/errors"
	"github.com/unitpass/unitpass/internal/services/directory/storage"
)

var (
	// ErrCacheNotConfigured indicates the service is missing its cache.
	ErrCacheNotConfigured = errors.New("directory cache is not configured")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("directory store is not configured")
	// ErrCommunityIDRequired indicates a community id is required.
	ErrCommunityIDRequired = errors.New("community id is required")
	// ErrResidentIDRequired indicates a resident id is required.
	ErrResidentIDRequired = errors.New("resident id is required")
)

const (
	defaultResidentQueryLimit  = 5000
	defaultUnitPageSize        = 1000
	defaultCommunityQueryLimit = 500
)

// Membership binds one resident to one community unit.
type Membership struct {
	CommunityID string `json:"community_id"`
	Unit        string `json:"unit"`
	RoleTag     string `json:"role_tag"`
}

// RoleTagFamily marks household members who are not primary owners.
const RoleTagFamily = "family"

// Resident is one directory resident with community memberships.
type Resident struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name"`
	Email       string       `json:"email"`
	Memberships []Membership `json:"memberships"`
	CreatedAt   time.Time    `json:"created_at"`
}

// MembershipIn returns the resident membership for one community, if any.
func (r Resident) MembershipIn(communityID string) (Membership, bool) {
	for _, membership := range r.Memberships {
		if membership.CommunityID == communityID {
			return membership, true
		}
	}
	return Membership{}, false
}

// Unit is one community unit.
type Unit struct {
	CommunityID string    `json:"community_id"`
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	CreatedAt   time.Time `json:"created_at"`
}

// Community is one community.
type Community struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchField selects the resident attribute a search matches against.
type SearchField string

const (
	SearchFieldName  SearchField = "name"
	SearchFieldEmail SearchField = "email"
	SearchFieldUnit  SearchField = "unit"
)

// Config wires the directory service dependencies.
type Config struct {
	Cache       *cache.Cache
	Residents   storage.ResidentStore
	Units       storage.UnitStore
	Communities storage.CommunityStore
	Clock       func() time.Time

	// Zero values fall back to the fixed remote-query bounds.
	ResidentQueryLimit  int
	UnitPageSize        int
	CommunityQueryLimit int
}

// Service keeps the loaded directory state and shields the remote store from
// repeated reads. Loaded lists are mutated only by fetches and by the narrow
// patch helpers; both hold the service mutex.
type Service struct {
	cache       *cache.Cache
	residents   storage.ResidentStore
	units       storage.UnitStore
	communities storage.CommunityStore
	clock       func() time.Time

	residentQueryLimit  int
	unitPageSize        int
	communityQueryLimit int

	group singleflight.Group

	mu                sync.RWMutex
	loadedResidents   map[string][]Resident
	loadedUnits       map[string][]Unit
	loadedCommunities []Community
	lastErr           error
}

// NewService constructs the directory fetch orchestrator.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	residentQueryLimit := cfg.ResidentQueryLimit
	if residentQueryLimit <= 0 {
		residentQueryLimit = defaultResidentQueryLimit
	}
	unitPageSize := cfg.UnitPageSize
	if unitPageSize <= 0 {
		unitPageSize = defaultUnitPageSize
	}
	communityQueryLimit := cfg.CommunityQueryLimit
	if communityQueryLimit <= 0 {
		communityQueryLimit = defaultCommunityQueryLimit
	}
	return &Service{
		cache:               cfg.Cache,
		residents:           cfg.Residents,
		units:               cfg.Units,
		communities:         cfg.Communities,
		clock:               clock,
		residentQueryLimit:  residentQueryLimit,
		unitPageSize:        unitPageSize,
		communityQueryLimit: communityQueryLimit,
		loadedResidents:     map[string][]Resident{},
		loadedUnits:         map[string][]Unit{},
	}
}

// FetchResidents returns community residents, serving the cache scope when
// present and not force-refreshed. Concurrent fetches for the same scope share
// one in-flight remote query. On remote failure any previously loaded list is
// returned alongside the error.
func (s *Service) FetchResidents(ctx context.Context, communityID string, forceRefresh bool) ([]Resident, error) {
	if s == nil || s.residents == nil {
		return nil, ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return nil, ErrCommunityIDRequired
	}

	if !forceRefresh {
		var cached []Resident
		if _, ok := s.cache.GetInto(cache.EntityResidents, communityID, &cached); ok {
			s.setLoadedResidents(communityID, cached)
			return cached, nil
		}
	}

	value, err, _ := s.group.Do("residents:"+communityID, func() (any, error) {
		records, listErr := s.residents.ListResidents(ctx, s.residentQueryLimit)
		if listErr != nil {
			return nil, perrors.Wrap(perrors.CodeRemoteUnavailable, "list residents", listErr)
		}
		filtered := make([]Resident, 0, len(records))
		for _, record := range records {
			resident := residentFromRecord(record)
			if _, ok := resident.MembershipIn(communityID); ok {
				filtered = append(filtered, resident)
			}
		}
		s.cache.Set(cache.EntityResidents, communityID, filtered)
		s.setLoadedResidents(communityID, filtered)
		return filtered, nil
	})
	if err != nil {
		s.setLastErr(err)
		return s.residentsLoadedFor(communityID), err
	}
	s.setLastErr(nil)
	return value.([]Resident), nil
}

// FetchUnits returns community units. A present cache entry is used regardless
// of its age unless forceRefresh is explicit; on a miss the remote collection
// is paginated in fixed-size batches keyed by the last unit id.
func (s *Service) FetchUnits(ctx context.Context, communityID string, forceRefresh bool) ([]Unit, error) {
	if s == nil || s.units == nil {
		return nil, ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return nil, ErrCommunityIDRequired
	}

	if !forceRefresh {
		if snapshot, ok := s.cache.GetAnyAge(cache.EntityUnits, communityID); ok {
			var cached []Unit
			if err := json.Unmarshal(snapshot.Data, &cached); err == nil {
				s.setLoadedUnits(communityID, cached)
				return cached, nil
			}
			_ = s.cache.Clear(cache.EntityUnits, communityID)
		}
	}

	value, err, _ := s.group.Do("units:"+communityID, func() (any, error) {
		var all []Unit
		afterID := ""
		for {
			page, pageErr := s.units.ListUnitsPage(ctx, communityID, afterID, s.unitPageSize)
			if pageErr != nil {
				return nil, perrors.Wrap(perrors.CodeRemoteUnavailable, "list units page", pageErr)
			}
			for _, record := range page {
				all = append(all, unitFromRecord(record))
			}
			if len(page) < s.unitPageSize {
				break
			}
			afterID = page[len(page)-1].ID
		}
		s.cache.Set(cache.EntityUnits, communityID, all)
		s.setLoadedUnits(communityID, all)
		return all, nil
	})
	if err != nil {
		s.setLastErr(err)
		return s.unitsLoadedFor(communityID), err
	}
	s.setLastErr(nil)
	return value.([]Unit), nil
}

// FetchCommunities returns the community roster with the cache-or-fetch shape.
func (s *Service) FetchCommunities(ctx context.Context, forceRefresh bool) ([]Community, error) {
	if s == nil || s.communities == nil {
		return nil, ErrStoreNotConfigured
	}

	if !forceRefresh {
		var cached []Community
		if _, ok := s.cache.GetInto(cache.EntityCommunities, "", &cached); ok {
			s.setLoadedCommunities(cached)
			return cached, nil
		}
	}

	value, err, _ := s.group.Do("communities", func() (any, error) {
		records, listErr := s.communities.ListCommunities(ctx, s.communityQueryLimit)
		if listErr != nil {
			return nil, perrors.Wrap(perrors.CodeRemoteUnavailable, "list communities", listErr)
		}
		all := make([]Community, 0, len(records))
		for _, record := range records {
			all = append(all, communityFromRecord(record))
		}
		s.cache.Set(cache.EntityCommunities, "", all)
		s.setLoadedCommunities(all)
		return all, nil
	})
	if err != nil {
		s.setLastErr(err)
		s.mu.RLock()
		stale := append([]Community(nil), s.loadedCommunities...)
		s.mu.RUnlock()
		return stale, err
	}
	s.setLastErr(nil)
	return value.([]Community), nil
}

// ResidentByID resolves one resident, preferring already-loaded state over a
// remote read.
func (s *Service) ResidentByID(ctx context.Context, residentID string) (Resident, error) {
	if s == nil || s.residents == nil {
		return Resident{}, ErrStoreNotConfigured
	}
	residentID = strings.TrimSpace(residentID)
	if residentID == "" {
		return Resident{}, ErrResidentIDRequired
	}

	s.mu.RLock()
	for _, residents := range s.loadedResidents {
		for _, resident := range residents {
			if resident.ID == residentID {
				s.mu.RUnlock()
				return resident, nil
			}
		}
	}
	s.mu.RUnlock()

	record, err := s.residents.GetResident(ctx, residentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Resident{}, perrors.New(perrors.CodeNotFound, "resident not found")
		}
		return Resident{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "get resident", err)
	}
	return residentFromRecord(record), nil
}

// MembersOfUnit derives the residents of one unit from loaded state; it never
// touches the cache or the remote store.
func (s *Service) MembersOfUnit(communityID string, unit string) []Resident {
	if s == nil {
		return nil
	}
	communityID = strings.TrimSpace(communityID)
	unit = strings.TrimSpace(unit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []Resident
	for _, resident := range s.loadedResidents[communityID] {
		if membership, ok := resident.MembershipIn(communityID); ok && membership.Unit == unit {
			members = append(members, resident)
		}
	}
	return members
}

// SearchResidents derives a case-insensitive match over loaded residents.
func (s *Service) SearchResidents(term string, field SearchField) []Resident {
	if s == nil {
		return nil
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Resident
	seen := map[string]bool{}
	for _, residents := range s.loadedResidents {
		for _, resident := range residents {
			if seen[resident.ID] || !residentMatches(resident, term, field) {
				continue
			}
			seen[resident.ID] = true
			matches = append(matches, resident)
		}
	}
	return matches
}

// RefreshAll invalidates the resident and unit cache scopes for one community
// and re-fetches both, returning a single refresh timestamp for display.
func (s *Service) RefreshAll(ctx context.Context, communityID string) (time.Time, error) {
	if s == nil {
		return time.Time{}, ErrStoreNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return time.Time{}, ErrCommunityIDRequired
	}

	_ = s.cache.Clear(cache.EntityResidents, communityID)
	_ = s.cache.Clear(cache.EntityUnits, communityID)

	if _, err := s.FetchResidents(ctx, communityID, true); err != nil {
		return time.Time{}, err
	}
	if _, err := s.FetchUnits(ctx, communityID, true); err != nil {
		return time.Time{}, err
	}
	return s.now(), nil
}

// LastError reports the most recent fetch failure, cleared on success.
func (s *Service) LastError() error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// PatchResident replaces one resident in loaded state and rewrites the cache
// scope of every loaded community the resident belongs to.
func (s *Service) PatchResident(updated Resident) {
	if s == nil || strings.TrimSpace(updated.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for communityID, residents := range s.loadedResidents {
		changed := false
		for i, resident := range residents {
			if resident.ID == updated.ID {
				residents[i] = updated
				changed = true
			}
		}
		if changed {
			s.loadedResidents[communityID] = residents
			s.cache.Set(cache.EntityResidents, communityID, residents)
		}
	}
}

// RemoveResident drops one resident from loaded state and cached scopes.
func (s *Service) RemoveResident(residentID string) {
	if s == nil || strings.TrimSpace(residentID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for communityID, residents := range s.loadedResidents {
		kept := residents[:0]
		changed := false
		for _, resident := range residents {
			if resident.ID == residentID {
				changed = true
				continue
			}
			kept = append(kept, resident)
		}
		if changed {
			s.loadedResidents[communityID] = kept
			s.cache.Set(cache.EntityResidents, communityID, kept)
		}
	}
}

// AddResident appends one resident to the loaded state of its membership
// communities that are already loaded, rewriting their cache scopes.
func (s *Service) AddResident(resident Resident) {
	if s == nil || strings.TrimSpace(resident.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, membership := range resident.Memberships {
		residents, loaded := s.loadedResidents[membership.CommunityID]
		if !loaded {
			continue
		}
		residents = append(residents, resident)
		s.loadedResidents[membership.CommunityID] = residents
		s.cache.Set(cache.EntityResidents, membership.CommunityID, residents)
	}
}

func residentMatches(resident Resident, term string, field SearchField) bool {
	switch field {
	case SearchFieldEmail:
		return strings.Contains(strings.ToLower(resident.Email), term)
	case SearchFieldUnit:
		for _, membership := range resident.Memberships {
			if strings.Contains(strings.ToLower(membership.Unit), term) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(strings.ToLower(resident.DisplayName), term)
	}
}

func (s *Service) residentsLoadedFor(communityID string) []Resident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Resident(nil), s.loadedResidents[communityID]...)
}

func (s *Service) unitsLoadedFor(communityID string) []Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Unit(nil), s.loadedUnits[communityID]...)
}

func (s *Service) setLoadedResidents(communityID string, residents []Resident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedResidents[communityID] = residents
}

func (s *Service) setLoadedUnits(communityID string, units []Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedUnits[communityID] = units
}

func (s *Service) setLoadedCommunities(communities []Community) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedCommunities = communities
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func residentFromRecord(record storage.ResidentRecord) Resident {
	memberships := make([]Membership, 0, len(record.Memberships))
	for _, membership := range record.Memberships {
		memberships = append(memberships, Membership{
			CommunityID: membership.CommunityID,
			Unit:        membership.Unit,
			RoleTag:     membership.RoleTag,
		})
	}
	return Resident{
		ID:          record.ID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		Memberships: memberships,
		CreatedAt:   record.CreatedAt,
	}
}

func unitFromRecord(record storage.UnitRecord) Unit {
	return Unit{
		CommunityID: record.CommunityID,
		ID:          record.ID,
		Label:       record.Label,
		CreatedAt:   record.CreatedAt,
	}
}

func communityFromRecord(record storage.CommunityRecord) Community {
	return Community{
		ID:        record.ID,
		Name:      record.Name,
		CreatedAt: record.CreatedAt,
	}
}
