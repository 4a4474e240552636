// Package domain decides guest-pass issuance eligibility and performs the
// issuance write, honoring the layered override and blocking hierarchies.
package domain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	perrors "github.com/unitpass/unitpass/internal/platform/errors"
	"github.com/unitpass/unitpass/internal/services/passes/storage"
	"github.com/unitpass/unitpass/internal/telemetry"
)

var (
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("passes store is not configured")
	// ErrDirectoryNotConfigured indicates the service is missing its resident directory.
	ErrDirectoryNotConfigured = errors.New("resident directory is not configured")
)

// Fallback defaults applied when a community has no defaults document yet.
const (
	fallbackMonthlyLimit  = 30
	fallbackValidityHours = 24
)

const usageCacheTTL = 24 * time.Hour

// RoleTagFamily marks household members who are not primary owners.
const RoleTagFamily = "family"

// Membership binds one resident to one community unit.
type Membership struct {
	CommunityID string
	Unit        string
	RoleTag     string
}

// Resident is the directory view the engine needs: identity plus memberships.
type Resident struct {
	ID          string
	DisplayName string
	Memberships []Membership
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

// ResidentDirectory resolves residents for eligibility checks.
type ResidentDirectory interface {
	ResidentByID(ctx context.Context, residentID string) (Resident, error)
}

// Reason classifies one eligibility outcome.
type Reason string

const (
	ReasonEligible     Reason = "eligible"
	ReasonBlocked      Reason = "blocked"
	ReasonLimitReached Reason = "limit_reached"
)

// BlockSource identifies which blocking tier fired.
type BlockSource string

const (
	BlockSourceCommunity  BlockSource = "community"
	BlockSourceFamily     BlockSource = "family"
	BlockSourceUnit       BlockSource = "unit"
	BlockSourceLegacyUser BlockSource = "legacy_user"
)

// LimitSource identifies which tier supplied the effective monthly limit.
type LimitSource string

const (
	LimitSourceUnit       LimitSource = "unit"
	LimitSourceLegacyUser LimitSource = "legacy_user"
	LimitSourceCommunity  LimitSource = "community"
)

// EligibilityResult is the structured outcome of one issuance check.
type EligibilityResult struct {
	CanIssue       bool
	Reason         Reason
	EffectiveLimit int
	UsedThisMonth  int
	Remaining      int
	LimitSource    LimitSource
	// BlockSource and BlockedReason are set only when Reason is blocked.
	BlockSource   BlockSource
	BlockedReason string
}

// Pass is one issued guest pass.
type Pass struct {
	ID          string
	CommunityID string
	UserID      string
	UserName    string
	CreatedAt   time.Time
	SentStatus  bool
	SentAt      *time.Time
	ValidFrom   time.Time
	ValidUntil  time.Time
}

// CreatePassInput describes one issuance request. Nil validity bounds fall
// back to now and the community validity duration.
type CreatePassInput struct {
	UserID     string
	UserName   string
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// UsageSummary is the dashboard quota widget view for one user.
type UsageSummary struct {
	Used      int
	Limit     int
	Remaining int
}

// Config wires the quota engine dependencies.
type Config struct {
	Passes    storage.PassStore
	Settings  storage.SettingsStore
	Directory ResidentDirectory
	Emitter   *telemetry.Emitter
	Clock     func() time.Time
	NewPassID func(at time.Time) (string, error)
}

// Service is the quota resolution engine. Issuance checks are best-effort:
// the check-then-write is not serialized against concurrent writers, so two
// racing CreatePass calls can both pass the count read.
type Service struct {
	passes    storage.PassStore
	settings  storage.SettingsStore
	directory ResidentDirectory
	emitter   *telemetry.Emitter
	clock     func() time.Time
	newPassID func(at time.Time) (string, error)

	// Denormalized month-usage counts; the authoritative count stays the
	// live range query.
	usage *ttlcache.Cache[string, int]
}

// NewService constructs the quota resolution engine.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newPassID := cfg.NewPassID
	if newPassID == nil {
		newPassID = NewPassID
	}
	return &Service{
		passes:    cfg.Passes,
		settings:  cfg.Settings,
		directory: cfg.Directory,
		emitter:   cfg.Emitter,
		clock:     clock,
		newPassID: newPassID,
		usage: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](usageCacheTTL),
		),
	}
}

// CheckEligibility decides whether one user may be issued a pass this month.
// Blocked and limit-reached are returned as structured results; missing
// residents and remote failures are errors.
func (s *Service) CheckEligibility(ctx context.Context, communityID string, userID string) (EligibilityResult, error) {
	if s == nil || s.passes == nil || s.settings == nil {
		return EligibilityResult{}, ErrStoreNotConfigured
	}
	if s.directory == nil {
		return EligibilityResult{}, ErrDirectoryNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	userID = strings.TrimSpace(userID)
	if communityID == "" || userID == "" {
		return EligibilityResult{}, perrors.New(perrors.CodeInvalidInput, "community id and user id are required")
	}

	resolved, err := s.resolve(ctx, communityID, userID)
	if err != nil {
		return EligibilityResult{}, err
	}

	used, err := s.passes.CountPassesCreatedSince(ctx, communityID, userID, monthStart(s.now()))
	if err != nil {
		return EligibilityResult{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "count passes this month", err)
	}

	result := EligibilityResult{
		EffectiveLimit: resolved.effectiveLimit,
		UsedThisMonth:  used,
		Remaining:      max(0, resolved.effectiveLimit-used),
		LimitSource:    resolved.limitSource,
	}
	switch {
	case resolved.blockSource != "":
		result.Reason = ReasonBlocked
		result.BlockSource = resolved.blockSource
		result.BlockedReason = resolved.blockedReason
	case used >= resolved.effectiveLimit:
		result.Reason = ReasonLimitReached
	default:
		result.CanIssue = true
		result.Reason = ReasonEligible
	}
	return result, nil
}

// CreatePass re-runs the blocking and limit checks to narrow the race window,
// then writes the pass document and opportunistically bumps the denormalized
// usage counter.
func (s *Service) CreatePass(ctx context.Context, communityID string, input CreatePassInput) (Pass, error) {
	if s == nil || s.passes == nil || s.settings == nil {
		return Pass{}, ErrStoreNotConfigured
	}
	if s.directory == nil {
		return Pass{}, ErrDirectoryNotConfigured
	}
	communityID = strings.TrimSpace(communityID)
	userID := strings.TrimSpace(input.UserID)
	if communityID == "" || userID == "" {
		return Pass{}, perrors.New(perrors.CodeInvalidInput, "community id and user id are required")
	}

	resolved, err := s.resolve(ctx, communityID, userID)
	if err != nil {
		return Pass{}, err
	}
	if resolved.blockSource != "" {
		return Pass{}, perrors.WithMetadata(blockCode(resolved.blockSource), "user is blocked from issuing passes", map[string]string{
			"block_source":   string(resolved.blockSource),
			"blocked_reason": resolved.blockedReason,
		})
	}

	used, err := s.passes.CountPassesCreatedSince(ctx, communityID, userID, monthStart(s.now()))
	if err != nil {
		return Pass{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "count passes this month", err)
	}
	if used >= resolved.effectiveLimit {
		return Pass{}, perrors.WithMetadata(perrors.CodeLimitReached, "monthly pass limit reached", map[string]string{
			"effective_limit": strconv.Itoa(resolved.effectiveLimit),
			"used_this_month": strconv.Itoa(used),
		})
	}

	now := s.now()
	passID, err := s.newPassID(now)
	if err != nil {
		return Pass{}, err
	}

	validFrom := now
	if input.ValidFrom != nil {
		validFrom = input.ValidFrom.UTC()
	}
	validUntil := validFrom.Add(validityDuration(resolved.defaults.ValidityDurationHours))
	if input.ValidUntil != nil {
		validUntil = input.ValidUntil.UTC()
	}

	record := storage.PassRecord{
		ID:          passID,
		CommunityID: communityID,
		UserID:      userID,
		UserName:    strings.TrimSpace(input.UserName),
		CreatedAt:   now,
		ValidFrom:   &validFrom,
		ValidUntil:  &validUntil,
	}
	if err := s.passes.PutPass(ctx, record); err != nil {
		return Pass{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "write pass document", err)
	}

	if item := s.usage.Get(usageKey(communityID, userID)); item != nil {
		s.usage.Set(usageKey(communityID, userID), item.Value()+1, ttlcache.DefaultTTL)
	}
	_ = s.emitter.Emit(ctx, telemetry.Event{
		Source: "passes",
		Name:   "pass_issued",
		Fields: map[string]string{
			"community_id": communityID,
			"user_id":      userID,
			"pass_id":      passID,
		},
	})

	return Pass{
		ID:          passID,
		CommunityID: communityID,
		UserID:      userID,
		UserName:    record.UserName,
		CreatedAt:   now,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
	}, nil
}

// MarkPassSent records delivery of one pass, its only legal mutation.
func (s *Service) MarkPassSent(ctx context.Context, communityID string, passID string) (Pass, error) {
	if s == nil || s.passes == nil {
		return Pass{}, ErrStoreNotConfigured
	}
	record, err := s.passes.MarkPassSent(ctx, strings.TrimSpace(communityID), strings.TrimSpace(passID), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Pass{}, perrors.New(perrors.CodeNotFound, "pass not found")
		}
		return Pass{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "mark pass sent", err)
	}
	return passFromRecord(record), nil
}

// MonthlyUsage reports one user's quota widget numbers. This is a statistics
// read: remote failures degrade to zeros and fallback limits so dashboards
// keep rendering.
func (s *Service) MonthlyUsage(ctx context.Context, communityID string, userID string) UsageSummary {
	if s == nil || s.passes == nil {
		return UsageSummary{Limit: fallbackMonthlyLimit, Remaining: fallbackMonthlyLimit}
	}
	communityID = strings.TrimSpace(communityID)
	userID = strings.TrimSpace(userID)

	used := 0
	key := usageKey(communityID, userID)
	if item := s.usage.Get(key); item != nil {
		used = item.Value()
	} else {
		count, err := s.passes.CountPassesCreatedSince(ctx, communityID, userID, monthStart(s.now()))
		if err != nil {
			_ = s.emitter.Emit(ctx, telemetry.Event{
				Severity: telemetry.SeverityWarn,
				Source:   "passes",
				Name:     "usage_count_degraded",
				Fields:   map[string]string{"community_id": communityID, "user_id": userID},
			})
		} else {
			s.usage.Set(key, count, ttlcache.DefaultTTL)
			used = count
		}
	}

	limit := fallbackMonthlyLimit
	if resolved, err := s.resolve(ctx, communityID, userID); err == nil {
		limit = resolved.effectiveLimit
	}
	return UsageSummary{Used: used, Limit: limit, Remaining: max(0, limit-used)}
}

// PassesThisMonth lists the community's current-month passes for the
// dashboard table. Remote failures degrade to an empty listing.
func (s *Service) PassesThisMonth(ctx context.Context, communityID string, limit int) []Pass {
	if s == nil || s.passes == nil {
		return nil
	}
	if limit <= 0 {
		limit = 500
	}
	records, err := s.passes.ListPassesCreatedSince(ctx, strings.TrimSpace(communityID), monthStart(s.now()), limit)
	if err != nil {
		_ = s.emitter.Emit(ctx, telemetry.Event{
			Severity: telemetry.SeverityWarn,
			Source:   "passes",
			Name:     "pass_listing_degraded",
			Fields:   map[string]string{"community_id": communityID},
		})
		return nil
	}
	passes := make([]Pass, 0, len(records))
	for _, record := range records {
		passes = append(passes, passFromRecord(record))
	}
	return passes
}

type resolvedSettings struct {
	defaults       storage.CommunityDefaultsRecord
	membership     Membership
	effectiveLimit int
	limitSource    LimitSource
	blockSource    BlockSource
	blockedReason  string
}

// resolve loads the resident and walks both hierarchies: blocking tiers in
// precedence order, then the limit tiers unit > legacy user > community.
func (s *Service) resolve(ctx context.Context, communityID string, userID string) (resolvedSettings, error) {
	resident, err := s.directory.ResidentByID(ctx, userID)
	if err != nil {
		return resolvedSettings{}, err
	}
	membership, ok := resident.MembershipIn(communityID)
	if !ok {
		return resolvedSettings{}, perrors.New(perrors.CodeNotInCommunity, "resident has no membership in community")
	}

	defaults, err := s.communityDefaults(ctx, communityID)
	if err != nil {
		return resolvedSettings{}, err
	}

	var unitSettings *storage.UnitSettingsRecord
	if record, err := s.settings.GetUnitSettings(ctx, communityID, membership.Unit); err == nil {
		unitSettings = &record
	} else if !errors.Is(err, storage.ErrNotFound) {
		return resolvedSettings{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "get unit settings", err)
	}

	var userSettings *storage.UserSettingsRecord
	if record, err := s.settings.GetUserSettings(ctx, communityID, userID); err == nil {
		userSettings = &record
	} else if !errors.Is(err, storage.ErrNotFound) {
		return resolvedSettings{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "get user settings", err)
	}

	resolved := resolvedSettings{defaults: defaults, membership: membership}

	switch {
	case defaults.BlockAllUsers:
		resolved.blockSource = BlockSourceCommunity
	case defaults.BlockFamilyMembersOnly && membership.RoleTag == RoleTagFamily:
		resolved.blockSource = BlockSourceFamily
	case unitSettings != nil && unitSettings.Blocked:
		resolved.blockSource = BlockSourceUnit
		if unitSettings.BlockedReason != nil {
			resolved.blockedReason = *unitSettings.BlockedReason
		}
	case userSettings != nil && userSettings.Blocked:
		resolved.blockSource = BlockSourceLegacyUser
	}

	switch {
	case unitSettings != nil && unitSettings.MonthlyLimit != nil:
		resolved.effectiveLimit = *unitSettings.MonthlyLimit
		resolved.limitSource = LimitSourceUnit
	case userSettings != nil && userSettings.MonthlyLimit != nil:
		resolved.effectiveLimit = *userSettings.MonthlyLimit
		resolved.limitSource = LimitSourceLegacyUser
	default:
		resolved.effectiveLimit = defaults.MonthlyLimit
		resolved.limitSource = LimitSourceCommunity
	}
	return resolved, nil
}

// communityDefaults loads the defaults document, creating it lazily with
// fallback values when absent.
func (s *Service) communityDefaults(ctx context.Context, communityID string) (storage.CommunityDefaultsRecord, error) {
	record, err := s.settings.GetCommunityDefaults(ctx, communityID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.CommunityDefaultsRecord{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "get community defaults", err)
	}

	record = storage.CommunityDefaultsRecord{
		CommunityID:           communityID,
		MonthlyLimit:          fallbackMonthlyLimit,
		ValidityDurationHours: fallbackValidityHours,
		UpdatedAt:             s.now(),
	}
	if err := s.settings.PutCommunityDefaults(ctx, record); err != nil {
		return storage.CommunityDefaultsRecord{}, perrors.Wrap(perrors.CodeRemoteUnavailable, "create community defaults", err)
	}
	return record, nil
}

func blockCode(source BlockSource) perrors.Code {
	switch source {
	case BlockSourceCommunity:
		return perrors.CodeBlockedCommunity
	case BlockSourceFamily:
		return perrors.CodeBlockedFamily
	case BlockSourceUnit:
		return perrors.CodeBlockedUnit
	default:
		return perrors.CodeBlockedLegacyUser
	}
}

func validityDuration(hours float64) time.Duration {
	if hours <= 0 {
		hours = fallbackValidityHours
	}
	return time.Duration(hours * float64(time.Hour))
}

func passFromRecord(record storage.PassRecord) Pass {
	pass := Pass{
		ID:          record.ID,
		CommunityID: record.CommunityID,
		UserID:      record.UserID,
		UserName:    record.UserName,
		CreatedAt:   record.CreatedAt,
		SentStatus:  record.SentStatus,
		SentAt:      record.SentAt,
	}
	if record.ValidFrom != nil {
		pass.ValidFrom = *record.ValidFrom
	}
	if record.ValidUntil != nil {
		pass.ValidUntil = *record.ValidUntil
	}
	return pass
}

func usageKey(communityID string, userID string) string {
	return communityID + "/" + userID
}

// monthStart returns the first instant of the current calendar month in UTC.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}
