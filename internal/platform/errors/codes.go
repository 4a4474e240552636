// Package errors provides structured error handling for unitpass services.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Lookup errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeNotInCommunity Code = "NOT_IN_COMMUNITY"

	// Issuance errors
	CodeBlockedCommunity  Code = "BLOCKED_COMMUNITY"
	CodeBlockedFamily     Code = "BLOCKED_FAMILY"
	CodeBlockedUnit       Code = "BLOCKED_UNIT"
	CodeBlockedLegacyUser Code = "BLOCKED_LEGACY_USER"
	CodeLimitReached      Code = "LIMIT_REACHED"

	// Input errors
	CodeInvalidInput Code = "INVALID_INPUT"

	// Infrastructure errors
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeCacheCorrupt      Code = "CACHE_CORRUPT"
)

// IsBlocked reports whether a code belongs to the blocking family.
func IsBlocked(code Code) bool {
	switch code {
	case CodeBlockedCommunity, CodeBlockedFamily, CodeBlockedUnit, CodeBlockedLegacyUser:
		return true
	}
	return false
}
