// Package render produces localized guest-pass notification copy.
package render

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/message"
)

const (
	// TopicPassIssued is the template id for a freshly issued pass.
	TopicPassIssued = "pass.issued"
	// TopicPassBlocked is the template id for a blocked issuance attempt.
	TopicPassBlocked = "pass.blocked"
	// TopicPassLimitReached is the template id for an exhausted monthly quota.
	TopicPassLimitReached = "pass.limit_reached"

	defaultGenericTitle = "Guest pass update"
	defaultGenericBody  = "There is an update about your guest passes."
	defaultBlockReason  = "community policy"
)

// Input is one render request for a guest-pass notification.
type Input struct {
	Topic       string
	PayloadJSON string
}

// Output is localized copy derived from one guest-pass notification.
type Output struct {
	Title    string
	BodyText string
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

type issuedPayload struct {
	GuestName  string `json:"guest_name"`
	PassID     string `json:"pass_id"`
	ValidUntil string `json:"valid_until"`
}

type blockedPayload struct {
	Reason string `json:"reason"`
}

type limitPayload struct {
	Limit int `json:"limit"`
}

// Render returns localized copy for one guest-pass notification.
func Render(loc Localizer, input Input) Output {
	switch normalizeToken(input.Topic) {
	case TopicPassIssued:
		return renderPassIssued(loc, input)
	case TopicPassBlocked:
		return renderPassBlocked(loc, input)
	case TopicPassLimitReached:
		return renderPassLimitReached(loc, input)
	default:
		return genericOutput(loc)
	}
}

func renderPassIssued(loc Localizer, input Input) Output {
	payload := issuedPayload{}
	if raw := strings.TrimSpace(input.PayloadJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return genericOutput(loc)
		}
	}

	title := localize(loc, "notify.pass_issued.title")
	body := localize(loc, "notify.pass_issued.body", payload.GuestName, payload.PassID, payload.ValidUntil)
	if title == "notify.pass_issued.title" || body == "notify.pass_issued.body" {
		return genericOutput(loc)
	}
	return Output{Title: title, BodyText: body}
}

func renderPassBlocked(loc Localizer, input Input) Output {
	payload := blockedPayload{}
	if raw := strings.TrimSpace(input.PayloadJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return genericOutput(loc)
		}
	}

	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = localizeWithFallback(loc, "notify.pass_blocked.default_reason", defaultBlockReason)
	}
	title := localize(loc, "notify.pass_blocked.title")
	body := localize(loc, "notify.pass_blocked.body", reason)
	if title == "notify.pass_blocked.title" || body == "notify.pass_blocked.body" {
		return genericOutput(loc)
	}
	return Output{Title: title, BodyText: body}
}

func renderPassLimitReached(loc Localizer, input Input) Output {
	payload := limitPayload{}
	if raw := strings.TrimSpace(input.PayloadJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return genericOutput(loc)
		}
	}

	title := localize(loc, "notify.pass_limit_reached.title")
	body := localize(loc, "notify.pass_limit_reached.body", payload.Limit)
	if title == "notify.pass_limit_reached.title" || body == "notify.pass_limit_reached.body" {
		return genericOutput(loc)
	}
	return Output{Title: title, BodyText: body}
}

func genericOutput(loc Localizer) Output {
	return Output{
		Title:    localizeWithFallback(loc, "notify.generic.title", defaultGenericTitle),
		BodyText: localizeWithFallback(loc, "notify.generic.body", defaultGenericBody),
	}
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key string, fallback string) string {
	value := strings.TrimSpace(localize(loc, key))
	if value == "" || value == key {
		return fallback
	}
	return value
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
