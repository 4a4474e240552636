// Package notify composes bilingual guest-pass notifications and hands them
// to a delivery dispatcher.
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/unitpass/unitpass/internal/services/notify/render"
)

// Category classifies one notification for client-side routing.
type Category string

const (
	CategoryPassIssued   Category = "pass_issued"
	CategoryPassBlocked  Category = "pass_blocked"
	CategoryLimitReached Category = "limit_reached"
)

// Intent is one composed notification, carrying both language renditions so
// the delivery layer can pick per recipient preference.
type Intent struct {
	CommunityID string
	UserID      string
	Category    Category
	TitleEn     string
	BodyEn      string
	TitleAr     string
	BodyAr      string
}

// Dispatcher delivers composed notification intents.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent Intent) error
}

// Composer builds bilingual intents from guest-pass events.
type Composer struct {
	english *message.Printer
	arabic  *message.Printer
}

// NewComposer builds a composer over the registered message catalogs.
func NewComposer() *Composer {
	return &Composer{
		english: message.NewPrinter(language.English),
		arabic:  message.NewPrinter(language.Arabic),
	}
}

// PassIssued composes the issued-pass notification for one user.
func (c *Composer) PassIssued(communityID, userID, guestName, passID string, validUntil time.Time) Intent {
	payload := mustJSON(map[string]any{
		"guest_name":  strings.TrimSpace(guestName),
		"pass_id":     passID,
		"valid_until": validUntil.UTC().Format("2006-01-02 15:04"),
	})
	return c.compose(communityID, userID, CategoryPassIssued, render.TopicPassIssued, payload)
}

// PassBlocked composes the blocked-issuance notification for one user.
func (c *Composer) PassBlocked(communityID, userID, reason string) Intent {
	payload := mustJSON(map[string]any{"reason": strings.TrimSpace(reason)})
	return c.compose(communityID, userID, CategoryPassBlocked, render.TopicPassBlocked, payload)
}

// LimitReached composes the exhausted-quota notification for one user.
func (c *Composer) LimitReached(communityID, userID string, limit int) Intent {
	payload := `{"limit":` + strconv.Itoa(limit) + `}`
	return c.compose(communityID, userID, CategoryLimitReached, render.TopicPassLimitReached, payload)
}

func (c *Composer) compose(communityID, userID string, category Category, topic string, payload string) Intent {
	input := render.Input{Topic: topic, PayloadJSON: payload}
	en := render.Render(c.localizer(c.english), input)
	ar := render.Render(c.localizer(c.arabic), input)
	return Intent{
		CommunityID: communityID,
		UserID:      userID,
		Category:    category,
		TitleEn:     en.Title,
		BodyEn:      en.BodyText,
		TitleAr:     ar.Title,
		BodyAr:      ar.BodyText,
	}
}

func (c *Composer) localizer(printer *message.Printer) render.Localizer {
	if c == nil || printer == nil {
		return nil
	}
	return printer
}

func mustJSON(value map[string]any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
