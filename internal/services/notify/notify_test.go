package notify

import (
	"context"
	"strings"
	"testing"
	"time"
)

type recordingDispatcher struct {
	intents []Intent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, intent Intent) error {
	d.intents = append(d.intents, intent)
	return nil
}

func TestPassIssuedComposesBothLanguages(t *testing.T) {
	t.Parallel()

	composer := NewComposer()
	validUntil := time.Date(2026, time.August, 21, 10, 30, 0, 0, time.UTC)

	intent := composer.PassIssued("com-1", "user-1", "Omar", "GP-ABC-123", validUntil)
	if intent.Category != CategoryPassIssued {
		t.Fatalf("category = %q, want %q", intent.Category, CategoryPassIssued)
	}
	if intent.TitleEn != "Guest pass issued" {
		t.Fatalf("english title = %q", intent.TitleEn)
	}
	if !strings.Contains(intent.BodyEn, "GP-ABC-123") || !strings.Contains(intent.BodyEn, "2026-08-21 10:30") {
		t.Fatalf("english body = %q, want pass id and validity", intent.BodyEn)
	}
	if intent.TitleAr == "" || intent.TitleAr == intent.TitleEn {
		t.Fatalf("arabic title = %q, want a distinct localized title", intent.TitleAr)
	}
}

func TestPassBlockedCarriesReason(t *testing.T) {
	t.Parallel()

	composer := NewComposer()
	intent := composer.PassBlocked("com-1", "user-1", "rule violation")
	if !strings.Contains(intent.BodyEn, "rule violation") {
		t.Fatalf("english body = %q, want the block reason", intent.BodyEn)
	}
}

func TestLimitReachedEmbedsLimit(t *testing.T) {
	t.Parallel()

	composer := NewComposer()
	intent := composer.LimitReached("com-1", "user-1", 30)
	if intent.Category != CategoryLimitReached {
		t.Fatalf("category = %q, want %q", intent.Category, CategoryLimitReached)
	}
	if !strings.Contains(intent.BodyEn, "30") {
		t.Fatalf("english body = %q, want the limit", intent.BodyEn)
	}
}

func TestDispatcherReceivesComposedIntent(t *testing.T) {
	t.Parallel()

	dispatcher := &recordingDispatcher{}
	composer := NewComposer()

	intent := composer.PassBlocked("com-1", "user-1", "")
	if err := dispatcher.Dispatch(context.Background(), intent); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(dispatcher.intents) != 1 || dispatcher.intents[0].CommunityID != "com-1" {
		t.Fatalf("unexpected recorded intents: %+v", dispatcher.intents)
	}
}
