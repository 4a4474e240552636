package domain

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNewPassIDShape(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.August, 20, 10, 30, 0, 0, time.UTC)
	id, err := NewPassID(at)
	if err != nil {
		t.Fatalf("NewPassID: %v", err)
	}
	if matched, _ := regexp.MatchString(`^GP-[0-9A-Z]+-[0-9A-Z]+$`, id); !matched {
		t.Fatalf("id %q does not match expected shape", id)
	}
	wantStamp := strings.ToUpper(strconv.FormatInt(at.UnixMilli(), 36))
	if !strings.HasPrefix(id, "GP-"+wantStamp+"-") {
		t.Fatalf("id %q does not embed timestamp segment %q", id, wantStamp)
	}
}

func TestNewPassIDUnique(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.August, 20, 10, 30, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := NewPassID(at)
		if err != nil {
			t.Fatalf("NewPassID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}
