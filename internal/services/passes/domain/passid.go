package domain

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewPassID generates a collision-resistant guest-pass reference of the form
// GP-<base36 millis>-<base36 random>, upper-cased. The timestamp prefix keeps
// references roughly sortable; the random suffix guards same-instant issues.
func NewPassID(at time.Time) (string, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	prefix := strconv.FormatInt(at.UTC().UnixMilli(), 36)
	suffix := strconv.FormatUint(uint64(binary.BigEndian.Uint32(raw[:])), 36)
	return strings.ToUpper("gp-" + prefix + "-" + suffix), nil
}
