package ids

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

const trackingPrefix = "TRK-"

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewToken returns a 128-bit random bearer token, base32 encoded in lower case.
// Tokens are public lookup capabilities, so they come from crypto/rand only.
func NewToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return strings.ToLower(tokenEncoding.EncodeToString(b[:])), nil
}

// NewTrackingToken returns a TRK-XXXXXXXXXX batch tracking token.
func NewTrackingToken() (string, error) {
	var b [7]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return trackingPrefix + tokenEncoding.EncodeToString(b[:])[:10], nil
}

// IsTrackingToken reports whether s has the tracking token shape.
func IsTrackingToken(s string) bool {
	if !strings.HasPrefix(s, trackingPrefix) || len(s) != len(trackingPrefix)+10 {
		return false
	}
	for _, r := range s[len(trackingPrefix):] {
		if !(r >= 'A' && r <= 'Z') && !(r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}
