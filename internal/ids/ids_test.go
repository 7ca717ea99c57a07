package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestNewTokenShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		if len(tok) != 26 {
			t.Fatalf("expected 26 chars for 128 bits, got %d (%q)", len(tok), tok)
		}
		if tok != strings.ToLower(tok) {
			t.Fatalf("token must be lower case: %q", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestTrackingToken(t *testing.T) {
	tok, err := NewTrackingToken()
	if err != nil {
		t.Fatalf("NewTrackingToken: %v", err)
	}
	if !IsTrackingToken(tok) {
		t.Fatalf("generated token failed shape check: %q", tok)
	}
	for _, bad := range []string{"", "TRK-", "TRK-abcdefghij", "XYZ-ABCDEFGHIJ", "TRK-ABCDEFGHIJK"} {
		if IsTrackingToken(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
