package uniqueid

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestUniqueId_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := UniqueId()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestUniqueId_Format(t *testing.T) {
	id := UniqueId()
	if id == "" {
		t.Fatalf("UniqueId returned empty string")
	}
	// 16 bytes base64-encoded with padding is 24 characters
	if len(id) != 24 {
		t.Fatalf("UniqueId length = %d, want 24: %q", len(id), id)
	}
	// No partial-block truncation: the id must decode back to 16 bytes
	raw, err := base64.URLEncoding.DecodeString(id)
	if err != nil {
		t.Fatalf("UniqueId is not valid base64: %v", err)
	}
	if len(raw) != 16 {
		t.Fatalf("decoded length = %d, want 16", len(raw))
	}
}

func TestUniqueId_RoughlyTimeOrdered(t *testing.T) {
	// Ids generated later must not sort before ids generated earlier,
	// because the timestamp occupies the most significant bytes.
	a := UniqueId()
	time.Sleep(2 * time.Millisecond)
	b := UniqueId()
	if strings.Compare(a, b) > 0 {
		t.Fatalf("later id sorts before earlier id: %q > %q", a, b)
	}
}

func TestBroadcastId_Prefix(t *testing.T) {
	id := BroadcastId()
	if !strings.HasPrefix(id, "bc-") {
		t.Fatalf("BroadcastId() = %q, want bc- prefix", id)
	}
}
