package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeBase36Padding(t *testing.T) {
	got := EncodeBase36([]byte{0}, 5)
	if got != "00000" {
		t.Errorf("EncodeBase36(0) = %q, want %q", got, "00000")
	}
	if len(EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff}, 4)) != 4 {
		t.Errorf("expected truncation to 4 chars")
	}
}

func TestNewJobIDStable(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := NewJobID("full_sync", "yakima", at, 0)
	b := NewJobID("full_sync", "yakima", at, 0)
	if a != b {
		t.Errorf("same inputs produced different IDs: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "job-") || len(a) != len("job-")+10 {
		t.Errorf("unexpected job ID shape: %s", a)
	}
	if c := NewJobID("full_sync", "yakima", at, 1); c == a {
		t.Errorf("nonce did not change the ID")
	}
}

func TestNewTargetIDIdempotent(t *testing.T) {
	a := NewTargetID("property", "P1")
	b := NewTargetID("property", "P1")
	if a != b {
		t.Errorf("target ID not stable: %s vs %s", a, b)
	}
	if NewTargetID("owner", "P1") == a {
		t.Errorf("entity type should change the ID")
	}
}
