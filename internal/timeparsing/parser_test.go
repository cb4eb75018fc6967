package timeparsing

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestParseCompactDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"-6h", testNow.Add(-6 * time.Hour)},
		{"+6h", testNow.Add(6 * time.Hour)},
		{"6h", testNow.Add(6 * time.Hour)},
		{"-1d", testNow.AddDate(0, 0, -1)},
		{"-2w", testNow.AddDate(0, 0, -14)},
		{"-3m", testNow.AddDate(0, -3, 0)},
		{"-1y", testNow.AddDate(-1, 0, 0)},
	}
	for _, tt := range tests {
		got, err := ParseCompactDuration(tt.in, testNow)
		if err != nil {
			t.Errorf("ParseCompactDuration(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseCompactDurationRejectsOtherForms(t *testing.T) {
	for _, in := range []string{"", "7", "d", "-d", "7 d", "1.5h", "yesterday", "2026-01-02"} {
		if _, err := ParseCompactDuration(in, testNow); err == nil {
			t.Errorf("ParseCompactDuration(%q) succeeded, want error", in)
		}
	}
}

func TestIsCompactDuration(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"-7d", true},
		{"12h", true},
		{"+2w", true},
		{"7", false},
		{"last week", false},
		{"2026-01-02", false},
	}
	for _, tt := range tests {
		if got := IsCompactDuration(tt.in); got != tt.want {
			t.Errorf("IsCompactDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSinceLayers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"compact duration", "-7d", testNow.AddDate(0, 0, -7)},
		{"rfc3339", "2026-03-01T10:30:00Z", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"rfc3339 nano", "2026-03-01T10:30:00.5Z", time.Date(2026, 3, 1, 10, 30, 0, 500000000, time.UTC)},
		{"datetime", "2026-03-01 10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"date only", "2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSince(tt.in, testNow)
			if err != nil {
				t.Fatalf("ParseSince(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSinceNaturalLanguage(t *testing.T) {
	got, err := ParseSince("yesterday", testNow)
	if err != nil {
		t.Fatalf("ParseSince(yesterday): %v", err)
	}
	wantDay := testNow.AddDate(0, 0, -1)
	if got.Year() != wantDay.Year() || got.Month() != wantDay.Month() || got.Day() != wantDay.Day() {
		t.Errorf("ParseSince(yesterday) = %v, want the previous day", got)
	}
}

func TestParseSinceErrors(t *testing.T) {
	for _, in := range []string{"", "not a time at all zzz"} {
		if _, err := ParseSince(in, testNow); err == nil {
			t.Errorf("ParseSince(%q) succeeded, want error", in)
		}
	}
}
