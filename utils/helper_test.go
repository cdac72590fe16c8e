package utils

import (
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+420 777 123 456": "+420777123456",
		"(777) 123-456":    "777123456",
		"777 123 456+":     "777123456",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseProviderTime(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2026-03-05T10:15:00Z", true, time.Date(2026, 3, 5, 10, 15, 0, 0, time.UTC)},
		{"2026-03-05T10:15:00+02:00", true, time.Date(2026, 3, 5, 10, 15, 0, 0, time.FixedZone("", 2*3600))},
		{"2026-03-05T10:15:00", true, time.Date(2026, 3, 5, 10, 15, 0, 0, time.UTC)},
		{"2026-03-05", true, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"", false, time.Time{}},
		{"not a date", false, time.Time{}},
	}
	for _, tc := range cases {
		got, ok := ParseProviderTime(tc.in)
		if ok != tc.ok {
			t.Errorf("ParseProviderTime(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && !got.Equal(tc.want) {
			t.Errorf("ParseProviderTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]string{"cash", "card", "cash", "wolt", "card"})
	want := []string{"cash", "card", "wolt"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	if !IsValidEmail("jan.novak@example.com") {
		t.Fatal("valid email rejected")
	}
	for _, bad := range []string{"", "novak", "novak@", "@example.com"} {
		if IsValidEmail(bad) {
			t.Fatalf("invalid email accepted: %q", bad)
		}
	}
}
