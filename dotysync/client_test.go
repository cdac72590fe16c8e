package dotysync

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("120"); got != 2*time.Minute {
		t.Fatalf("got %v", got)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	at := time.Now().Add(90 * time.Second).UTC()
	got := parseRetryAfter(at.Format(http.TimeFormat))
	if got < 80*time.Second || got > 90*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestParseRetryAfterFallsBack(t *testing.T) {
	for _, v := range []string{"", "garbage", "-5"} {
		if got := parseRetryAfter(v); got != time.Minute {
			t.Fatalf("parseRetryAfter(%q) = %v, want 1m", v, got)
		}
	}
}
