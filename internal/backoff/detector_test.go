package backoff

import (
	"testing"
	"time"
)

func TestDetectGenericMarkers(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		pattern string
	}{
		{"usage_limit", "Sorry, usage limit reached for today.", "usage_limit"},
		{"daily_limit", "Daily limit reached, come back later", "usage_limit"},
		{"rate_limit", "Error 429: rate limit exceeded", "rate_limit"},
		{"too_many_requests", "too many requests, slow down", "rate_limit"},
		{"overloaded", "The service is currently overloaded.", "overloaded"},
		{"high_demand", "We are experiencing unusually high demand", "overloaded"},
		{"quota", "Quota exceeded for this billing period", "quota"},
		{"try_later", "Something went wrong, please try again later", "try_later"},
		{"case_insensitive", "USAGE LIMIT REACHED", "usage_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := Detect(tt.output)
			if det == nil {
				t.Fatalf("Detect(%q) = nil, want pattern %s", tt.output, tt.pattern)
			}
			if det.Kind != KindGeneric {
				t.Errorf("Kind = %v, want KindGeneric", det.Kind)
			}
			if det.Pattern != tt.pattern {
				t.Errorf("Pattern = %q, want %q", det.Pattern, tt.pattern)
			}
		})
	}
}

func TestDetectNoMarker(t *testing.T) {
	for _, output := range []string{
		"",
		"All tests passing, task complete.",
		"wrote 14 files, no errors",
	} {
		if det := Detect(output); det != nil {
			t.Errorf("Detect(%q) = %+v, want nil", output, det)
		}
	}
}

func TestDetectTimedMarker(t *testing.T) {
	det := Detect("You are blocked until 3pm.")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Kind != KindTimed {
		t.Fatalf("Kind = %v, want KindTimed", det.Kind)
	}
	if det.Pattern != "timed_resume" {
		t.Errorf("Pattern = %q, want timed_resume", det.Pattern)
	}
	if !det.ResumeAt.After(time.Now()) {
		t.Errorf("ResumeAt %v not in the future", det.ResumeAt)
	}
}

func TestDetectTimedTakesPrecedenceOverGeneric(t *testing.T) {
	det := Detect("rate limit hit, resets at 9:30am tomorrow")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Kind != KindTimed {
		t.Errorf("Kind = %v, want KindTimed when a parseable time is present", det.Kind)
	}
}

func TestDetectUnparseableTimeFallsBackToGeneric(t *testing.T) {
	// Timed phrase with an invalid hour plus a generic marker nearby.
	det := Detect("rate limit: try again at 25:00")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Kind != KindGeneric || det.Pattern != "rate_limit" {
		t.Errorf("got kind=%v pattern=%q, want generic rate_limit", det.Kind, det.Pattern)
	}

	// Timed phrase alone, unparseable: degraded detection, not a miss.
	det = Detect("service resumes at 99:99")
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Kind != KindGeneric || det.Pattern != "unparsed_time" {
		t.Errorf("got kind=%v pattern=%q, want generic unparsed_time", det.Kind, det.Pattern)
	}
}

func TestDetectTimedParsing(t *testing.T) {
	// now = 10:00 local on a fixed day.
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)

	tests := []struct {
		name   string
		output string
		want   time.Time
	}{
		{
			"afternoon_same_day",
			"blocked until 3pm",
			time.Date(2026, 3, 10, 15, 0, 0, 0, time.Local),
		},
		{
			"with_minutes",
			"resets at 11:45am",
			time.Date(2026, 3, 10, 11, 45, 0, 0, time.Local),
		},
		{
			"already_past_rolls_over",
			"try again at 9am",
			time.Date(2026, 3, 11, 9, 0, 0, 0, time.Local),
		},
		{
			"explicit_tomorrow_future_time",
			"resets at 9:30am tomorrow",
			time.Date(2026, 3, 11, 9, 30, 0, 0, time.Local),
		},
		{
			"24h_clock",
			"available again at 17:00",
			time.Date(2026, 3, 10, 17, 0, 0, 0, time.Local),
		},
		{
			"midnight_12am",
			"back at 12am",
			time.Date(2026, 3, 11, 0, 0, 0, 0, time.Local),
		},
		{
			"noon_12pm",
			"resume at 12pm",
			time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := detectTimed(tt.output, now)
			if err != nil {
				t.Fatalf("detectTimed(%q) error: %v", tt.output, err)
			}
			if det == nil {
				t.Fatalf("detectTimed(%q) = nil", tt.output)
			}
			if !det.ResumeAt.Equal(tt.want) {
				t.Errorf("ResumeAt = %v, want %v", det.ResumeAt, tt.want)
			}
		})
	}
}

func TestDetectTimedAfternoonRollsToTomorrow(t *testing.T) {
	// At 16:00, "until 3pm" means tomorrow 15:00.
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.Local)
	det, err := detectTimed("blocked until 3pm", now)
	if err != nil || det == nil {
		t.Fatalf("detectTimed error: %v det: %+v", err, det)
	}
	want := time.Date(2026, 3, 11, 15, 0, 0, 0, time.Local)
	if !det.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %v, want %v", det.ResumeAt, want)
	}
}

func TestResumeTimestampExplicitTomorrowNeverToday(t *testing.T) {
	// Even though 18:00 is still ahead of 10:00, "tomorrow" pins the next day.
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)
	got := resumeTimestamp(now, 18, 0, true)
	want := time.Date(2026, 3, 11, 18, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("resumeTimestamp = %v, want %v", got, want)
	}
}

func TestDetectTimedRejectsBadMinutes(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)
	if _, err := detectTimed("resets at 9:75am", now); err == nil {
		t.Error("expected error for minute > 59")
	}
}
