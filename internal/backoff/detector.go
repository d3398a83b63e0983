// Package backoff detects temporary-unavailability signals in session output
// and computes when to resume dispatching.
package backoff

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrAmbiguousDetection is returned when output matched a time-specific
// marker but the time could not be parsed into a usable resume timestamp.
// Callers fall back to the generic exponential-backoff path.
var ErrAmbiguousDetection = errors.New("unavailability time could not be parsed")

// Kind distinguishes the two pattern classes.
type Kind int

const (
	// KindGeneric is a fixed unavailability phrase with no resume time.
	KindGeneric Kind = iota
	// KindTimed names an explicit resume hour.
	KindTimed
)

// Detection is the result of scanning session output.
type Detection struct {
	Kind    Kind
	Pattern string // category of the signal, e.g. "usage_limit"
	Matched string // the text that triggered detection
	// ResumeAt is set for KindTimed detections.
	ResumeAt time.Time
}

// genericMarkers maps a pattern category to the phrases that indicate it.
// Matching is case-insensitive substring search; order matters, the first
// category hit wins.
var genericMarkers = []struct {
	pattern string
	phrases []string
}{
	{"usage_limit", []string{"usage limit reached", "usage limit", "daily limit reached"}},
	{"rate_limit", []string{"rate limit", "too many requests", "request limit"}},
	{"overloaded", []string{"overloaded", "capacity constraints", "experiencing high demand", "unusually high demand"}},
	{"quota", []string{"quota exceeded", "out of quota"}},
	{"try_later", []string{"try again later", "please try again", "temporarily unavailable"}},
}

// timedMarkerRegex matches phrases that name an explicit resume hour:
// "until 3pm", "resets at 9:30am", "try again at 17:00", optionally
// qualified by "tomorrow" nearby.
var timedMarkerRegex = regexp.MustCompile(
	`(?i)\b(?:until|resets?\s*(?:at)?|try again at|available\s+(?:again\s+)?at|back at|resume[s]?\s+at)\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)

var tomorrowRegex = regexp.MustCompile(`(?i)\btomorrow\b`)

// Detect scans output text for unavailability markers. Time-specific markers
// take precedence over generic ones; if the time cannot be parsed the
// detection degrades to the generic class. Returns nil when nothing matched.
func Detect(output string) *Detection {
	det, err := detectTimed(output, time.Now())
	if det != nil && err == nil {
		return det
	}
	// err != nil means a timed marker matched but was unparseable; fall
	// through to the generic path per the ambiguity policy.

	lower := strings.ToLower(output)
	for _, marker := range genericMarkers {
		for _, phrase := range marker.phrases {
			if idx := strings.Index(lower, phrase); idx >= 0 {
				return &Detection{
					Kind:    KindGeneric,
					Pattern: marker.pattern,
					Matched: output[idx : idx+len(phrase)],
				}
			}
		}
	}

	if err != nil {
		// Timed marker with no recognizable generic phrase around it:
		// still a detection, handled with generic backoff.
		return &Detection{
			Kind:    KindGeneric,
			Pattern: "unparsed_time",
			Matched: err.Error(),
		}
	}
	return nil
}

// detectTimed extracts an explicit resume time evaluated against now.
// Returns (nil, nil) when no timed marker is present, and
// (nil, ErrAmbiguousDetection-wrapped) when one is present but unusable.
func detectTimed(output string, now time.Time) (*Detection, error) {
	m := timedMarkerRegex.FindStringSubmatchIndex(output)
	if m == nil {
		return nil, nil
	}

	matched := output[m[0]:m[1]]
	hourStr := output[m[2]:m[3]]
	minuteStr := ""
	if m[4] >= 0 {
		minuteStr = output[m[4]:m[5]]
	}
	meridiem := ""
	if m[6] >= 0 {
		meridiem = strings.ToLower(output[m[6]:m[7]])
	}

	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", matched, ErrAmbiguousDetection)
	}
	minute := 0
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil || minute > 59 {
			return nil, fmt.Errorf("%q: %w", matched, ErrAmbiguousDetection)
		}
	}

	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return nil, fmt.Errorf("%q: %w", matched, ErrAmbiguousDetection)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return nil, fmt.Errorf("%q: %w", matched, ErrAmbiguousDetection)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return nil, fmt.Errorf("%q: %w", matched, ErrAmbiguousDetection)
		}
	}

	resumeAt := resumeTimestamp(now, hour, minute, tomorrowRegex.MatchString(output))

	return &Detection{
		Kind:     KindTimed,
		Pattern:  "timed_resume",
		Matched:  matched,
		ResumeAt: resumeAt,
	}, nil
}

// resumeTimestamp computes the resume time for "today at hour:minute" in
// local time. If that moment is not strictly in the future it rolls to the
// next calendar day; an explicit "tomorrow" always uses the next day
// regardless of whether today's time has passed.
func resumeTimestamp(now time.Time, hour, minute int, tomorrow bool) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if tomorrow {
		return candidate.AddDate(0, 0, 1)
	}
	if !candidate.After(now) {
		return candidate.AddDate(0, 0, 1)
	}
	return candidate
}
