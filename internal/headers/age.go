package headers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Age is the Age response header (RFC 9111 Section 5.1): a non-negative
// duration in whole seconds since the response left the origin.
type Age struct {
	value time.Duration
}

// AgeFromOrigin is an age of zero seconds, meaning the response came
// directly from the origin server.
var AgeFromOrigin = Age{}

// NewAge creates an Age from a duration. Negative durations are invalid.
func NewAge(d time.Duration) (Age, error) {
	if d < 0 {
		return Age{}, fmt.Errorf("age cannot be negative, got %v", d)
	}
	return Age{value: d}, nil
}

// AgeSince creates an Age measured from a past point in time. A future
// time yields a zero age.
func AgeSince(t time.Time) Age {
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	return Age{value: d}
}

// ParseAge parses a wire-format Age value (decimal whole seconds).
func ParseAge(s string) (Age, error) {
	secs, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Age{}, fmt.Errorf("invalid age value %q: %w", s, err)
	}
	return Age{value: time.Duration(secs) * time.Second}, nil
}

// Duration returns the underlying duration.
func (a Age) Duration() time.Duration {
	return a.value
}

func (a Age) Name() string {
	return "age"
}

func (a Age) Build() (string, error) {
	return strconv.FormatUint(uint64(a.value/time.Second), 10), nil
}
