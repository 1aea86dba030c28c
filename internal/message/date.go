package message

import (
	"net/http"
	"sync/atomic"
	"time"
)

// DateService provides the Date header value from a cache refreshed at
// second granularity, so response emission does not format a time string
// per response.
type DateService struct {
	now     func() time.Time
	current atomic.Pointer[cachedDate]
}

type cachedDate struct {
	unix  int64
	value string
}

// NewDateService returns a DateService backed by the system clock.
func NewDateService() *DateService {
	return &DateService{now: time.Now}
}

// NewDateServiceWithClock returns a DateService using now as its clock.
// Intended for tests.
func NewDateServiceWithClock(now func() time.Time) *DateService {
	return &DateService{now: now}
}

// Date returns the current HTTP-date string. Two calls within the same
// second return the identical cached value.
func (d *DateService) Date() string {
	now := d.now()
	sec := now.Unix()
	if c := d.current.Load(); c != nil && c.unix == sec {
		return c.value
	}
	v := now.UTC().Format(http.TimeFormat)
	d.current.Store(&cachedDate{unix: sec, value: v})
	return v
}
