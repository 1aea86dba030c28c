package headers

import (
	"strconv"
	"strings"
	"time"
)

// CacheFlags is a bit set of boolean Cache-Control directives.
type CacheFlags uint16

const (
	FlagNoCache CacheFlags = 1 << iota
	FlagMustRevalidate
	FlagProxyRevalidate
	FlagNoStore
	FlagPrivate
	FlagPublic
	FlagMustUnderstand
	FlagNoTransform
	FlagImmutable
	FlagOnlyIfCached
)

// flagNames holds the wire form of each flag, indexed by bit position.
// Serialization always walks this table in order, so the rendered flag
// order is stable regardless of how the flags were set.
var flagNames = [10]string{
	"no-cache",
	"must-revalidate",
	"proxy-revalidate",
	"no-store",
	"private",
	"public",
	"must-understand",
	"no-transform",
	"immutable",
	"only-if-cached",
}

// CacheControl is the Cache-Control response header (RFC 9111 Section
// 5.2): a set of boolean flags plus at most one time directive. When
// several time directives are set, only the highest-priority one is
// serialized.
type CacheControl struct {
	flags                CacheFlags
	maxAge               *time.Duration
	sMaxAge              *time.Duration
	staleWhileRevalidate *time.Duration
	staleIfError         *time.Duration
	maxStale             *time.Duration
	minFresh             *time.Duration
}

// NewCacheControl creates an empty CacheControl value.
func NewCacheControl() CacheControl {
	return CacheControl{}
}

// HasFlag reports whether all bits of flag are set. For the zero flag it
// reports whether no flags are set at all.
func (c CacheControl) HasFlag(flag CacheFlags) bool {
	if flag == 0 {
		return c.flags == 0
	}
	return c.flags&flag == flag
}

// Flags returns the current flag set.
func (c CacheControl) Flags() CacheFlags {
	return c.flags
}

// SetFlag returns a copy with the given flags added.
func (c CacheControl) SetFlag(flag CacheFlags) CacheControl {
	c.flags |= flag
	return c
}

// RemoveFlag returns a copy with the given flags cleared.
func (c CacheControl) RemoveFlag(flag CacheFlags) CacheControl {
	c.flags &^= flag
	return c
}

func (c CacheControl) SetMaxAge(d time.Duration) CacheControl {
	c.maxAge = &d
	return c
}

func (c CacheControl) SetSMaxAge(d time.Duration) CacheControl {
	c.sMaxAge = &d
	return c
}

func (c CacheControl) SetStaleWhileRevalidate(d time.Duration) CacheControl {
	c.staleWhileRevalidate = &d
	return c
}

func (c CacheControl) SetStaleIfError(d time.Duration) CacheControl {
	c.staleIfError = &d
	return c
}

func (c CacheControl) SetMaxStale(d time.Duration) CacheControl {
	c.maxStale = &d
	return c
}

func (c CacheControl) SetMinFresh(d time.Duration) CacheControl {
	c.minFresh = &d
	return c
}

func (c CacheControl) MaxAge() (time.Duration, bool) {
	return derefDuration(c.maxAge)
}

func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return derefDuration(c.sMaxAge)
}

func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return derefDuration(c.staleWhileRevalidate)
}

func (c CacheControl) StaleIfError() (time.Duration, bool) {
	return derefDuration(c.staleIfError)
}

func (c CacheControl) MaxStale() (time.Duration, bool) {
	return derefDuration(c.maxStale)
}

func (c CacheControl) MinFresh() (time.Duration, bool) {
	return derefDuration(c.minFresh)
}

func derefDuration(d *time.Duration) (time.Duration, bool) {
	if d == nil {
		return 0, false
	}
	return *d, true
}

func (c CacheControl) Name() string {
	return "cache-control"
}

// Build renders the flags in their fixed order followed by the single
// winning time directive. The priority table is evaluated top-down and
// the first set entry wins.
func (c CacheControl) Build() (string, error) {
	var parts []string
	for n, name := range flagNames {
		if c.HasFlag(CacheFlags(1) << n) {
			parts = append(parts, name)
		}
	}

	directives := []struct {
		name  string
		value *time.Duration
	}{
		{"max-age", c.maxAge},
		{"s-maxage", c.sMaxAge},
		{"stale-while-revalidate", c.staleWhileRevalidate},
		{"stale-if-error", c.staleIfError},
		{"max-stale", c.maxStale},
		{"min-fresh", c.minFresh},
	}
	for _, d := range directives {
		if d.value != nil {
			secs := int64(*d.value / time.Second)
			parts = append(parts, d.name+"="+strconv.FormatInt(secs, 10))
			break
		}
	}

	return strings.Join(parts, ", "), nil
}
