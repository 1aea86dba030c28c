// Package headers provides typed values for a small set of standard
// response headers. Each type knows its canonical header name and how to
// serialize itself; invalid values are rejected when the value is built,
// never silently clamped.
package headers

// Header is a typed header value that can render itself to a wire string.
type Header interface {
	// Name returns the canonical lowercase header name.
	Name() string
	// Build serializes the value. An empty string with a nil error means
	// the header should be omitted entirely.
	Build() (string, error)
}
