package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable reports a store that cannot serve reads or writes.
var ErrUnavailable = errors.New("store: unavailable")

// DefaultPath is used when a Key does not carry an explicit path.
const DefaultPath = "/"

// Value is an optional cookie value. The zero Value is absent.
type Value struct {
	Data    string `json:"data"`
	Present bool   `json:"present"`
}

// Some wraps data as a present value.
func Some(data string) Value {
	return Value{Data: data, Present: true}
}

// Absent returns the "not present" value.
func Absent() Value {
	return Value{}
}

// Get returns the data and whether it is present.
func (v Value) Get() (string, bool) {
	return v.Data, v.Present
}

// Or returns the data when present, fallback otherwise.
func (v Value) Or(fallback string) string {
	if v.Present {
		return v.Data
	}
	return fallback
}

// Ptr returns a pointer to the data, nil when absent.
func (v Value) Ptr() *string {
	if !v.Present {
		return nil
	}
	data := v.Data
	return &data
}

// FromPtr converts a nullable string into a Value.
func FromPtr(data *string) Value {
	if data == nil {
		return Absent()
	}
	return Some(*data)
}

func (v Value) String() string {
	if !v.Present {
		return "<absent>"
	}
	return fmt.Sprintf("%q", v.Data)
}

// Key identifies one cookie within one origin's jar.
type Key struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Identifier returns the canonical storage key. Names are opaque and used
// byte for byte; only the empty name is rejected.
func (k Key) Identifier() (string, error) {
	if k.Name == "" {
		return "", fmt.Errorf("store: key name is required")
	}
	return fmt.Sprintf("%s|%s|%s", strings.ToLower(strings.TrimSpace(k.Domain)), k.normalizedPath(), k.Name), nil
}

func (k Key) normalizedPath() string {
	path := strings.TrimSpace(k.Path)
	if path == "" {
		return DefaultPath
	}
	return path
}

// Normalize lowercases the domain and applies the default path. The name is
// left untouched.
func (k Key) Normalize() Key {
	return Key{
		Name:   k.Name,
		Domain: strings.ToLower(strings.TrimSpace(k.Domain)),
		Path:   k.normalizedPath(),
	}
}

// Record is one stored cookie.
type Record struct {
	Key       Key       `json:"key"`
	Value     string    `json:"value"`
	Expires   time.Time `json:"expires,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Expired reports whether the record is past its expiry at now. A zero
// Expires never expires.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Store loads/saves one record for a single key.
type Store interface {
	Load(ctx context.Context, key Key) (record Record, ok bool, err error)
	Save(ctx context.Context, record Record) error
}

// DomainOf returns the cookie domain for an origin such as
// https://iframe.com:8443. Inputs that are not URLs are returned trimmed.
func DomainOf(origin string) string {
	origin = strings.TrimSpace(origin)
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return origin
}
