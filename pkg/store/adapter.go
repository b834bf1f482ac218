package store

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Adapter is the best-effort boundary over a Store. Reads never fail: an
// unavailable store, a lookup error or an expired record all read as Absent.
// Writes never fail either: errors are logged and dropped.
type Adapter struct {
	store  Store
	domain string
	path   string
	logger glog.Logger
	now    func() time.Time
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger used for dropped operations.
func WithAdapterLogger(logger glog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAdapterClock overrides the clock used for expiry checks.
func WithAdapterClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter binds store to the default domain and path used by Read/Write.
func NewAdapter(store Store, domain, path string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		store:  store,
		domain: strings.TrimSpace(domain),
		path:   strings.TrimSpace(path),
		logger: glog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Domain returns the bound cookie domain.
func (a *Adapter) Domain() string {
	if a == nil {
		return ""
	}
	return a.domain
}

// Key builds the bound key for name.
func (a *Adapter) Key(name string) Key {
	return Key{Name: name, Domain: a.Domain(), Path: a.boundPath()}.Normalize()
}

func (a *Adapter) boundPath() string {
	if a == nil || a.path == "" {
		return DefaultPath
	}
	return a.path
}

// Read returns the value stored for name under the bound domain/path.
func (a *Adapter) Read(ctx context.Context, name string) Value {
	return a.ReadAt(ctx, a.Key(name))
}

// ReadAt returns the value stored for key.
func (a *Adapter) ReadAt(ctx context.Context, key Key) Value {
	if a == nil || a.store == nil {
		return Absent()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record, ok, err := a.store.Load(ctx, key.Normalize())
	if err != nil {
		a.logger.Warn("store read dropped", "name", key.Name, "domain", key.Domain, "error", err)
		return Absent()
	}
	if !ok || record.Expired(a.now()) {
		return Absent()
	}
	return Some(record.Value)
}

// Write stores value for name under the bound domain/path. It reports whether
// the write reached the store.
func (a *Adapter) Write(ctx context.Context, name, value string, expires time.Time) bool {
	return a.WriteAt(ctx, a.Key(name), value, expires)
}

// WriteAt stores value for key.
func (a *Adapter) WriteAt(ctx context.Context, key Key, value string, expires time.Time) bool {
	if a == nil || a.store == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record := Record{
		Key:       key.Normalize(),
		Value:     value,
		Expires:   expires,
		UpdatedAt: a.now(),
	}
	if err := a.store.Save(ctx, record); err != nil {
		a.logger.Warn("store write dropped", "name", key.Name, "domain", key.Domain, "error", err)
		return false
	}
	return true
}
