package xcookie

import (
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/activity"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/store"
	"github.com/oklog/ulid/v2"
)

// Option configures a Resolver.
type Option func(*builder)

type builder struct {
	localStore     store.Store
	sharedStore    store.Store
	session        Session
	bus            bus.Bus
	launcher       frame.Launcher
	logger         glog.Logger
	loggerProvider glog.LoggerProvider
	hooks          activity.Hooks
	now            func() time.Time
	newID          func() string
	actorID        string
	tenantID       string
}

func defaultBuilder() builder {
	return builder{
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
}

// WithLocalStore sets the page's own cookie jar.
func WithLocalStore(s store.Store) Option {
	return func(b *builder) {
		b.localStore = s
	}
}

// WithSharedStore serves the shared document in process from s, bound to
// Config.SharedOrigin and guarded by Config.Policy. Ignored when a launcher
// or session is supplied.
func WithSharedStore(s store.Store) Option {
	return func(b *builder) {
		b.sharedStore = s
	}
}

// WithSession replaces the frame session entirely. Mostly useful in tests.
func WithSession(session Session) Option {
	return func(b *builder) {
		b.session = session
	}
}

// WithBus sets the message bus shared with the embedded document.
func WithBus(mb bus.Bus) Option {
	return func(b *builder) {
		b.bus = mb
	}
}

// WithLauncher sets how the embedded document is started.
func WithLauncher(launcher frame.Launcher) Option {
	return func(b *builder) {
		b.launcher = launcher
	}
}

func WithLogger(logger glog.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider glog.LoggerProvider) Option {
	return func(b *builder) {
		b.loggerProvider = provider
	}
}

// WithActivityHooks receives cookie.resolved and cookie.session.degraded
// events.
func WithActivityHooks(hooks ...activity.ActivityHook) Option {
	return func(b *builder) {
		b.hooks = append(b.hooks, hooks...)
	}
}

// WithActor tags emitted activity with an actor and tenant.
func WithActor(actorID, tenantID string) Option {
	return func(b *builder) {
		b.actorID = actorID
		b.tenantID = tenantID
	}
}

// WithClock overrides time.Now for expiry and activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithResolutionIDs overrides the ulid resolution id source.
func WithResolutionIDs(fn func() string) Option {
	return func(b *builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// GetOption tunes a single resolution.
type GetOption func(*getOptions)

type getOptions struct {
	mode    Mode
	timeout time.Duration
	expiry  time.Duration
}

// WithMode overrides Config.Mode for one resolution.
func WithMode(mode Mode) GetOption {
	return func(o *getOptions) {
		if mode.Valid() {
			o.mode = mode
		}
	}
}

// WithTimeout bounds the shared read of one resolution. The session's own
// request timeout still applies; the shorter wins.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithExpiry sets how long the written value lives in both scopes.
func WithExpiry(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.expiry = d
		}
	}
}
