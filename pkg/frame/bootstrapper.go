package frame

import (
	"context"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/channel"
	"github.com/goliatone/go-xcookie/pkg/store"
	"github.com/google/uuid"
)

// Bootstrapper creates the single Session for a page on first use.
type Bootstrapper struct {
	bus      bus.Bus
	launcher Launcher
	cfg      Config
	logger   glog.Logger
	newToken func() string
	now      func() time.Time
	chanOpts []channel.Option

	once    sync.Once
	session *Session
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the logger used by the bootstrapper and its channel.
func WithLogger(logger glog.Logger) Option {
	return func(b *Bootstrapper) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTokenGenerator replaces the uuid session token source.
func WithTokenGenerator(fn func() string) Option {
	return func(b *Bootstrapper) {
		if fn != nil {
			b.newToken = fn
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bootstrapper) {
		if now != nil {
			b.now = now
		}
	}
}

// WithChannelOptions forwards options to the session channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(b *Bootstrapper) {
		b.chanOpts = append(b.chanOpts, opts...)
	}
}

func NewBootstrapper(b bus.Bus, launcher Launcher, cfg Config, opts ...Option) *Bootstrapper {
	defaults := DefaultConfig()
	if cfg.Resource == "" {
		cfg.Resource = defaults.Resource
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaults.AckTimeout
	}
	bs := &Bootstrapper{
		bus:      b,
		launcher: launcher,
		cfg:      cfg,
		logger:   glog.Nop(),
		newToken: uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bs)
		}
	}
	return bs
}

// Session returns the page session, creating and launching it on the first
// call. Later calls return the same session whatever its state.
func (b *Bootstrapper) Session(ctx context.Context) *Session {
	b.once.Do(func() {
		b.session = b.start(ctx)
	})
	return b.session
}

func (b *Bootstrapper) start(ctx context.Context) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	token := b.newToken()
	opts := append([]channel.Option{
		channel.WithTimeout(b.cfg.RequestTimeout),
		channel.WithLogger(b.logger),
		channel.WithRemoteOrigin(b.cfg.RemoteOrigin),
	}, b.chanOpts...)

	s := &Session{
		cfg:     b.cfg,
		token:   token,
		channel: channel.New(b.bus, token, b.cfg.Origin, opts...),
		logger:  b.logger,
		now:     b.now,
	}
	s.deadline = b.now().Add(b.cfg.HandshakeTimeout)

	doc := Document{
		Resource:     b.cfg.Resource,
		Token:        token,
		ParentOrigin: b.cfg.Origin,
		Bus:          b.bus,
	}
	switch {
	case b.bus == nil:
		s.failLaunch(fmt.Errorf("frame: no bus configured"))
		return s
	case b.launcher == nil:
		s.failLaunch(fmt.Errorf("frame: no launcher configured"))
		return s
	}

	// The launch belongs to the page, not to the first caller: it survives
	// that caller's cancellation and is bounded by the handshake instead.
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.HandshakeTimeout)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if err := b.launcher.Launch(launchCtx, doc); err != nil {
			b.logger.Warn("frame launch failed", "resource", doc.Resource, "error", err)
			s.failLaunch(err)
			return
		}
		b.logger.Debug("frame launched", "resource", doc.Resource, "origin", doc.ParentOrigin)
	}()

	timer := time.NewTimer(b.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.logger.Warn("frame launch still running at handshake deadline", "resource", doc.Resource)
	case <-ctx.Done():
	}
	return s
}

// Await waits for the session handshake.
func (b *Bootstrapper) Await(ctx context.Context) error {
	return b.Session(ctx).Await(ctx)
}

// Get reads name from the shared store.
func (b *Bootstrapper) Get(ctx context.Context, name string) (store.Value, error) {
	return b.Session(ctx).Get(ctx, name)
}

// Set writes name to the shared store.
func (b *Bootstrapper) Set(ctx context.Context, name, value string, expires time.Time) error {
	return b.Session(ctx).Set(ctx, name, value, expires)
}

// Close releases the session if one was created.
func (b *Bootstrapper) Close() {
	b.once.Do(func() {})
	if b.session != nil {
		b.session.Close()
	}
}
