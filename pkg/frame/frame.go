// Package frame bootstraps the session with the embedded shared-store
// document: one token, one channel, one launch, and a bounded wait for the
// document to announce itself.
package frame

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/internal/errcode"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/channel"
	"github.com/goliatone/go-xcookie/pkg/store"
	"github.com/goliatone/go-xcookie/pkg/wire"
)

// Document describes the shared-store document a Launcher must start.
type Document struct {
	Resource     string
	Token        string
	ParentOrigin string
	Bus          bus.Bus
}

// Launcher starts a document. Launch must return once the document has been
// started and must not retain ctx afterwards.
type Launcher interface {
	Launch(ctx context.Context, doc Document) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, doc Document) error

func (fn LauncherFunc) Launch(ctx context.Context, doc Document) error {
	return fn(ctx, doc)
}

// Config holds the session timings.
type Config struct {
	Resource         string
	Origin           string
	RemoteOrigin     string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	AckTimeout       time.Duration
	AwaitAck         bool
}

// DefaultConfig mirrors the resolver defaults.
func DefaultConfig() Config {
	return Config{
		Resource:         "/xdomain_cookie.html",
		HandshakeTimeout: 300 * time.Millisecond,
		RequestTimeout:   250 * time.Millisecond,
		AckTimeout:       250 * time.Millisecond,
		AwaitAck:         true,
	}
}

// State of a session.
type State string

const (
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// Session is one launched document and the channel talking to it.
type Session struct {
	cfg      Config
	token    string
	channel  *channel.Channel
	logger   glog.Logger
	now      func() time.Time
	deadline time.Time

	mu           sync.Mutex
	launchErr    error
	degradedOnce sync.Once
}

func (s *Session) failLaunch(err error) {
	s.mu.Lock()
	s.launchErr = err
	s.mu.Unlock()
}

// Token returns the session token.
func (s *Session) Token() string { return s.token }

// Channel exposes the underlying channel.
func (s *Session) Channel() *channel.Channel { return s.channel }

// State reports the current session state. A late ready moves a degraded
// session back to ready.
func (s *Session) State() State {
	if s.channel.IsReady() {
		return StateReady
	}
	s.mu.Lock()
	failed := s.launchErr != nil
	s.mu.Unlock()
	if failed || !s.now().Before(s.deadline) {
		return StateDegraded
	}
	return StatePending
}

// Await returns nil once the document is ready. It waits at most until the
// handshake deadline; afterwards it fails fast with a degraded error.
func (s *Session) Await(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.channel.IsReady() {
		return nil
	}
	s.mu.Lock()
	launchErr := s.launchErr
	s.mu.Unlock()
	if launchErr != nil {
		return errcode.Wrap(launchErr, goerrors.CategoryExternal, "frame: document launch failed", errcode.SessionDegraded, s.meta())
	}

	remaining := s.deadline.Sub(s.now())
	if remaining <= 0 {
		return s.degraded()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-s.channel.Ready():
		return nil
	case <-timer.C:
		return s.degraded()
	case <-ctx.Done():
		return errcode.Wrap(ctx.Err(), goerrors.CategoryExternal, "frame: handshake wait cancelled", errcode.SessionDegraded, s.meta())
	}
}

// Get fetches name from the shared store.
func (s *Session) Get(ctx context.Context, name string) (store.Value, error) {
	ctx, cancel := s.bounded(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.channel.Request(ctx, wire.Message{Kind: wire.KindGetRequest, Name: name})
	if err != nil {
		return store.Absent(), err
	}
	return store.FromPtr(resp.Value), nil
}

// Set writes name to the shared store. With AwaitAck it waits for the ack up
// to AckTimeout; a missing ack is reported and not retried.
func (s *Session) Set(ctx context.Context, name, value string, expires time.Time) error {
	msg := wire.Message{Kind: wire.KindSetRequest, Name: name, Value: &value}
	if !expires.IsZero() {
		msg.Expires = expires.UnixMilli()
	}
	if !s.cfg.AwaitAck {
		_, err := s.channel.Send(msg)
		return err
	}
	ctx, cancel := s.bounded(ctx, s.cfg.AckTimeout)
	defer cancel()
	_, err := s.channel.Request(ctx, msg)
	return err
}

// Close releases the channel.
func (s *Session) Close() {
	s.channel.Close()
}

func (s *Session) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (s *Session) degraded() error {
	s.degradedOnce.Do(func() {
		s.logger.Warn("frame session degraded", "token", s.token, "resource", s.cfg.Resource, "handshake_timeout", s.cfg.HandshakeTimeout.String())
	})
	return errcode.Degraded("frame: shared store did not become ready", s.meta())
}

func (s *Session) meta() map[string]any {
	return map[string]any{
		"resource": s.cfg.Resource,
		"token":    s.token,
	}
}

// IsDegraded reports whether err marks a degraded session.
func IsDegraded(err error) bool { return errcode.Is(err, errcode.SessionDegraded) }
