// Package channel correlates requests and responses over a shared bus. Each
// request gets a fresh correlation id and a one-shot waiter; responses are
// matched on token, id and kind, and everything else is dropped.
package channel

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/internal/errcode"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/wire"
	"github.com/oklog/ulid/v2"
)

const DefaultTimeout = 250 * time.Millisecond

type waiter struct {
	expect wire.Kind
	ch     chan wire.Message
}

// Channel is the page side of the protocol. It is safe for concurrent use.
type Channel struct {
	bus          bus.Bus
	token        string
	origin       string
	remoteOrigin string
	timeout      time.Duration
	newID        func() string
	logger       glog.Logger

	validator *wire.Validator
	cancel    func()

	mu      sync.Mutex
	pending map[string]waiter
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout bounds requests whose context carries no earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIDGenerator replaces the ulid correlation id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Channel) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithLogger sets the channel logger.
func WithLogger(logger glog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRemoteOrigin only accepts envelopes posted from origin.
func WithRemoteOrigin(origin string) Option {
	return func(c *Channel) {
		c.remoteOrigin = origin
	}
}

// New subscribes to b immediately so a ready posted right after launch is
// never missed. origin is stamped on every envelope this channel posts.
func New(b bus.Bus, token, origin string, opts ...Option) *Channel {
	c := &Channel{
		bus:     b,
		token:   token,
		origin:  origin,
		timeout: DefaultTimeout,
		newID:   func() string { return ulid.Make().String() },
		logger:  glog.Nop(),
		pending: map[string]waiter{},
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.validator = wire.NewValidator(token, c.isPending, wire.KindReady, wire.KindGetResponse, wire.KindSetAck)
	c.validator.Origin = c.remoteOrigin
	if b != nil {
		c.cancel = b.Subscribe(c.receive)
	} else {
		c.cancel = func() {}
	}
	return c
}

// Token returns the session token this channel filters on.
func (c *Channel) Token() string { return c.token }

// Ready is closed once the first valid ready message arrives.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// IsReady reports whether ready has been observed.
func (c *Channel) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped returns rejection counters of inbound payloads.
func (c *Channel) Dropped() map[wire.Reason]int {
	return c.validator.Stats()
}

// Request posts msg exactly once with a fresh correlation id and waits for
// the matching response. It never retries.
func (c *Channel) Request(ctx context.Context, msg wire.Message) (wire.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	expect, ok := msg.Kind.Response()
	if !ok {
		return wire.Message{}, errcode.New("channel: kind is not a request", goerrors.CategoryBadInput, errcode.BadInput, map[string]any{"kind": string(msg.Kind)})
	}
	if c.bus == nil {
		return wire.Message{}, errcode.New("channel: no bus configured", goerrors.CategoryInternal, errcode.Internal, nil)
	}

	msg.Token = c.token
	msg.CID = c.newID()
	w := waiter{expect: expect, ch: make(chan wire.Message, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Message{}, errcode.ClosedErr("channel: closed")
	}
	c.pending[msg.CID] = w
	c.mu.Unlock()
	defer c.forget(msg.CID)

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Debug("channel request posted", "kind", msg.Kind, "cid", msg.CID, "name", msg.Name)
	c.bus.Post(bus.Envelope{Origin: c.origin, Data: msg.Payload()})

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return wire.Message{}, errcode.ClosedErr("channel: closed while waiting")
		}
		return resp, nil
	case <-ctx.Done():
		c.logger.Debug("channel request timed out", "kind", msg.Kind, "cid", msg.CID, "name", msg.Name)
		return wire.Message{}, errcode.Wrap(ctx.Err(), goerrors.CategoryOperation, "channel: request timed out", errcode.RequestTimeout, map[string]any{
			"cid":  msg.CID,
			"kind": string(msg.Kind),
			"name": msg.Name,
		})
	}
}

// Send posts msg with a fresh correlation id without waiting for an answer.
// Any response is dropped as uncorrelated.
func (c *Channel) Send(msg wire.Message) (string, error) {
	if !msg.Kind.IsRequest() {
		return "", errcode.New("channel: kind is not a request", goerrors.CategoryBadInput, errcode.BadInput, map[string]any{"kind": string(msg.Kind)})
	}
	if c.bus == nil {
		return "", errcode.New("channel: no bus configured", goerrors.CategoryInternal, errcode.Internal, nil)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", errcode.ClosedErr("channel: closed")
	}
	msg.Token = c.token
	msg.CID = c.newID()
	c.logger.Debug("channel message sent", "kind", msg.Kind, "cid", msg.CID, "name", msg.Name)
	c.bus.Post(bus.Envelope{Origin: c.origin, Data: msg.Payload()})
	return msg.CID, nil
}

// Close unsubscribes and fails outstanding requests.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for cid, w := range c.pending {
		close(w.ch)
		delete(c.pending, cid)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Channel) forget(cid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, cid)
}

func (c *Channel) isPending(cid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[cid]
	return ok
}

func (c *Channel) receive(env bus.Envelope) {
	if c.remoteOrigin != "" && env.Origin != c.remoteOrigin {
		return
	}
	msg, ok := c.validator.Validate(env.Data)
	if !ok {
		return
	}
	if msg.Kind == wire.KindReady {
		c.readyOnce.Do(func() {
			c.logger.Debug("channel ready", "origin", env.Origin)
			close(c.ready)
		})
		return
	}

	c.mu.Lock()
	w, found := c.pending[msg.CID]
	if found && w.expect == msg.Kind {
		delete(c.pending, msg.CID)
	} else {
		found = false
	}
	c.mu.Unlock()
	if !found {
		c.logger.Debug("channel response dropped", "kind", msg.Kind, "cid", msg.CID)
		return
	}
	w.ch <- msg
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return errcode.Is(err, errcode.RequestTimeout) }

// IsClosed reports whether err came from a closed channel.
func IsClosed(err error) bool { return errcode.Is(err, errcode.Closed) }
