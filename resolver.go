// Package xcookie resolves a named value shared between several origins that
// all embed one shared-store document. The page's own jar wins over the
// shared copy, which wins over the caller's default; the outcome is written
// back so every origin converges on it.
package xcookie

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/internal/errcode"
	"github.com/goliatone/go-xcookie/pkg/activity"
	"github.com/goliatone/go-xcookie/pkg/channel"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/sharedstore"
	"github.com/goliatone/go-xcookie/pkg/store"
)

// Mode selects which scopes a resolution consults.
type Mode string

const (
	// ModeStandard reads and writes the page jar and the shared store.
	ModeStandard Mode = "standard"
	// ModeSharedOnly never touches the page jar.
	ModeSharedOnly Mode = "shared-only"
)

func (m Mode) Valid() bool {
	return m == ModeStandard || m == ModeSharedOnly
}

// Session is the page's link to the shared store. *frame.Bootstrapper
// satisfies it.
type Session interface {
	Await(ctx context.Context) error
	Get(ctx context.Context, name string) (store.Value, error)
	Set(ctx context.Context, name, value string, expires time.Time) error
}

var _ Session = (*frame.Bootstrapper)(nil)

// Result is the outcome of one resolution. Final is always set.
type Result struct {
	ID       string
	Name     string
	Existing store.Value
	Final    string
	Source   string
	Mode     Mode
	Degraded bool
	// SharedErr is the last shared read or write failure, kept for
	// observability only.
	SharedErr error
	Trace     Trace
}

// Resolver runs resolutions for one page.
type Resolver struct {
	cfg     Config
	local   *store.Adapter
	session Session
	logger  glog.Logger
	emitter *activity.Emitter
	now     func() time.Time
	newID   func() string

	closeOnce sync.Once
	closers   []func()
}

// New builds a Resolver. Without a bus or session every resolution runs
// degraded against the local jar and the default.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errcode.Wrap(err, goerrors.CategoryValidation, "xcookie: invalid config", errcode.BadInput, nil)
	}

	b := defaultBuilder()
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	logs := resolveLoggers(b.loggerProvider, b.logger)

	r := &Resolver{
		cfg:     cfg,
		logger:  logs.root,
		emitter: activity.NewEmitter(b.hooks, cfg.Activity, activity.WithIdentity(b.actorID, b.tenantID)),
		now:     b.now,
		newID:   b.newID,
		local: store.NewAdapter(b.localStore, cfg.Domain, cfg.Path,
			store.WithAdapterLogger(logs.store),
			store.WithAdapterClock(b.now),
		),
	}
	session, err := r.buildSession(b, logs)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.session = session
	return r, nil
}

func (r *Resolver) buildSession(b builder, logs loggers) (Session, error) {
	if b.session != nil {
		return b.session, nil
	}
	if b.bus == nil {
		r.logger.Warn("xcookie: no bus configured, resolutions run degraded", "origin", r.cfg.Origin)
		return nil, nil
	}

	launcher := b.launcher
	if launcher == nil {
		if b.sharedStore == nil {
			return nil, errcode.New("xcookie: a launcher or shared store is required with a bus",
				goerrors.CategoryBadInput, errcode.BadInput, nil)
		}
		if strings.TrimSpace(r.cfg.SharedOrigin) == "" {
			return nil, errcode.New("xcookie: shared_origin is required to serve the shared store",
				goerrors.CategoryBadInput, errcode.BadInput, nil)
		}
		access, err := policy.CompileAll(r.cfg.Policy,
			policy.WithEvaluatorLogger(policy.GlogEvaluatorLogger(logs.sharedStore)),
			policy.WithClock(b.now),
		)
		if err != nil {
			return nil, err
		}
		l := sharedstore.NewLauncher(r.cfg.SharedOrigin, b.sharedStore, access, logs.sharedStore)
		r.closers = append(r.closers, l.Close)
		launcher = l
	}

	bs := frame.NewBootstrapper(b.bus, launcher, frame.Config{
		Resource:         r.cfg.Resource,
		Origin:           r.cfg.Origin,
		RemoteOrigin:     r.cfg.SharedOrigin,
		HandshakeTimeout: r.cfg.Timeouts.Handshake,
		RequestTimeout:   r.cfg.Timeouts.Request,
		AckTimeout:       r.cfg.Timeouts.Ack,
		AwaitAck:         r.cfg.AwaitAck,
	},
		frame.WithLogger(logs.frame),
		frame.WithClock(b.now),
		frame.WithChannelOptions(channel.WithLogger(logs.channel)),
	)
	r.closers = append([]func(){bs.Close}, r.closers...)
	return bs, nil
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config { return r.cfg }

// Close releases the session and any in-process shared document.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		for _, closer := range r.closers {
			closer()
		}
	})
}

// Get resolves name. It always returns, with Final set to the strongest
// present value or def.
func (r *Resolver) Get(ctx context.Context, name, def string, opts ...GetOption) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	o := getOptions{mode: r.cfg.Mode, expiry: r.cfg.Expiry}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	res := &resolution{
		r:       r,
		id:      r.newID(),
		name:    name,
		def:     def,
		opts:    o,
		started: r.now(),
	}
	return res.run(ctx)
}

// GetAsync resolves name on its own goroutine. The channel yields exactly
// one Result and is then closed.
func (r *Resolver) GetAsync(ctx context.Context, name, def string, opts ...GetOption) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- r.Get(ctx, name, def, opts...)
	}()
	return out
}

// GetFunc resolves name in the background and calls fn exactly once with the
// result.
func (r *Resolver) GetFunc(ctx context.Context, name, def string, fn func(Result), opts ...GetOption) {
	results := r.GetAsync(ctx, name, def, opts...)
	go func() {
		result := <-results
		if fn != nil {
			fn(result)
		}
	}()
}

type state int

const (
	stateInit state = iota
	stateAwaitSession
	stateReadLocal
	stateSharedGet
	stateResolve
	stateWriteShared
	stateWriteLocal
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateAwaitSession:
		return "await-session"
	case stateReadLocal:
		return "read-local"
	case stateSharedGet:
		return "shared-get"
	case stateResolve:
		return "resolve"
	case stateWriteShared:
		return "write-shared"
	case stateWriteLocal:
		return "write-local"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type resolution struct {
	r       *Resolver
	id      string
	name    string
	def     string
	opts    getOptions
	started time.Time

	local          store.Value
	shared         store.Value
	degraded       bool
	degradedReason error
	sharedErr      error
	result         Result
}

func (res *resolution) run(ctx context.Context) Result {
	current := stateInit
	for current != stateDone {
		next := res.step(ctx, current)
		res.r.logger.Debug("xcookie resolution step",
			"resolution_id", res.id, "name", res.name, "from", current.String(), "to", next.String())
		current = next
	}
	res.finish(ctx)
	return res.result
}

// step performs the work of state s and returns the next state. Every state
// makes progress, so run always reaches stateDone.
func (res *resolution) step(ctx context.Context, s state) state {
	standard := res.opts.mode == ModeStandard
	switch s {
	case stateInit:
		return stateAwaitSession

	case stateAwaitSession:
		if res.r.session == nil {
			res.markDegraded(errcode.Degraded("xcookie: no shared session", nil))
		} else if err := res.r.session.Await(ctx); err != nil {
			res.markDegraded(err)
		}
		switch {
		case standard:
			return stateReadLocal
		case res.degraded:
			return stateResolve
		default:
			return stateSharedGet
		}

	case stateReadLocal:
		res.local = res.r.local.Read(ctx, res.name)
		if res.degraded {
			return stateResolve
		}
		return stateSharedGet

	case stateSharedGet:
		getCtx, cancel := res.bounded(ctx)
		value, err := res.r.session.Get(getCtx, res.name)
		cancel()
		if err != nil {
			res.sharedErr = err
			res.r.logger.Debug("xcookie shared read missed",
				"resolution_id", res.id, "name", res.name, "timeout", IsTextCode(err, CodeRequestTimeout), "error", err)
			value = store.Absent()
		}
		res.shared = value
		return stateResolve

	case stateResolve:
		res.resolve()
		return stateWriteShared

	case stateWriteShared:
		if !res.degraded {
			if err := res.r.session.Set(ctx, res.name, res.result.Final, res.expires()); err != nil {
				res.sharedErr = err
				res.r.logger.Debug("xcookie shared write not acknowledged",
					"resolution_id", res.id, "name", res.name, "error", err)
			}
		}
		if standard {
			return stateWriteLocal
		}
		return stateDone

	case stateWriteLocal:
		res.r.local.Write(ctx, res.name, res.result.Final, res.expires())
		return stateDone
	}
	return stateDone
}

func (res *resolution) resolve() {
	layers := []Layer{
		{Scope: ScopeShared, Value: res.shared},
		{Scope: ScopeDefault, Value: store.Some(res.def)},
	}
	if res.opts.mode == ModeStandard {
		layers = append(layers, Layer{Scope: ScopeLocal, Value: res.local})
	}
	// Built-in scopes have distinct names and priorities.
	stack, _ := NewStack(layers...)
	value, from, trace := stack.Resolve(res.name)

	existing := value
	if from.Name == ScopeDefault.Name {
		existing = store.Absent()
	}
	res.result = Result{
		ID:       res.id,
		Name:     res.name,
		Existing: existing,
		Final:    value.Or(res.def),
		Source:   from.Name,
		Mode:     res.opts.mode,
		Degraded: res.degraded,
		Trace:    trace,
	}
}

func (res *resolution) finish(ctx context.Context) {
	res.result.SharedErr = res.sharedErr
	emitter := res.r.emitter
	if !emitter.Wants(activity.VerbCookieResolved) && !emitter.Wants(activity.VerbSessionDegraded) {
		return
	}
	now := res.r.now()
	if res.degraded {
		reason := ""
		if res.degradedReason != nil {
			reason = res.degradedReason.Error()
		}
		res.emit(ctx, activity.BuildSessionDegradedEvent(activity.DegradedInput{
			ResolutionID: res.id,
			Name:         res.name,
			Origin:       res.r.cfg.Origin,
			Resource:     res.r.cfg.Resource,
			Reason:       reason,
			OccurredAt:   now,
		}))
	}
	res.emit(ctx, activity.BuildResolvedEvent(activity.ResolutionInput{
		ResolutionID: res.id,
		Name:         res.name,
		Origin:       res.r.cfg.Origin,
		Mode:         string(res.opts.mode),
		Source:       res.result.Source,
		Existing:     res.result.Existing.Ptr(),
		Final:        res.result.Final,
		Degraded:     res.degraded,
		Duration:     now.Sub(res.started),
		OccurredAt:   now,
	}))
}

func (res *resolution) emit(ctx context.Context, event activity.Event) {
	if err := res.r.emitter.Emit(context.WithoutCancel(ctx), event); err != nil {
		res.r.logger.Error("xcookie activity hook failed", "verb", event.Verb, "resolution_id", res.id, "error", err)
	}
}

func (res *resolution) markDegraded(err error) {
	res.degraded = true
	res.degradedReason = err
	res.r.logger.Debug("xcookie resolution degraded", "resolution_id", res.id, "name", res.name, "error", err)
}

func (res *resolution) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if res.opts.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, res.opts.timeout)
}

func (res *resolution) expires() time.Time {
	return res.r.now().Add(res.opts.expiry)
}
