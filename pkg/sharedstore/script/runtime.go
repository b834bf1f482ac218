// Package script runs a shared-store document written in JavaScript on a
// goja runtime. One goroutine owns the runtime and drains a queue of jobs,
// the way a browser event loop would.
package script

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/store"
	"github.com/goliatone/go-xcookie/pkg/wire"
)

//go:embed document.js
var DefaultDocument string

const queueSize = 256

// Config describes one document instance.
type Config struct {
	Source string
	Name   string
	Token  string
	Origin string
	Bus    bus.Bus
	Store  *store.Adapter
	Policy policy.Access
	Logger glog.Logger
}

// Runtime is a running document.
type Runtime struct {
	cfg       Config
	logger    glog.Logger
	vm        *goja.Runtime
	validator *wire.Validator
	listeners []goja.Callable

	jobs      chan func()
	stop      chan struct{}
	done      chan struct{}
	cancel    func()
	closeOnce sync.Once
}

// Start compiles the source, subscribes to the bus and runs the program on
// the runtime goroutine. Compile errors are returned; runtime exceptions are
// logged.
func Start(ctx context.Context, cfg Config) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("script: bus is required")
	}
	if cfg.Source == "" {
		cfg.Source = DefaultDocument
	}
	if cfg.Name == "" {
		cfg.Name = "document.js"
	}
	program, err := goja.Compile(cfg.Name, cfg.Source, false)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", cfg.Name, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = glog.Nop()
	}
	access := cfg.Policy
	if access == nil {
		access = policy.AllowAll
	}
	cfg.Policy = access

	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		vm:        goja.New(),
		validator: wire.NewValidator(cfg.Token, nil, wire.KindGetRequest, wire.KindSetRequest),
		jobs:      make(chan func(), queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.validator.Origin = cfg.Origin
	// The document outlives the launch request.
	ctx = context.WithoutCancel(ctx)
	if err := r.bind(ctx); err != nil {
		return nil, fmt.Errorf("script: bind globals: %w", err)
	}

	// The program is the first job and the loop starts only after the
	// listener is attached, so ready is never posted to a deaf document and
	// no request runs before the script has registered its handlers.
	r.enqueue(func() {
		if _, err := r.vm.RunProgram(program); err != nil {
			r.logger.Error("document script failed", "document", cfg.Name, "error", err)
		}
	})
	r.cancel = cfg.Bus.Subscribe(func(env bus.Envelope) {
		r.receive(ctx, env)
	})
	go r.loop()
	return r, nil
}

// Dropped returns rejection counters for inbound payloads.
func (r *Runtime) Dropped() map[wire.Reason]int {
	return r.validator.Stats()
}

// Close unsubscribes and stops the runtime goroutine. Queued jobs are
// discarded.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		close(r.stop)
		r.vm.Interrupt("closed")
		<-r.done
	})
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case job := <-r.jobs:
			r.run(job)
		}
	}
}

func (r *Runtime) run(job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("document job panicked", "document", r.cfg.Name, "panic", fmt.Sprint(p))
		}
	}()
	job()
}

func (r *Runtime) enqueue(job func()) {
	select {
	case <-r.stop:
	case r.jobs <- job:
	default:
		r.logger.Warn("document queue full, message dropped", "document", r.cfg.Name)
	}
}

// receive runs on the bus goroutine; only validated, permitted requests are
// handed to the runtime goroutine.
func (r *Runtime) receive(ctx context.Context, env bus.Envelope) {
	msg, ok := r.validator.Validate(env.Data)
	if !ok {
		return
	}
	if !r.cfg.Policy.Allow(ctx, policy.Request{Origin: env.Origin, Kind: string(msg.Kind), Name: msg.Name}) {
		r.logger.Debug("document request denied", "origin", env.Origin, "kind", msg.Kind, "name", msg.Name)
		return
	}
	origin := env.Origin
	r.enqueue(func() {
		event := r.vm.NewObject()
		_ = event.Set("data", msg.Payload())
		_ = event.Set("origin", origin)
		for _, listener := range r.listeners {
			if _, err := listener(goja.Undefined(), event); err != nil {
				r.logger.Error("document listener threw", "document", r.cfg.Name, "kind", msg.Kind, "error", err)
			}
		}
	})
}

func (r *Runtime) bind(ctx context.Context) error {
	storeObj := r.vm.NewObject()
	if err := storeObj.Set("get", func(name string) goja.Value {
		value, ok := r.cfg.Store.Read(ctx, name).Get()
		if !ok {
			return goja.Null()
		}
		return r.vm.ToValue(value)
	}); err != nil {
		return err
	}
	if err := storeObj.Set("set", func(name, value string, expires int64) bool {
		var at time.Time
		if expires > 0 {
			at = time.UnixMilli(expires)
		}
		return r.cfg.Store.Write(ctx, name, value, at)
	}); err != nil {
		return err
	}

	globals := map[string]any{
		"store":  storeObj,
		"token":  r.cfg.Token,
		"origin": r.cfg.Origin,
		"postMessage": func(data goja.Value) {
			if data == nil || goja.IsUndefined(data) {
				return
			}
			r.cfg.Bus.Post(bus.Envelope{Origin: r.cfg.Origin, Data: data.Export()})
		},
		"addEventListener": func(kind string, fn goja.Value) {
			callable, ok := goja.AssertFunction(fn)
			if kind != "message" || !ok {
				return
			}
			r.listeners = append(r.listeners, callable)
		},
		"console": map[string]any{
			"log": func(args ...any) {
				r.logger.Debug("document console", "document", r.cfg.Name, "args", args)
			},
		},
	}
	for name, value := range globals {
		if err := r.vm.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}
