package activity

import (
	"context"
	"strings"
	"sync"
)

// DefaultChannel tags events that did not name a channel.
const DefaultChannel = "xcookie"

// Config controls which resolution events leave the process and how they
// are tagged.
type Config struct {
	Enabled bool   `koanf:"enabled" mapstructure:"enabled"`
	Channel string `koanf:"channel" mapstructure:"channel"`
	// Verbs restricts emission to the listed verbs. Empty emits every verb.
	Verbs []string `koanf:"verbs" mapstructure:"verbs"`
}

// IsZero reports whether c was left unset.
func (c Config) IsZero() bool {
	return !c.Enabled && strings.TrimSpace(c.Channel) == "" && len(c.Verbs) == 0
}

// Emitter stamps resolution events with the page's channel and identity,
// filters them by verb and fans them out to hooks.
type Emitter struct {
	hooks    Hooks
	enabled  bool
	channel  string
	actorID  string
	tenantID string
	verbs    map[string]struct{}

	mu      sync.Mutex
	emitted map[string]int
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithIdentity fills ActorID and TenantID on events that carry none.
func WithIdentity(actorID, tenantID string) EmitterOption {
	return func(e *Emitter) {
		e.actorID = strings.TrimSpace(actorID)
		e.tenantID = strings.TrimSpace(tenantID)
	}
}

// NewEmitter constructs an emitter from hooks and configuration.
func NewEmitter(hooks Hooks, cfg Config, opts ...EmitterOption) *Emitter {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	live := cloneHooks(hooks)
	e := &Emitter{
		hooks:   live,
		enabled: cfg.Enabled && len(live) > 0,
		channel: channel,
		emitted: map[string]int{},
	}
	for _, verb := range cfg.Verbs {
		if verb = strings.TrimSpace(verb); verb == "" {
			continue
		}
		if e.verbs == nil {
			e.verbs = map[string]struct{}{}
		}
		e.verbs[verb] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Enabled reports whether emissions should be attempted.
func (e *Emitter) Enabled() bool {
	return e != nil && e.enabled && len(e.hooks) > 0
}

// Wants reports whether an event with verb would be forwarded.
func (e *Emitter) Wants(verb string) bool {
	if !e.Enabled() {
		return false
	}
	if len(e.verbs) == 0 {
		return true
	}
	_, ok := e.verbs[strings.TrimSpace(verb)]
	return ok
}

// Emit forwards event to every hook once it passes the verb filter.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if !e.Wants(event.Verb) {
		return nil
	}
	if strings.TrimSpace(event.Channel) == "" {
		event.Channel = e.channel
	}
	if strings.TrimSpace(event.ActorID) == "" {
		event.ActorID = e.actorID
	}
	if strings.TrimSpace(event.TenantID) == "" {
		event.TenantID = e.tenantID
	}

	e.mu.Lock()
	e.emitted[strings.TrimSpace(event.Verb)]++
	e.mu.Unlock()

	return e.hooks.Notify(ctx, event)
}

// Emitted returns how many events per verb were handed to hooks.
func (e *Emitter) Emitted() map[string]int {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.emitted))
	for verb, n := range e.emitted {
		out[verb] = n
	}
	return out
}

func cloneHooks(hooks Hooks) Hooks {
	var live Hooks
	for _, hook := range hooks {
		if hook != nil {
			live = append(live, hook)
		}
	}
	return live
}
