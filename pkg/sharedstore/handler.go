// Package sharedstore is the logic of the embedded shared-store document:
// it answers get and set requests for the session token against its own
// origin's store and announces itself with a single ready message.
package sharedstore

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/store"
	"github.com/goliatone/go-xcookie/pkg/wire"
)

// Handler serves one session. The zero Policy serves every request.
type Handler struct {
	Token  string
	Origin string
	Bus    bus.Bus
	Store  *store.Adapter
	Policy policy.Access
	Logger glog.Logger

	validator *wire.Validator
}

// Attach subscribes to the bus, then posts one ready. The returned function
// detaches the handler.
func (h *Handler) Attach(ctx context.Context) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.Logger == nil {
		h.Logger = glog.Nop()
	}
	if h.Bus == nil {
		h.Logger.Warn("shared store attached without bus", "origin", h.Origin)
		return func() {}
	}
	h.validator = wire.NewValidator(h.Token, nil, wire.KindGetRequest, wire.KindSetRequest)
	h.validator.Origin = h.Origin

	cancel := h.Bus.Subscribe(func(env bus.Envelope) {
		h.handle(ctx, env)
	})
	h.post(wire.Message{Token: h.Token, Kind: wire.KindReady})
	h.Logger.Debug("shared store ready", "origin", h.Origin)
	return cancel
}

// Dropped returns rejection counters for inbound payloads.
func (h *Handler) Dropped() map[wire.Reason]int {
	if h.validator == nil {
		return map[wire.Reason]int{}
	}
	return h.validator.Stats()
}

func (h *Handler) handle(ctx context.Context, env bus.Envelope) {
	msg, ok := h.validator.Validate(env.Data)
	if !ok {
		return
	}
	access := h.Policy
	if access == nil {
		access = policy.AllowAll
	}
	if !access.Allow(ctx, policy.Request{Origin: env.Origin, Kind: string(msg.Kind), Name: msg.Name}) {
		h.Logger.Debug("shared store request denied", "origin", env.Origin, "kind", msg.Kind, "name", msg.Name)
		return
	}

	switch msg.Kind {
	case wire.KindGetRequest:
		value := h.Store.Read(ctx, msg.Name)
		reply, _ := msg.Reply(value.Ptr())
		h.post(reply)
	case wire.KindSetRequest:
		// The validator drops set requests without a value; absent is never
		// stored as "".
		if msg.Value == nil {
			return
		}
		value := *msg.Value
		var expires time.Time
		if msg.Expires > 0 {
			expires = time.UnixMilli(msg.Expires)
		}
		if !h.Store.Write(ctx, msg.Name, value, expires) {
			h.Logger.Warn("shared store write dropped", "name", msg.Name, "cid", msg.CID)
		}
		reply, _ := msg.Reply(msg.Value)
		h.post(reply)
	}
}

func (h *Handler) post(msg wire.Message) {
	h.Bus.Post(bus.Envelope{Origin: h.Origin, Data: msg.Payload()})
}
