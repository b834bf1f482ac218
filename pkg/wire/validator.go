package wire

import (
	"crypto/subtle"
	"sync"

	"github.com/goliatone/go-xcookie/internal/hydrate"
)

// Reason names why a payload was dropped.
type Reason string

const (
	ReasonDecode      Reason = "decode"
	ReasonToken       Reason = "token"
	ReasonNotAccepted Reason = "not-accepted"
	ReasonUnknownCID  Reason = "unknown-cid"
	ReasonMissing     Reason = "missing-field"
	ReasonPanic       Reason = "panic"
)

// Validator decides whether a payload read off the bus is a message this
// side should act on. Rejections are silent; Stats exposes counts.
type Validator struct {
	// Token is the session token both sides must carry. An empty token
	// rejects everything.
	Token string
	// Accept lists the kinds this side handles.
	Accept []Kind
	// Pending reports whether a response cid belongs to an outstanding
	// request. Nil means no response is ever pending.
	Pending func(cid string) bool
	// Origin labels decode errors.
	Origin string

	mu    sync.Mutex
	stats map[Reason]int
}

// NewValidator builds a Validator for token accepting kinds.
func NewValidator(token string, pending func(string) bool, accept ...Kind) *Validator {
	return &Validator{Token: token, Accept: accept, Pending: pending}
}

// Validate returns the decoded message and true when payload passes every
// check. It never panics.
func (v *Validator) Validate(payload any) (msg Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.reject(ReasonPanic)
			msg, ok = Message{}, false
		}
	}()

	m, err := DecodeFrom(hydrate.Context{Origin: v.Origin, Source: "bus"}, payload)
	if err != nil {
		v.reject(ReasonDecode)
		return Message{}, false
	}
	if v.Token == "" || subtle.ConstantTimeCompare([]byte(m.Token), []byte(v.Token)) != 1 {
		v.reject(ReasonToken)
		return Message{}, false
	}
	if !v.accepts(m.Kind) {
		v.reject(ReasonNotAccepted)
		return Message{}, false
	}

	switch {
	case m.Kind.IsResponse():
		if m.CID == "" || v.Pending == nil || !v.Pending(m.CID) {
			v.reject(ReasonUnknownCID)
			return Message{}, false
		}
	case m.Kind.IsRequest():
		if m.CID == "" || m.Name == "" || (m.Kind == KindSetRequest && m.Value == nil) {
			v.reject(ReasonMissing)
			return Message{}, false
		}
	}
	return m, true
}

func (v *Validator) accepts(kind Kind) bool {
	for _, candidate := range v.Accept {
		if candidate == kind {
			return true
		}
	}
	return false
}

func (v *Validator) reject(reason Reason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stats == nil {
		v.stats = map[Reason]int{}
	}
	v.stats[reason]++
}

// Stats returns a copy of the rejection counters.
func (v *Validator) Stats() map[Reason]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[Reason]int, len(v.stats))
	for reason, count := range v.stats {
		out[reason] = count
	}
	return out
}

// Rejected returns the total number of dropped payloads.
func (v *Validator) Rejected() int {
	total := 0
	for _, count := range v.Stats() {
		total += count
	}
	return total
}
