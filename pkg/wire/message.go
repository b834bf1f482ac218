// Package wire defines the messages exchanged between a page and its shared
// store document, and the validation every received payload goes through
// before it is trusted.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-xcookie/internal/hydrate"
)

// Kind tags what a message is for.
type Kind string

const (
	KindReady       Kind = "ready"
	KindGetRequest  Kind = "get-request"
	KindGetResponse Kind = "get-response"
	KindSetRequest  Kind = "set-request"
	KindSetAck      Kind = "set-ack"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindReady, KindGetRequest, KindGetResponse, KindSetRequest, KindSetAck:
		return true
	}
	return false
}

// IsRequest reports whether k is sent by the page to the shared store.
func (k Kind) IsRequest() bool {
	return k == KindGetRequest || k == KindSetRequest
}

// IsResponse reports whether k answers a correlated request.
func (k Kind) IsResponse() bool {
	return k == KindGetResponse || k == KindSetAck
}

// Response returns the kind that answers request kind k.
func (k Kind) Response() (Kind, bool) {
	switch k {
	case KindGetRequest:
		return KindGetResponse, true
	case KindSetRequest:
		return KindSetAck, true
	}
	return "", false
}

// Message is the single wire record. Value is nil when the cookie is absent,
// which is distinct from a present empty string. Expires is unix
// milliseconds and only read on set requests.
type Message struct {
	Token   string  `json:"token"`
	CID     string  `json:"cid,omitempty"`
	Kind    Kind    `json:"kind"`
	Name    string  `json:"name,omitempty"`
	Value   *string `json:"value,omitempty"`
	Expires int64   `json:"expires,omitempty"`
}

// Reply builds the response to m carrying value, keeping token and cid.
func (m Message) Reply(value *string) (Message, bool) {
	kind, ok := m.Kind.Response()
	if !ok {
		return Message{}, false
	}
	out := Message{Token: m.Token, CID: m.CID, Kind: kind, Name: m.Name}
	if value != nil {
		v := *value
		out.Value = &v
	}
	return out, true
}

func (m Message) String() string {
	value := "<absent>"
	if m.Value != nil {
		value = fmt.Sprintf("%q", *m.Value)
	}
	return fmt.Sprintf("%s cid=%s name=%s value=%s", m.Kind, m.CID, m.Name, value)
}

// Encode renders m as JSON.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Payload renders m as the structured form posted on a bus.
func (m Message) Payload() map[string]any {
	out := map[string]any{
		"token": m.Token,
		"kind":  string(m.Kind),
	}
	if m.CID != "" {
		out["cid"] = m.CID
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Value != nil {
		out["value"] = *m.Value
	}
	if m.Expires != 0 {
		out["expires"] = m.Expires
	}
	return out
}

var decoder = hydrate.NewDecoder[Message](
	hydrate.WithDisallowUnknownFields[Message](),
	hydrate.WithMaxBytes[Message](64<<10),
	hydrate.WithPreHook[Message](rejectShadowedKeys),
	hydrate.WithPostHook[Message](requireKnownKind),
)

// Decode parses payload strictly. It accepts a map, raw JSON bytes or a
// string holding a JSON object; every other shape fails.
func Decode(payload any) (Message, error) {
	return DecodeFrom(hydrate.Context{Source: "wire"}, payload)
}

// DecodeFrom is Decode with a context used in error messages.
func DecodeFrom(ctx hydrate.Context, payload any) (Message, error) {
	return decoder.Decode(ctx, payload)
}

// encoding/json matches field names case-insensitively; a payload carrying
// both "token" and "Token" would otherwise resolve to whichever comes last.
func rejectShadowedKeys(_ hydrate.Context, payload map[string]any) (map[string]any, error) {
	seen := make(map[string]struct{}, len(payload))
	for _, key := range hydrate.Keys(payload) {
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("wire: duplicate field %q", key)
		}
		seen[key] = struct{}{}
	}
	return payload, nil
}

func requireKnownKind(_ hydrate.Context, m *Message) error {
	m.Kind = Kind(strings.TrimSpace(string(m.Kind)))
	if !m.Kind.Valid() {
		return fmt.Errorf("wire: unknown kind %q", m.Kind)
	}
	return nil
}
