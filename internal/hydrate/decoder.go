package hydrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotObject reports a payload that is not a JSON object in any of the
// accepted encodings.
var ErrNotObject = errors.New("hydrate: payload is not an object")

// Context identifies where a payload came from.
type Context struct {
	Origin string
	Source string
}

func (c Context) label() string {
	switch {
	case c.Origin != "" && c.Source != "":
		return c.Source + "@" + c.Origin
	case c.Origin != "":
		return c.Origin
	case c.Source != "":
		return c.Source
	default:
		return "unknown"
	}
}

// PreHook lets callers mutate or normalise the payload before decoding.
type PreHook func(Context, map[string]any) (map[string]any, error)

// PostHook lets callers adjust or validate the hydrated struct after decoding.
type PostHook[T any] func(Context, *T) error

// DecoderOption configures a Decoder instance.
type DecoderOption[T any] func(*Decoder[T])

// Decoder converts loosely typed bus payloads into structs. Payloads may be
// a map, raw JSON bytes, or a string holding a JSON object.
type Decoder[T any] struct {
	preHooks     []PreHook
	postHooks    []PostHook[T]
	configureDec []func(*json.Decoder)
	maxBytes     int
}

// WithPreHook applies hook prior to decoding.
func WithPreHook[T any](hook PreHook) DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.preHooks = append(d.preHooks, hook)
	}
}

// WithPostHook applies hook after decoding completes.
func WithPostHook[T any](hook PostHook[T]) DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.postHooks = append(d.postHooks, hook)
	}
}

// WithUseNumber enables json.Decoder.UseNumber during decoding.
func WithUseNumber[T any]() DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.configureDec = append(d.configureDec, func(dec *json.Decoder) {
			dec.UseNumber()
		})
	}
}

// WithDisallowUnknownFields invokes json.Decoder.DisallowUnknownFields.
func WithDisallowUnknownFields[T any]() DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.configureDec = append(d.configureDec, func(dec *json.Decoder) {
			dec.DisallowUnknownFields()
		})
	}
}

// WithMaxBytes rejects encoded payloads larger than n bytes. Zero disables
// the limit.
func WithMaxBytes[T any](n int) DecoderOption[T] {
	return func(d *Decoder[T]) {
		if n >= 0 {
			d.maxBytes = n
		}
	}
}

func NewDecoder[T any](opts ...DecoderOption[T]) *Decoder[T] {
	d := &Decoder[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decode converts payload into T applying configured hooks. Anything that is
// not a JSON object fails with ErrNotObject.
func (d *Decoder[T]) Decode(ctx Context, payload any) (T, error) {
	var zero T

	current, err := toObject(payload)
	if err != nil {
		return zero, fmt.Errorf("hydrate: payload from %s: %w", ctx.label(), err)
	}

	for _, hook := range d.preHooks {
		if hook == nil {
			continue
		}
		next, err := hook(ctx, current)
		if err != nil {
			return zero, fmt.Errorf("hydrate: pre-hook for %s failed: %w", ctx.label(), err)
		}
		if next != nil {
			current = next
		}
	}

	buffer, err := json.Marshal(current)
	if err != nil {
		return zero, fmt.Errorf("hydrate: marshal payload from %s: %w", ctx.label(), err)
	}
	if d.maxBytes > 0 && len(buffer) > d.maxBytes {
		return zero, fmt.Errorf("hydrate: payload from %s exceeds %d bytes", ctx.label(), d.maxBytes)
	}

	var result T
	decoder := json.NewDecoder(bytes.NewReader(buffer))
	for _, configure := range d.configureDec {
		if configure != nil {
			configure(decoder)
		}
	}
	if err := decoder.Decode(&result); err != nil {
		return zero, fmt.Errorf("hydrate: decode payload from %s: %w", ctx.label(), err)
	}

	for _, hook := range d.postHooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, &result); err != nil {
			return zero, fmt.Errorf("hydrate: post-hook for %s failed: %w", ctx.label(), err)
		}
	}

	return result, nil
}

func toObject(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, ErrNotObject
	case map[string]any:
		if v == nil {
			return nil, ErrNotObject
		}
		return cloneObject(v)
	case json.RawMessage:
		return parseObject([]byte(v))
	case []byte:
		return parseObject(v)
	case string:
		return parseObject([]byte(v))
	default:
		return nil, ErrNotObject
	}
}

func parseObject(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrNotObject)
	}
	if out == nil {
		return nil, ErrNotObject
	}
	return out, nil
}

func cloneObject(payload map[string]any) (map[string]any, error) {
	buffer, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return parseObject(buffer)
}

// Keys returns the payload keys in a stable, lower-cased form. Used by hooks
// that need to reject shadowed fields such as "Token" vs "token".
func Keys(payload map[string]any) []string {
	out := make([]string, 0, len(payload))
	for key := range payload {
		out = append(out, strings.ToLower(key))
	}
	return out
}
