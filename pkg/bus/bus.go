// Package bus provides the shared, unaddressed message bus that a page and
// its embedded shared-store document talk over. Every subscriber sees every
// envelope, including the ones it posted itself, and nothing about the
// payload is trusted.
package bus

import (
	"fmt"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
)

// Envelope is one posted message. Data is whatever the sender chose to post.
type Envelope struct {
	Origin string `json:"origin"`
	Data   any    `json:"data"`
}

// Listener receives envelopes in post order.
type Listener func(Envelope)

// Bus is a broadcast channel shared with unrelated senders.
type Bus interface {
	Post(env Envelope)
	Subscribe(fn Listener) (cancel func())
}

// MemoryBus delivers envelopes to subscribers from a single goroutine, in the
// order they were posted. Post never blocks on delivery.
type MemoryBus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Envelope
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	closed    bool
	done      chan struct{}
	logger    glog.Logger
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithLogger sets the logger used for recovered listener panics.
func WithLogger(logger glog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		listeners: map[uint64]Listener{},
		done:      make(chan struct{}),
		logger:    glog.Nop(),
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	go b.loop()
	return b
}

func (b *MemoryBus) Post(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, env)
	b.cond.Signal()
}

func (b *MemoryBus) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, candidate := range b.order {
				if candidate == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Close stops delivery. Envelopes still queued are discarded.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *MemoryBus) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue[0] = Envelope{}
		b.queue = b.queue[1:]
		listeners := make([]Listener, 0, len(b.order))
		for _, id := range b.order {
			listeners = append(listeners, b.listeners[id])
		}
		b.mu.Unlock()

		for _, listener := range listeners {
			b.deliver(listener, env)
		}
	}
}

func (b *MemoryBus) deliver(listener Listener, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked", "origin", env.Origin, "panic", fmt.Sprint(r))
		}
	}()
	listener(env)
}
