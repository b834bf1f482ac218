package sharedstore

import (
	"context"
	"fmt"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/store"
)

// Launcher starts an in-process Handler for every launched document. All
// handlers share one store bound to the launcher's origin.
type Launcher struct {
	Origin string
	Store  store.Store
	Policy policy.Access
	Logger glog.Logger

	mu       sync.Mutex
	detaches []func()
}

var _ frame.Launcher = (*Launcher)(nil)

// NewLauncher serves documents for origin from s.
func NewLauncher(origin string, s store.Store, access policy.Access, logger glog.Logger) *Launcher {
	return &Launcher{Origin: origin, Store: s, Policy: access, Logger: logger}
}

// Launch attaches a handler for doc.
func (l *Launcher) Launch(ctx context.Context, doc frame.Document) error {
	if l.Store == nil {
		return fmt.Errorf("sharedstore: launcher has no store")
	}
	if doc.Bus == nil {
		return fmt.Errorf("sharedstore: document %q has no bus", doc.Resource)
	}
	logger := l.Logger
	if logger == nil {
		logger = glog.Nop()
	}
	h := &Handler{
		Token:  doc.Token,
		Origin: l.Origin,
		Bus:    doc.Bus,
		Store:  store.NewAdapter(l.Store, store.DomainOf(l.Origin), store.DefaultPath, store.WithAdapterLogger(logger)),
		Policy: l.Policy,
		Logger: logger,
	}
	detach := h.Attach(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.detaches = append(l.detaches, detach)
	l.mu.Unlock()
	return nil
}

// Close detaches every launched handler.
func (l *Launcher) Close() {
	l.mu.Lock()
	detaches := l.detaches
	l.detaches = nil
	l.mu.Unlock()
	for _, detach := range detaches {
		detach()
	}
}
