package script

import (
	"context"
	"fmt"
	"strings"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/store"
)

// DefaultResource is the path the embedded document is served under.
const DefaultResource = "/xdomain_cookie.html"

// Launcher starts a Runtime per document, choosing the script by resource.
type Launcher struct {
	Origin  string
	Store   store.Store
	Policy  policy.Access
	Logger  glog.Logger
	Sources map[string]string

	mu       sync.Mutex
	runtimes []*Runtime
}

var _ frame.Launcher = (*Launcher)(nil)

// NewLauncher serves DefaultResource with the embedded document.
func NewLauncher(origin string, s store.Store, access policy.Access, logger glog.Logger) *Launcher {
	return &Launcher{
		Origin:  origin,
		Store:   s,
		Policy:  access,
		Logger:  logger,
		Sources: map[string]string{DefaultResource: DefaultDocument},
	}
}

func (l *Launcher) Launch(ctx context.Context, doc frame.Document) error {
	if l.Store == nil {
		return fmt.Errorf("script: launcher has no store")
	}
	source, ok := l.Sources[doc.Resource]
	if !ok {
		return fmt.Errorf("script: resource %q not found", doc.Resource)
	}
	logger := l.Logger
	if logger == nil {
		logger = glog.Nop()
	}
	rt, err := Start(ctx, Config{
		Source: source,
		Name:   strings.TrimPrefix(doc.Resource, "/"),
		Token:  doc.Token,
		Origin: l.Origin,
		Bus:    doc.Bus,
		Store:  store.NewAdapter(l.Store, store.DomainOf(l.Origin), store.DefaultPath, store.WithAdapterLogger(logger)),
		Policy: l.Policy,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.runtimes = append(l.runtimes, rt)
	l.mu.Unlock()
	return nil
}

// Running returns the number of live runtimes.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runtimes)
}

// Close stops every runtime.
func (l *Launcher) Close() {
	l.mu.Lock()
	runtimes := l.runtimes
	l.runtimes = nil
	l.mu.Unlock()
	for _, rt := range runtimes {
		rt.Close()
	}
}
