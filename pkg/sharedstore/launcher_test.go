package sharedstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/sharedstore"
	"github.com/goliatone/go-xcookie/pkg/store"
)

func TestLauncherServesSessionsThroughFrame(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	shared := store.NewMemoryStore()
	launcher := sharedstore.NewLauncher("https://iframe.com:8443", shared, nil, nil)
	defer launcher.Close()

	boot := frame.NewBootstrapper(b, launcher, frame.Config{Origin: "https://site1.com"})
	defer boot.Close()
	ctx := context.Background()

	if err := boot.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := boot.Set(ctx, "test_cookie", "v1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := boot.Get(ctx, "test_cookie")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != store.Some("v1") {
		t.Fatalf("expected shared value, got %v", got)
	}
	if _, ok, _ := shared.Load(ctx, store.Key{Name: "test_cookie", Domain: "iframe.com"}); !ok {
		t.Fatalf("expected record under launcher host")
	}
}

func TestLauncherRequiresStoreAndBus(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	l := sharedstore.NewLauncher("https://iframe.com", nil, nil, nil)
	if err := l.Launch(context.Background(), frame.Document{Bus: b}); err == nil {
		t.Fatalf("expected missing store error")
	}
	l = sharedstore.NewLauncher("https://iframe.com", store.NewMemoryStore(), nil, nil)
	if err := l.Launch(context.Background(), frame.Document{}); err == nil {
		t.Fatalf("expected missing bus error")
	}
}
