package xcookie

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-xcookie/pkg/activity"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/bus/wsbus"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/sharedstore"
	"github.com/goliatone/go-xcookie/pkg/store"
)

const (
	sharedOrigin = "https://iframe.com"
	sharedDomain = "iframe.com"
)

// page is one browser window: its own bus, its own jar, one resolver.
type page struct {
	resolver *Resolver
	bus      *bus.MemoryBus
	local    *store.MemoryStore
	launches *atomic.Int32
}

func newPage(t *testing.T, origin string, shared store.Store, mutate func(*Config), opts ...Option) *page {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Origin = origin
	cfg.SharedOrigin = sharedOrigin
	cfg.Timeouts.Handshake = time.Second
	cfg.Timeouts.Request = time.Second
	cfg.Timeouts.Ack = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	p := &page{
		bus:      bus.NewMemoryBus(),
		local:    store.NewMemoryStore(),
		launches: &atomic.Int32{},
	}
	t.Cleanup(p.bus.Close)

	inner := sharedstore.NewLauncher(sharedOrigin, shared, policy.AllowAll, nil)
	t.Cleanup(inner.Close)
	counting := frame.LauncherFunc(func(ctx context.Context, doc frame.Document) error {
		p.launches.Add(1)
		return inner.Launch(ctx, doc)
	})

	base := []Option{WithLocalStore(p.local), WithBus(p.bus), WithLauncher(counting)}
	r, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new resolver for %s: %v", origin, err)
	}
	t.Cleanup(r.Close)
	p.resolver = r
	return p
}

func (p *page) seedLocal(t *testing.T, name, value string) {
	t.Helper()
	domain := p.resolver.Config().Domain
	if err := p.local.Save(context.Background(), store.Record{
		Key:     store.Key{Name: name, Domain: domain},
		Value:   value,
		Expires: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed local: %v", err)
	}
}

func (p *page) localValue(t *testing.T, name string) store.Value {
	t.Helper()
	return localValue(t, p.local, name, p.resolver.Config().Domain)
}

func seedShared(t *testing.T, shared store.Store, name, value string) {
	t.Helper()
	if err := shared.Save(context.Background(), store.Record{
		Key:     store.Key{Name: name, Domain: sharedDomain},
		Value:   value,
		Expires: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed shared: %v", err)
	}
}

func TestScenarioA_FreshDefaultIsWrittenEverywhere(t *testing.T) {
	shared := store.NewMemoryStore()
	p := newPage(t, "https://site1.com", shared, nil)

	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if got.Existing.Present || got.Final != "test1234" || got.Degraded {
		t.Fatalf("unexpected result %+v", got)
	}
	if v := p.localValue(t, "test_cookie"); v != store.Some("test1234") {
		t.Fatalf("expected local test1234, got %v", v)
	}
	if v := localValue(t, shared, "test_cookie", sharedDomain); v != store.Some("test1234") {
		t.Fatalf("expected shared test1234, got %v", v)
	}
}

func TestScenarioB_LocalValueIsPublished(t *testing.T) {
	shared := store.NewMemoryStore()
	p := newPage(t, "https://site1.com", shared, nil)
	p.seedLocal(t, "test_cookie", "preset1234")

	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if got.Existing != store.Some("preset1234") || got.Final != "preset1234" {
		t.Fatalf("unexpected result %+v", got)
	}
	if v := localValue(t, shared, "test_cookie", sharedDomain); v != store.Some("preset1234") {
		t.Fatalf("expected shared preset1234, got %v", v)
	}
}

func TestScenarioC_SharedOnlyIgnoresLocal(t *testing.T) {
	shared := store.NewMemoryStore()
	seedShared(t, shared, "test_cookie", "B")
	p := newPage(t, "https://site1.com", shared, func(cfg *Config) { cfg.Mode = ModeSharedOnly })
	p.seedLocal(t, "test_cookie", "A")

	before := p.local.Snapshot()

	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if got.Existing != store.Some("B") || got.Final != "B" {
		t.Fatalf("unexpected result %+v", got)
	}
	assertSameRecords(t, before, p.local.Snapshot())
	if v := p.localValue(t, "test_cookie"); v != store.Some("A") {
		t.Fatalf("expected local to stay A, got %v", v)
	}
	if v := localValue(t, shared, "test_cookie", sharedDomain); v != store.Some("B") {
		t.Fatalf("expected shared to stay B, got %v", v)
	}
}

func assertSameRecords(t *testing.T, before, after map[string]store.Record) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("local jar changed size: %d -> %d", len(before), len(after))
	}
	for id, want := range before {
		got, ok := after[id]
		if !ok {
			t.Fatalf("local record %s disappeared", id)
		}
		if got.Key != want.Key || got.Value != want.Value ||
			!got.Expires.Equal(want.Expires) || !got.UpdatedAt.Equal(want.UpdatedAt) {
			t.Fatalf("local record %s changed: %+v -> %+v", id, want, got)
		}
	}
}

func TestSharedOnlyLeavesEmptyJarEmpty(t *testing.T) {
	shared := store.NewMemoryStore()
	p := newPage(t, "https://site1.com", shared, func(cfg *Config) { cfg.Mode = ModeSharedOnly })

	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if got.Final != "test1234" || got.Existing.Present {
		t.Fatalf("unexpected result %+v", got)
	}
	if p.local.Len() != 0 {
		t.Fatalf("expected shared-only resolution to leave the jar empty, got %v", p.local.Snapshot())
	}
	if v := localValue(t, shared, "test_cookie", sharedDomain); v != store.Some("test1234") {
		t.Fatalf("expected shared write, got %v", v)
	}
}

func TestCancelledFirstCallerDoesNotPoisonSession(t *testing.T) {
	shared := store.NewMemoryStore()
	seedShared(t, shared, "test_cookie", "S")
	p := newPage(t, "https://site1.com", shared, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	first := p.resolver.Get(cancelled, "warmup", "def")
	if first.Final == "" {
		t.Fatalf("expected a final value even when cancelled, got %+v", first)
	}

	second := p.resolver.Get(context.Background(), "test_cookie", "def")
	if second.Degraded || second.Final != "S" {
		t.Fatalf("expected a healthy session after the cancelled call, got %+v", second)
	}
	if p.launches.Load() != 1 {
		t.Fatalf("expected one launch, got %d", p.launches.Load())
	}
}

func TestScenarioD_SecondResolutionReusesSession(t *testing.T) {
	shared := store.NewMemoryStore()
	p := newPage(t, "https://site1.com", shared, nil)

	first := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if first.Final != "test1234" {
		t.Fatalf("unexpected first result %+v", first)
	}
	p.local.Delete(store.Key{Name: "test_cookie", Domain: p.resolver.Config().Domain})

	second := p.resolver.Get(context.Background(), "test_cookie", "other")
	if second.Existing != store.Some("test1234") || second.Final != "test1234" || second.Source != "shared" {
		t.Fatalf("unexpected second result %+v", second)
	}
	if n := p.launches.Load(); n != 1 {
		t.Fatalf("expected one launched document, got %d", n)
	}
}

func TestConcurrentResolutionsShareOneSession(t *testing.T) {
	shared := store.NewMemoryStore()
	seedShared(t, shared, "c", "S")
	p := newPage(t, "https://site1.com", shared, nil)

	var wg sync.WaitGroup
	results := make(chan Result, 8)
	for i := 0; i < cap(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.resolver.Get(context.Background(), "c", "def", WithMode(ModeSharedOnly))
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.Final != "S" || r.Degraded {
			t.Fatalf("unexpected concurrent result %+v", r)
		}
	}
	if n := p.launches.Load(); n != 1 {
		t.Fatalf("expected one launched document, got %d", n)
	}
}

func TestOriginsConvergeThroughSharedStore(t *testing.T) {
	shared := store.NewMemoryStore()
	site1 := newPage(t, "https://site1.com", shared, nil)
	site2 := newPage(t, "https://site2.com", shared, func(cfg *Config) { cfg.Mode = ModeSharedOnly })
	site2.seedLocal(t, "test_cookie", "ignored")

	first := site1.resolver.Get(context.Background(), "test_cookie", "test1234")
	second := site2.resolver.Get(context.Background(), "test_cookie", "zzz")
	if first.Final != "test1234" || second.Final != "test1234" || second.Source != "shared" {
		t.Fatalf("expected site2 to read site1's value, got %+v then %+v", first, second)
	}
	if v := site2.localValue(t, "test_cookie"); v != store.Some("ignored") {
		t.Fatalf("expected shared-only page to leave its jar alone, got %v", v)
	}

	site3 := newPage(t, "https://site3.com", shared, nil)
	site3.seedLocal(t, "test_cookie", "local3")
	third := site3.resolver.Get(context.Background(), "test_cookie", "zzz")
	if third.Final != "local3" {
		t.Fatalf("expected site3 local override, got %+v", third)
	}
	again := site2.resolver.Get(context.Background(), "test_cookie", "zzz")
	if again.Final != "local3" {
		t.Fatalf("expected last write to win, got %+v", again)
	}
}

var foreignPayloads = []any{
	map[string]any{"foo": "bar"},
	nil,
	"random stuff",
	[]any{},
	"[]",
	"null",
	"false",
	true,
	"true",
	false,
	42,
	map[string]any{"token": "guess", "kind": "get-response", "cid": "x", "value": "evil"},
}

func TestForeignTrafficDoesNotChangeOutcome(t *testing.T) {
	shared := store.NewMemoryStore()
	p := newPage(t, "https://site1.com", shared, nil)

	for _, payload := range foreignPayloads {
		p.bus.Post(bus.Envelope{Origin: "https://ads.example", Data: payload})
	}
	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	for _, payload := range foreignPayloads {
		p.bus.Post(bus.Envelope{Origin: sharedOrigin, Data: payload})
	}
	again := p.resolver.Get(context.Background(), "test_cookie", "other")

	if got.Final != "test1234" || again.Final != "test1234" || got.Degraded || again.Degraded {
		t.Fatalf("unexpected results %+v then %+v", got, again)
	}
}

func TestForeignTrafficDuringPendingRequest(t *testing.T) {
	shared := store.NewMemoryStore()
	seedShared(t, shared, "test_cookie", "S")
	p := newPage(t, "https://site1.com", shared, nil)

	var once sync.Once
	var injected atomic.Bool
	cancel := p.bus.Subscribe(func(env bus.Envelope) {
		data, ok := env.Data.(map[string]any)
		if !ok || data["kind"] != "get-request" {
			return
		}
		once.Do(func() {
			cid, _ := data["cid"].(string)
			forged := []any{
				map[string]any{"token": "guess", "cid": cid, "kind": "get-response", "name": "test_cookie", "value": "evil"},
				map[string]any{"token": data["token"], "cid": cid, "kind": "explode", "value": "evil"},
				map[string]any{"token": data["token"], "cid": "not-" + cid, "kind": "get-response", "value": "evil"},
			}
			for _, payload := range append(forged, foreignPayloads...) {
				p.bus.Post(bus.Envelope{Origin: "https://ads.example", Data: payload})
			}
			injected.Store(true)
		})
	})
	defer cancel()

	got := p.resolver.Get(context.Background(), "test_cookie", "test1234")
	if !injected.Load() {
		t.Fatalf("expected foreign traffic to be injected while the request was pending")
	}
	if got.Final != "S" || got.Existing != store.Some("S") || got.Degraded || got.SharedErr != nil {
		t.Fatalf("expected the genuine shared answer, got %+v", got)
	}
	if v := p.localValue(t, "test_cookie"); v != store.Some("S") {
		t.Fatalf("expected local S, got %v", v)
	}
}

func TestHandshakeTimeoutDegrades(t *testing.T) {
	silent := frame.LauncherFunc(func(context.Context, frame.Document) error { return nil })
	capture := &activity.CaptureHook{}
	cfg := DefaultConfig()
	cfg.Origin = "https://site1.com"
	cfg.Timeouts.Handshake = 150 * time.Millisecond

	b := bus.NewMemoryBus()
	defer b.Close()
	local := store.NewMemoryStore()
	r, err := New(cfg, WithBus(b), WithLauncher(silent), WithLocalStore(local), WithActivityHooks(capture))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	start := time.Now()
	got := r.Get(context.Background(), "c", "def")
	if !got.Degraded || got.Final != "def" {
		t.Fatalf("expected degraded default, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected bounded wait, took %s", elapsed)
	}
	if v := localValue(t, local, "c", "site1.com"); v != store.Some("def") {
		t.Fatalf("expected local write in degraded mode, got %v", v)
	}

	start = time.Now()
	r.Get(context.Background(), "c", "def")
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected later resolutions to fail fast, took %s", elapsed)
	}
	if verbs := capture.Verbs(); len(verbs) == 0 || verbs[0] != activity.VerbSessionDegraded {
		t.Fatalf("expected a degraded event first, got %v", verbs)
	}
}

func TestInProcessSharedStoreWithPolicy(t *testing.T) {
	shared := store.NewMemoryStore()
	seedShared(t, shared, "blocked", "S")

	cfg := DefaultConfig()
	cfg.Origin = "https://site1.com"
	cfg.SharedOrigin = sharedOrigin
	cfg.Timeouts.Request = 60 * time.Millisecond
	cfg.Timeouts.Ack = 60 * time.Millisecond
	cfg.Policy = []policy.Rule{{Engine: "expr", Expression: `name != "blocked"`}}

	b := bus.NewMemoryBus()
	defer b.Close()
	r, err := New(cfg, WithBus(b), WithSharedStore(shared), WithLocalStore(store.NewMemoryStore()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Close()

	if got := r.Get(context.Background(), "open", "v"); got.Final != "v" || got.Degraded || got.SharedErr != nil {
		t.Fatalf("expected allowed name to round trip, got %+v", got)
	}
	if v := localValue(t, shared, "open", sharedDomain); v != store.Some("v") {
		t.Fatalf("expected shared write, got %v", v)
	}

	got := r.Get(context.Background(), "blocked", "def", WithMode(ModeSharedOnly))
	if got.Final != "def" || !IsTextCode(got.SharedErr, CodeRequestTimeout) {
		t.Fatalf("expected denied request to time out, got %+v", got)
	}
	if v := localValue(t, shared, "blocked", sharedDomain); v != store.Some("S") {
		t.Fatalf("expected denied write to leave shared value, got %v", v)
	}
}

func TestSharedStoreRequiresOrigin(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	if _, err := New(Config{Origin: "https://site1.com"}, WithBus(b), WithSharedStore(store.NewMemoryStore())); !IsTextCode(err, CodeBadInput) {
		t.Fatalf("expected missing shared_origin to be rejected, got %v", err)
	}
	if _, err := New(Config{Origin: "https://site1.com"}, WithBus(b)); !IsTextCode(err, CodeBadInput) {
		t.Fatalf("expected bus without launcher to be rejected, got %v", err)
	}

	cfg := Config{Origin: "https://site1.com", SharedOrigin: sharedOrigin,
		Policy: []policy.Rule{{Engine: "expr", Expression: `name ==`}}}
	if _, err := New(cfg, WithBus(b), WithSharedStore(store.NewMemoryStore())); !IsTextCode(err, CodePolicyInvalid) {
		t.Fatalf("expected broken policy to be rejected, got %v", err)
	}
}

func TestResolverOverWebsocketHub(t *testing.T) {
	shared := store.NewMemoryStore()
	launcher := sharedstore.NewLauncher(sharedOrigin, shared, policy.AllowAll, nil)
	defer launcher.Close()
	hub := wsbus.NewHub(wsbus.WithDocumentLauncher(launcher))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	resolve := func(origin, def string, mode Mode) Result {
		client, err := wsbus.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/bus")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer client.Close()

		cfg := DefaultConfig()
		cfg.Origin = origin
		cfg.SharedOrigin = sharedOrigin
		cfg.Mode = mode
		cfg.Timeouts.Handshake = 2 * time.Second
		cfg.Timeouts.Request = 2 * time.Second
		cfg.Timeouts.Ack = 2 * time.Second
		r, err := New(cfg, WithBus(client), WithLauncher(wsbus.NewRemoteLauncher(srv.URL)), WithLocalStore(store.NewMemoryStore()))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		defer r.Close()
		return r.Get(context.Background(), "test_cookie", def)
	}

	first := resolve("https://site1.com", "test1234", ModeStandard)
	second := resolve("https://site2.com", "other", ModeSharedOnly)
	if first.Final != "test1234" || first.Degraded {
		t.Fatalf("unexpected first result %+v", first)
	}
	if second.Existing != store.Some("test1234") || second.Final != "test1234" {
		t.Fatalf("expected second origin to read the shared value, got %+v", second)
	}
}
