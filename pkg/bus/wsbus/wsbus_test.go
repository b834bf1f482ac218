package wsbus_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/bus/wsbus"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/goliatone/go-xcookie/pkg/policy"
	"github.com/goliatone/go-xcookie/pkg/sharedstore"
	"github.com/goliatone/go-xcookie/pkg/store"
)

func startHub(t *testing.T, opts ...wsbus.HubOption) (*wsbus.Hub, *httptest.Server) {
	t.Helper()
	hub := wsbus.NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *wsbus.Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bus"
	c, err := wsbus.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitPeers(t *testing.T, hub *wsbus.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Peers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d peers, got %d", n, hub.Peers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func collect(b bus.Bus) (<-chan bus.Envelope, func()) {
	out := make(chan bus.Envelope, 16)
	cancel := b.Subscribe(func(env bus.Envelope) { out <- env })
	return out, cancel
}

func next(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope delivered")
	}
	return bus.Envelope{}
}

func TestHubRebroadcastsToEveryPeer(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv)
	b := dial(t, srv)
	waitPeers(t, hub, 2)

	fromA, cancelA := collect(a)
	defer cancelA()
	fromB, cancelB := collect(b)
	defer cancelB()
	local, cancelLocal := collect(hub.Bus())
	defer cancelLocal()

	a.Post(bus.Envelope{Origin: "https://site1.com", Data: map[string]any{"kind": "ready"}})

	for name, ch := range map[string]<-chan bus.Envelope{"a": fromA, "b": fromB, "hub": local} {
		env := next(t, ch)
		data, ok := env.Data.(map[string]any)
		if env.Origin != "https://site1.com" || !ok || data["kind"] != "ready" {
			t.Fatalf("%s: unexpected envelope %+v", name, env)
		}
	}
}

func TestHubLocalPostsReachPeers(t *testing.T) {
	hub, srv := startHub(t)
	c := dial(t, srv)
	waitPeers(t, hub, 1)
	got, cancel := collect(c)
	defer cancel()

	hub.Bus().Post(bus.Envelope{Origin: "https://iframe.com", Data: "plain string"})
	if env := next(t, got); env.Data != "plain string" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := startHub(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestFramesWithoutLauncher(t *testing.T) {
	_, srv := startHub(t)
	err := wsbus.NewRemoteLauncher(srv.URL).Launch(context.Background(), frame.Document{Token: "t", Resource: "/x"})
	if err == nil {
		t.Fatalf("expected refusal from hub without launcher")
	}
}

func TestFramesRejectsBadRequests(t *testing.T) {
	launcher := sharedstore.NewLauncher("https://iframe.com", store.NewMemoryStore(), policy.AllowAll, nil)
	defer launcher.Close()
	_, srv := startHub(t, wsbus.WithDocumentLauncher(launcher))

	for _, body := range []string{`not json`, `{"token":""}`, `{"token":"t","resource":"/x","extra":1}`} {
		resp, err := http.Post(srv.URL+"/frames", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestRemoteSessionRoundTrip(t *testing.T) {
	shared := store.NewMemoryStore()
	launcher := sharedstore.NewLauncher("https://iframe.com", shared, policy.AllowAll, nil)
	defer launcher.Close()
	_, srv := startHub(t, wsbus.WithDocumentLauncher(launcher))

	page := dial(t, srv)
	cfg := frame.DefaultConfig()
	cfg.Origin = "https://site1.com"
	cfg.RemoteOrigin = "https://iframe.com"
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.AckTimeout = 2 * time.Second

	bs := frame.NewBootstrapper(page, wsbus.NewRemoteLauncher(srv.URL), cfg)
	defer bs.Close()

	ctx := context.Background()
	if err := bs.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := bs.Set(ctx, "test_cookie", "test1234", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := bs.Get(ctx, "test_cookie")
	if err != nil || value != store.Some("test1234") {
		t.Fatalf("expected shared value, got %v err=%v", value, err)
	}
	if shared.Len() != 1 {
		t.Fatalf("expected one shared record, got %d", shared.Len())
	}
}

func TestEnvelopeDataIsOpaque(t *testing.T) {
	hub, srv := startHub(t)
	c := dial(t, srv)
	waitPeers(t, hub, 1)
	got, cancel := collect(hub.Bus())
	defer cancel()

	c.Post(bus.Envelope{Origin: "https://site1.com", Data: []any{"x"}})
	env := next(t, got)
	items, ok := env.Data.([]any)
	if env.Origin != "https://site1.com" || !ok || len(items) != 1 || items[0] != "x" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestDialFailure(t *testing.T) {
	if _, err := wsbus.Dial(context.Background(), "ws://127.0.0.1:1/bus"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestStalledRemoteLaunchDegradesWithinHandshake(t *testing.T) {
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer stalled.Close()

	b := bus.NewMemoryBus()
	defer b.Close()
	boot := frame.NewBootstrapper(b, wsbus.NewRemoteLauncher(stalled.URL), frame.Config{
		Origin:           "https://site1.com",
		HandshakeTimeout: 100 * time.Millisecond,
	})
	defer boot.Close()

	start := time.Now()
	if err := boot.Await(context.Background()); !frame.IsDegraded(err) {
		t.Fatalf("expected degraded session, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the stalled hub to cost about one handshake, took %s", elapsed)
	}
}

func TestRemoteLauncherClientIsBounded(t *testing.T) {
	l := wsbus.NewRemoteLauncher("http://hub.test")
	if l.HTTPClient == nil || l.HTTPClient.Timeout != wsbus.DefaultLaunchTimeout {
		t.Fatalf("expected a client capped at %s, got %+v", wsbus.DefaultLaunchTimeout, l.HTTPClient)
	}
}
