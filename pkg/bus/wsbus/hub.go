package wsbus

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/goliatone/go-xcookie/pkg/frame"
	"github.com/gorilla/websocket"
)

// Hub joins peers into one broadcast domain. Every frame a peer sends is
// posted on the hub's local bus, and everything posted there, including
// envelopes from documents the hub hosts, is sent to every peer.
type Hub struct {
	settings    Settings
	logger      glog.Logger
	launcher    frame.Launcher
	local       *bus.MemoryBus
	upgrader    websocket.Upgrader
	router      chi.Router
	unsubscribe func()

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithHubLogger(logger glog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithDocumentLauncher lets the hub host documents requested via
// POST /frames on its local bus.
func WithDocumentLauncher(launcher frame.Launcher) HubOption {
	return func(h *Hub) {
		h.launcher = launcher
	}
}

func WithHubSettings(settings Settings) HubOption {
	return func(h *Hub) {
		h.settings = settings.withDefaults()
	}
}

// WithCheckOrigin filters websocket upgrades. The default accepts any
// origin; envelopes are untrusted either way.
func WithCheckOrigin(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		settings: DefaultSettings(),
		logger:   glog.Nop(),
		peers:    map[*peer]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.local = bus.NewMemoryBus(bus.WithLogger(h.logger))
	h.unsubscribe = h.local.Subscribe(h.broadcast)

	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Get("/bus", h.handleBus)
	r.Post("/frames", h.handleFrames)
	h.router = r
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Bus is the hub's local side of the broadcast domain.
func (h *Hub) Bus() bus.Bus { return h.local }

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer and stops the local bus.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	h.unsubscribe()
	h.local.Close()
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peers": h.Peers()})
}

func (h *Hub) handleBus(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("wsbus upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	p := &peer{
		conn: conn,
		send: make(chan []byte, h.settings.SendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(p) {
		conn.Close()
		return
	}
	defer h.unregister(p)

	go p.writeLoop(h.settings, h.logger)
	conn.SetReadLimit(h.settings.ReadLimit)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("wsbus peer left", "remote", r.RemoteAddr, "error", err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		env, err := decodeFrame(message)
		if err != nil {
			h.logger.Debug("wsbus frame dropped", "remote", r.RemoteAddr, "error", err)
			continue
		}
		h.local.Post(env)
	}
}

type launchRequest struct {
	Token        string `json:"token"`
	Resource     string `json:"resource"`
	ParentOrigin string `json:"parent_origin,omitempty"`
}

func (h *Hub) handleFrames(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "hub does not host documents"})
		return
	}
	var req launchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid launch request"})
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Resource = strings.TrimSpace(req.Resource)
	if req.Token == "" || req.Resource == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "token and resource are required"})
		return
	}

	err := h.launcher.Launch(r.Context(), frame.Document{
		Resource:     req.Resource,
		Token:        req.Token,
		ParentOrigin: req.ParentOrigin,
		Bus:          h.local,
	})
	if err != nil {
		h.logger.Warn("wsbus document launch failed", "resource", req.Resource, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	h.logger.Debug("wsbus document launched", "resource", req.Resource, "parent_origin", req.ParentOrigin)
	writeJSON(w, http.StatusCreated, map[string]any{"resource": req.Resource})
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	close(p.done)
	p.conn.Close()
}

func (h *Hub) broadcast(env bus.Envelope) {
	message, err := encodeFrame(env)
	if err != nil {
		h.logger.Debug("wsbus envelope not encodable", "origin", env.Origin, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.send <- message:
		default:
			h.logger.Warn("wsbus slow peer, frame dropped", "origin", env.Origin)
		}
	}
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func (p *peer) writeLoop(settings Settings, logger glog.Logger) {
	ticker := time.NewTicker(settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket write deadline cannot be recovered
				logger.Debug("wsbus write failed", "error", err)
				p.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(settings.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.conn.Close()
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
