package wsbus

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/internal/errcode"
	"github.com/goliatone/go-xcookie/pkg/bus"
	"github.com/gorilla/websocket"
)

// Client is a bus.Bus backed by a hub connection. Posts go to the hub only;
// they come back, like everyone else's, through the hub's rebroadcast.
type Client struct {
	conn     *websocket.Conn
	local    *bus.MemoryBus
	send     chan []byte
	done     chan struct{}
	settings Settings
	logger   glog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ bus.Bus = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithClientLogger(logger glog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClientSettings(settings Settings) ClientOption {
	return func(c *Client) {
		c.settings = settings.withDefaults()
	}
}

// Dial connects to a hub's /bus endpoint, e.g. ws://host/bus.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Client{
		settings: DefaultSettings(),
		logger:   glog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errcode.Wrap(err, goerrors.CategoryExternal, "wsbus: dial hub", errcode.StoreUnavailable,
			map[string]any{"url": url})
	}
	conn.SetReadLimit(c.settings.ReadLimit)
	c.conn = conn
	c.send = make(chan []byte, c.settings.SendBuffer)
	c.local = bus.NewMemoryBus(bus.WithLogger(c.logger))

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Post queues env for the hub. It never blocks; frames are dropped when the
// connection is gone or the send buffer is full.
func (c *Client) Post(env bus.Envelope) {
	message, err := encodeFrame(env)
	if err != nil {
		c.logger.Debug("wsbus envelope not encodable", "origin", env.Origin, "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- message:
	default:
		c.logger.Warn("wsbus send buffer full, frame dropped", "origin", env.Origin)
	}
}

func (c *Client) Subscribe(fn bus.Listener) func() {
	return c.local.Subscribe(fn)
}

// Done closes when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection and stops delivery.
func (c *Client) Close() {
	c.shutdown()
	c.wg.Wait()
	c.local.Close()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.settings.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("wsbus connection lost", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		env, err := decodeFrame(message)
		if err != nil {
			c.logger.Debug("wsbus frame dropped", "error", err)
			continue
		}
		c.local.Post(env)
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("wsbus write failed", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
