// Package wsbus carries a bus.Bus over websockets. A Hub rebroadcasts every
// frame to every connected peer and can host shared-store documents on its
// own side; a Client is the page end of the connection.
package wsbus

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-xcookie/internal/hydrate"
	"github.com/goliatone/go-xcookie/pkg/bus"
)

// Settings tunes both ends of a connection.
type Settings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   64,
		ReadLimit:    64 << 10,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = d.SendBuffer
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = d.ReadLimit
	}
	return s
}

// frames are JSON envelopes; the data member is whatever the sender posted.
var frameDecoder = hydrate.NewDecoder[bus.Envelope](
	hydrate.WithDisallowUnknownFields[bus.Envelope](),
)

func encodeFrame(env bus.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeFrame(payload []byte) (bus.Envelope, error) {
	return frameDecoder.Decode(hydrate.Context{Source: "wsbus"}, payload)
}
