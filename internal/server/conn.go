package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/stream"
)

// sendRetries is how often a failed send is retried before the connection is
// dropped. The backoff is 0.5 s times the attempt number.
const sendRetries = 3

// ErrTooManyConnections is returned by Register when the cap is reached.
var ErrTooManyConnections = errors.New("server: connection limit reached")

// Conn is one registered client connection. All writes go through Send, which
// serializes frames on a mutex so concurrent emitters cannot interleave.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64

	mu             sync.Mutex
	prefs          stream.TTSPrefs
	stagedDisabled bool
	sampleRate     int
	channels       int
}

// ID returns the client id.
func (c *Conn) ID() string { return c.id }

// Prefs returns the connection's current TTS preferences.
func (c *Conn) Prefs() stream.TTSPrefs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// SetPrefs replaces the connection's TTS preferences.
func (c *Conn) SetPrefs(p stream.TTSPrefs) {
	c.mu.Lock()
	c.prefs = p
	c.mu.Unlock()
}

// StagedEnabled reports whether staged emission is active for this client.
func (c *Conn) StagedEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stagedDisabled
}

// SetStagedEnabled toggles staged emission for this client.
func (c *Conn) SetStagedEnabled(on bool) {
	c.mu.Lock()
	c.stagedDisabled = !on
	c.mu.Unlock()
}

// AudioOpts returns the negotiated ingest sample rate and channel count.
func (c *Conn) AudioOpts() (sampleRate, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate, c.channels
}

// SetAudioOpts overrides the ingest audio parameters.
func (c *Conn) SetAudioOpts(sampleRate, channels int) {
	c.mu.Lock()
	if sampleRate > 0 {
		c.sampleRate = sampleRate
	}
	if channels > 0 {
		c.channels = channels
	}
	c.mu.Unlock()
}

// send writes one JSON message with retries. Attempt n sleeps 0.5·n seconds
// before retrying.
func (c *Conn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= sendRetries; attempt++ {
		c.writeMu.Lock()
		lastErr = c.ws.Write(ctx, websocket.MessageText, data)
		c.writeMu.Unlock()
		if lastErr == nil {
			c.messagesOut.Add(1)
			c.bytesOut.Add(int64(len(data)))
			return nil
		}
		if attempt < sendRetries {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("server: send to %s failed after %d attempts: %w", c.id, sendRetries, lastErr)
}

// writeJSON marshals and writes one text frame outside the connection
// registry, used during the handshake.
func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Stats reports the connection counters.
func (c *Conn) Stats() map[string]int64 {
	return map[string]int64{
		"messages_in":  c.messagesIn.Load(),
		"messages_out": c.messagesOut.Load(),
		"bytes_in":     c.bytesIn.Load(),
		"bytes_out":    c.bytesOut.Load(),
	}
}

// ConnManager tracks registered connections and enforces the connection cap.
type ConnManager struct {
	max     int
	metrics *observe.Metrics

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewConnManager creates a manager capping concurrent connections at max
// (zero or negative means unlimited).
func NewConnManager(max int, metrics *observe.Metrics) *ConnManager {
	return &ConnManager{
		max:     max,
		metrics: metrics,
		conns:   make(map[string]*Conn),
	}
}

// Register wraps the socket and tracks it under id.
func (m *ConnManager) Register(ctx context.Context, id string, ws *websocket.Conn, defaults stream.TTSPrefs, sampleRate, channels int) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.conns) >= m.max {
		return nil, ErrTooManyConnections
	}
	c := &Conn{
		id:         id,
		ws:         ws,
		prefs:      defaults,
		sampleRate: sampleRate,
		channels:   channels,
	}
	m.conns[id] = c
	if m.metrics != nil {
		m.metrics.ConnectionOpened(ctx)
	}
	return c, nil
}

// Unregister forgets the connection. Idempotent.
func (m *ConnManager) Unregister(ctx context.Context, id string) {
	m.mu.Lock()
	_, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok && m.metrics != nil {
		m.metrics.ConnectionClosed(ctx)
	}
}

// Get returns the connection for id.
func (m *ConnManager) Get(id string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count reports the number of registered connections.
func (m *ConnManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Send delivers a message to a client. Persistent write failure unregisters
// the client and closes its socket.
func (m *ConnManager) Send(ctx context.Context, id string, v any) error {
	c, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("server: unknown client %s", id)
	}
	if err := c.send(ctx, v); err != nil {
		slog.Warn("dropping client after failed sends", "client_id", id, "error", err)
		m.Unregister(ctx, id)
		c.ws.Close(websocket.StatusInternalError, "send failed")
		return err
	}
	return nil
}
