// Package events pushes job progress and player transport commands to the UI
// over a websocket.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/session"
)

// Event types.
const (
	TypeJob       = "job"
	TypeTransport = "transport"
)

// Transport commands addressed to the UI player.
const (
	CommandSource = "source"
	CommandSeek   = "seek"
	CommandPlay   = "play"
	CommandPause  = "pause"
	CommandMute   = "mute"
	CommandUnmute = "unmute"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	maxInbound   = 4096
)

type Transport struct {
	Command string         `json:"command"`
	Time    *float64       `json:"time,omitempty"`
	Target  preview.Target `json:"target,omitempty"`
}

type Event struct {
	Type      string       `json:"type"`
	Job       *session.Job `json:"job,omitempty"`
	Transport *Transport   `json:"transport,omitempty"`
	Time      time.Time    `json:"time"`
}

// Reporter receives the player's position during natural playback.
type Reporter interface {
	Report(t float64)
}

// inbound is a message from the UI.
type inbound struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

type Config struct {
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Hub fans events out to every connected UI. It implements preview.Surface
// and session.Publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	clients  map[*client]struct{}
	reporter Reporter
	target   preview.Target
	muted    bool
	closed   bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "events"),
		clients: make(map[*client]struct{}),
		target:  preview.TargetSource,
	}
}

// SetReporter routes position reports from the UI.
func (h *Hub) SetReporter(r Reporter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reporter = r
}

// Clients returns the number of connected UIs.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection. A new client
// first receives the current player target and mute state.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	target, muted := h.target, h.muted
	h.mu.Unlock()

	h.logger.Debug("client connected", "remote", r.RemoteAddr)
	go h.writePump(c)

	h.sendTo(c, transportEvent(CommandSource, nil, target))
	if muted {
		h.sendTo(c, transportEvent(CommandMute, nil, ""))
	}
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", "error", err)
			continue
		}
		if msg.Type == "time" {
			h.mu.Lock()
			r := h.reporter
			h.mu.Unlock()
			if r != nil {
				r.Report(msg.Time)
			}
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// Broadcast sends ev to every client. A client whose buffer is full is
// disconnected.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client")
		c.once.Do(func() { close(c.send) })
	}
}

func (h *Hub) sendTo(c *client, ev Event) {
	ev.Time = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// PublishJob implements session.Publisher.
func (h *Hub) PublishJob(job session.Job) {
	h.Broadcast(Event{Type: TypeJob, Job: &job})
}

// Load implements preview.Surface.
func (h *Hub) Load(target preview.Target) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
	h.Broadcast(transportEvent(CommandSource, nil, target))
}

func (h *Hub) Seek(t float64) {
	h.Broadcast(transportEvent(CommandSeek, &t, ""))
}

func (h *Hub) Play() {
	h.Broadcast(transportEvent(CommandPlay, nil, ""))
}

func (h *Hub) Pause() {
	h.Broadcast(transportEvent(CommandPause, nil, ""))
}

func (h *Hub) SetMuted(muted bool) {
	h.mu.Lock()
	changed := h.muted != muted
	h.muted = muted
	h.mu.Unlock()
	if !changed {
		return
	}
	cmd := CommandUnmute
	if muted {
		cmd = CommandMute
	}
	h.Broadcast(transportEvent(cmd, nil, ""))
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.once.Do(func() { close(c.send) })
	}
}

func transportEvent(cmd string, t *float64, target preview.Target) Event {
	return Event{Type: TypeTransport, Transport: &Transport{Command: cmd, Time: t, Target: target}}
}
