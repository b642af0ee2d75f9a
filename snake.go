// Snakebox presence relay
//
// Each browser tab opens one websocket to the relay and announces itself
// with a username and score. The server runs no snake simulation of its
// own: every client advances its game locally and reports the result, so
// the only shared state is the registry of who is connected and their
// latest self-reported score.
//
// Features:
// - One registry record per open connection, created on "join" (a socket
//   that connects but never joins has no record)
// - Usernames are display strings, never checked for uniqueness; the
//   registry key is the connection id
// - Full-snapshot "players_update" broadcast after every registry change,
//   one broadcast per mutation, insertion order preserved
// - Client-reported scores taken at face value
// - Stateless chat relay stamped with a server-side timestamp
// - Achievement threshold checks answered on the requesting socket only
// - Per-event recovery: one client's bad payload never takes down the
//   hub or other sessions

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Player holds the registry record for one joined connection.
type Player struct {
	ConnID   string
	Username string
	Score    int
}

// ClientMessage is the envelope for everything coming from clients.
// Payload fields stay raw so that absent or oddly-typed values can be
// coerced instead of failing the whole frame.
type ClientMessage struct {
	Type     string          `json:"type"`               // "join", "score_update", "chat", "check_achievements"
	Username json.RawMessage `json:"username,omitempty"` // join / chat
	Score    json.RawMessage `json:"score,omitempty"`    // join / score_update / check_achievements
	Text     json.RawMessage `json:"text,omitempty"`     // chat
	Level    json.RawMessage `json:"level,omitempty"`    // check_achievements
}

// asString tolerates absent or non-string values by defaulting to "".
func asString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// asInt tolerates absent, fractional, quoted-numeric and garbage values,
// defaulting to 0. Scores arrive from untrusted clients in whatever shape
// their serializer produced.
func asInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return 0
}

// PlayerInfo is one entry of a players_update snapshot.
type PlayerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// PlayersUpdateMessage carries the full post-mutation player list.
// Clients rebuild their whole "online players" view from it; there are
// no deltas.
type PlayersUpdateMessage struct {
	Type    string       `json:"type"` // "players_update"
	Players []PlayerInfo `json:"players"`
}

// ChatMessage is a relayed chat line plus the server receive time. It is
// broadcast once and never stored.
type ChatMessage struct {
	Type      string    `json:"type"` // "chat"
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AchievementMessage is sent to a single client when a threshold check
// passes.
type AchievementMessage struct {
	Type        string `json:"type"` // "achievement_unlock"
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorMessage is the generic notice sent to a client whose event blew up
// server-side.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// Client wraps one websocket connection. connID is the opaque token the
// registry is keyed by, assigned at upgrade time.
type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

// Hub is the single owner of the connection registry. Mutations and the
// broadcasts they trigger all run on the run() goroutine, so every client
// observes the same total order of registry changes. The mutex only
// covers reads from other goroutines (health endpoint, tests).
type Hub struct {
	clients map[*Client]bool
	players []Player // insertion order, one record per joined connection

	register chan *Client
	unreg    chan *Client
	joins    chan clientEvent
	scores   chan clientEvent
	chats    chan clientEvent
	checks   chan clientEvent

	mu sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		joins:    make(chan clientEvent),
		scores:   make(chan clientEvent),
		chats:    make(chan clientEvent),
		checks:   make(chan clientEvent),
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)

		case c := <-h.unreg:
			h.dropClient(c)

		case ev := <-h.joins:
			h.guard(ev.client, func() { h.handleJoin(ev) })

		case ev := <-h.scores:
			h.guard(ev.client, func() { h.handleScore(ev) })

		case ev := <-h.chats:
			h.guard(ev.client, func() { h.handleChat(ev) })

		case ev := <-h.checks:
			h.guard(ev.client, func() { h.handleCheck(ev) })
		}
	}
}

// guard contains a panicking event handler to the event that raised it.
// The offending client gets a generic notice; other sessions keep going.
func (h *Hub) guard(c *Client, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("GAMES: event handler panic: %v", r)
			if c != nil {
				h.mu.Lock()
				if h.clients[c] {
					h.trySendLocked(c, ErrorMessage{Type: "error", Message: "internal server error"})
				}
				h.mu.Unlock()
			}
		}
	}()
	fn()
}

// addClient registers the raw connection. No registry record is created
// here; that only happens on an explicit join announcement.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	Log.Debugf("GAMES: connection %s opened", c.connID)
}

// dropClient tears the connection down and evicts its registry record.
// Eviction is idempotent: a connection that never joined (or was already
// removed) leaves the registry untouched and triggers no broadcast.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	if h.removePlayerLocked(c.connID) {
		h.broadcastPlayersLocked()
		Log.Infof("GAMES: Player %s disconnected", c.connID)
	} else {
		Log.Debugf("GAMES: connection %s closed without a registry record", c.connID)
	}
}

func (h *Hub) removePlayerLocked(connID string) bool {
	for i, p := range h.players {
		if p.ConnID == connID {
			h.players = append(h.players[:i], h.players[i+1:]...)
			return true
		}
	}
	return false
}

// handleJoin inserts or overwrites the record for this connection.
// Malformed payloads are coerced, never rejected: a missing username
// becomes "" and a missing or non-numeric score becomes 0. A rejoin on
// the same connection keeps the record's position in the list.
func (h *Hub) handleJoin(ev clientEvent) {
	username := asString(ev.msg.Username)
	score := asInt(ev.msg.Score)

	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.players {
		if h.players[i].ConnID == ev.client.connID {
			h.players[i].Username = username
			h.players[i].Score = score
			h.broadcastPlayersLocked()
			return
		}
	}

	h.players = append(h.players, Player{
		ConnID:   ev.client.connID,
		Username: username,
		Score:    score,
	})
	Log.Infof("GAMES: Player %q joined as %s", username, ev.client.connID)

	h.broadcastPlayersLocked()
}

// handleScore replaces the score for this connection's record. An update
// that raced ahead of a join or trailed a disconnect is a stale message:
// it is dropped silently, creates nothing, and broadcasts nothing.
func (h *Hub) handleScore(ev clientEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.players {
		if h.players[i].ConnID == ev.client.connID {
			h.players[i].Score = asInt(ev.msg.Score)
			h.broadcastPlayersLocked()
			return
		}
	}

	Log.Debugf("GAMES: stale score update from %s ignored", ev.client.connID)
}

// handleChat relays the payload to every connected client, sender
// included, with a server timestamp attached. Nothing is stored and
// missing fields pass through as empty strings.
func (h *Hub) handleChat(ev clientEvent) {
	out := ChatMessage{
		Type:      "chat",
		Username:  asString(ev.msg.Username),
		Text:      asString(ev.msg.Text),
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.trySendLocked(c, out)
	}
}

// handleCheck answers achievement threshold checks on the requesting
// socket only. Checks from sockets without a registry record are ignored.
func (h *Hub) handleCheck(ev clientEvent) {
	score := asInt(ev.msg.Score)
	level := asInt(ev.msg.Level)

	var unlocks []AchievementMessage
	if score >= 100 {
		unlocks = append(unlocks, AchievementMessage{
			Type:        "achievement_unlock",
			Name:        "Score Master",
			Description: "Reach 100 points",
		})
	}
	if level >= 5 {
		unlocks = append(unlocks, AchievementMessage{
			Type:        "achievement_unlock",
			Name:        "Level Up Pro",
			Description: "Reach level 5",
		})
	}
	if len(unlocks) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.hasPlayerLocked(ev.client.connID) || !h.clients[ev.client] {
		return
	}
	for _, msg := range unlocks {
		h.trySendLocked(ev.client, msg)
	}
}

func (h *Hub) hasPlayerLocked(connID string) bool {
	for _, p := range h.players {
		if p.ConnID == connID {
			return true
		}
	}
	return false
}

// broadcastPlayersLocked fans the post-mutation snapshot out to every
// connected client. Called with h.mu held, immediately after each
// registry change: no coalescing, one broadcast per mutation.
func (h *Hub) broadcastPlayersLocked() {
	msg := PlayersUpdateMessage{
		Type:    "players_update",
		Players: h.snapshotLocked(),
	}

	for c := range h.clients {
		h.trySendLocked(c, msg)
	}
}

func (h *Hub) snapshotLocked() []PlayerInfo {
	out := make([]PlayerInfo, 0, len(h.players))
	for _, p := range h.players {
		out = append(out, PlayerInfo{ID: p.ConnID, Username: p.Username, Score: p.Score})
	}
	return out
}

// trySendLocked enqueues without blocking. A client that cannot keep up,
// or is mid-disconnect, is dropped on the spot; delivery is best-effort.
func (h *Hub) trySendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

// Snapshot returns a copy of the current registry in insertion order.
func (h *Hub) Snapshot() []PlayerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

// PlayerCount reports how many joined connections are currently tracked.
func (h *Hub) PlayerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.players)
}

// newConnID returns the opaque per-connection token handed out at
// upgrade time.
func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin header.
				return true
			}
			if origin == cfg.origin {
				return true
			}
			// Pages served from this host (the embedded bundle).
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return false
		},
	}
}

// serveWS upgrades the connection, assigns it a fresh connection id and
// hands it to the hub.
func serveWS(cfg *Config, hub *Hub) httprouter.Handle {
	upgrader := newUpgrader(cfg)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Log.Warnf("SERVE: websocket upgrade from %s failed: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 16),
			connID: newConnID(),
		}

		hub.register <- client

		go client.writePump(cfg)
		client.readPump(cfg, hub)
	}
}

// readPump decodes inbound frames and hands them to the hub. Exiting for
// any reason (voluntary close, timeout, protocol error) unregisters the
// connection, which is the only signal that evicts a registry record:
// clients never send an explicit leave message.
func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.pingTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.pingTimeout))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		ev := clientEvent{client: c, msg: msg}

		switch msg.Type {
		case "join":
			h.joins <- ev
		case "score_update":
			h.scores <- ev
		case "chat":
			h.chats <- ev
		case "check_achievements":
			h.checks <- ev
		default:
			// ignore unknown types
		}
	}
}

// writePump owns all writes on the connection: queued messages plus the
// keep-alive pings that drive liveness detection.
func (c *Client) writePump(cfg *Config) {
	ticker := time.NewTicker(cfg.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
