// Package client implements the per-session handle for a snakebox
// presence relay: one websocket per session, a join announcement sent on
// connect, immediate un-debounced score updates, and a passively
// maintained view of who else is online.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State tracks the session lifecycle. There is no reconnecting state: a
// dropped session stays Disconnected until the caller dials again.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by sends attempted outside the Joined state.
var ErrNotConnected = errors.New("session is not connected")

// Player is one entry of the server's players_update snapshot. Virtual is
// only ever set locally, for fabricated entries that never touch the wire.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Virtual  bool   `json:"isVirtual,omitempty"`
}

// Message is a relayed chat line. The timestamp is the server's, not the
// sender's.
type Message struct {
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Achievement is an unlock pushed back on this session's own connection.
type Achievement struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type envelope struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Score    *int   `json:"score,omitempty"`
	Text     string `json:"text,omitempty"`
	Level    *int   `json:"level,omitempty"`
}

type frame struct {
	Type        string    `json:"type"`
	Players     []Player  `json:"players"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Message     string    `json:"message"`
}

// Session is the single per-tab (or per-process) handle owning the
// outbound connection and the local identity. Callbacks fire from the
// read loop goroutine; set them before Connect.
type Session struct {
	serverURL string
	username  string
	dialer    *websocket.Dialer

	OnPlayers     func([]Player)
	OnChat        func(Message)
	OnAchievement func(Achievement)
	OnError       func(string)
	OnDisconnect  func(error)

	mu      sync.RWMutex
	state   State
	conn    *websocket.Conn
	players []Player
	score   int

	writeMu sync.Mutex
}

// New prepares a session against serverURL (http, https, ws or wss). No
// connection is made until Connect.
func New(serverURL, username string) *Session {
	return &Session{
		serverURL: serverURL,
		username:  username,
		dialer:    websocket.DefaultDialer,
	}
}

// wsEndpoint converts the configured server URL into the /ws endpoint.
func wsEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in server url", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect dials the relay and announces this session. On success the
// session is Joined and will appear in the next players_update broadcast.
// On failure the session returns to Disconnected and the error is handed
// back for the caller to surface; there is no automatic retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return errors.New("session already connected")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	endpoint, err := wsEndpoint(s.serverURL)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	score := s.score
	s.mu.Unlock()

	if err := s.write(envelope{Type: "join", Username: s.username, Score: &score}); err != nil {
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	s.setState(StateJoined)
	go s.readLoop(conn)

	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			voluntary := s.conn == nil // Close() already ran
			s.conn = nil
			s.state = StateDisconnected
			s.mu.Unlock()

			if !voluntary && s.OnDisconnect != nil {
				s.OnDisconnect(err)
			}
			return
		}

		switch f.Type {
		case "players_update":
			players := f.Players
			if players == nil {
				players = []Player{}
			}

			// Wholesale replacement: the broadcast is the full list, the
			// local view is rebuilt from scratch every time.
			s.mu.Lock()
			s.players = players
			s.mu.Unlock()

			if s.OnPlayers != nil {
				s.OnPlayers(append([]Player(nil), players...))
			}

		case "chat":
			if s.OnChat != nil {
				s.OnChat(Message{Username: f.Username, Text: f.Text, Timestamp: f.Timestamp})
			}

		case "achievement_unlock":
			if s.OnAchievement != nil {
				s.OnAchievement(Achievement{Name: f.Name, Description: f.Description})
			}

		case "error":
			if s.OnError != nil {
				s.OnError(f.Message)
			}
		}
	}
}

// UpdateScore reports a new score right away; every scoring event sends
// one message.
func (s *Session) UpdateScore(score int) error {
	s.mu.Lock()
	s.score = score
	s.mu.Unlock()

	n := score
	return s.write(envelope{Type: "score_update", Score: &n})
}

// SendChat relays a chat line under this session's username.
func (s *Session) SendChat(text string) error {
	return s.write(envelope{Type: "chat", Username: s.username, Text: text})
}

// CheckAchievements asks the server to evaluate its unlock thresholds;
// any unlock comes back on this connection via OnAchievement.
func (s *Session) CheckAchievements(score, level int) error {
	sc, lv := score, level
	return s.write(envelope{Type: "check_achievements", Score: &sc, Level: &lv})
}

func (s *Session) write(msg envelope) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// Close drops the connection. No leave message is sent: the server
// notices the teardown on its own and evicts the registry record.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Players returns a copy of the latest received player list.
func (s *Session) Players() []Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Player(nil), s.players...)
}

// Username returns the display name this session joined with.
func (s *Session) Username() string {
	return s.username
}

// Score returns the last score reported by this session.
func (s *Session) Score() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.score
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
