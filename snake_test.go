package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		bind:         "127.0.0.1",
		origin:       "http://localhost:3000",
		pingInterval: 25 * time.Second,
		pingTimeout:  60 * time.Second,
		port:         3001,
	}
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func newTestClient(id string) *Client {
	return &Client{send: make(chan any, 16), connID: id}
}

// collect drains everything currently queued on a client's send channel.
func collect(c *Client) []any {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func join(h *Hub, c *Client, username string, score string) {
	msg := ClientMessage{Type: "join", Username: raw(`"` + username + `"`)}
	if score != "" {
		msg.Score = raw(score)
	}
	h.handleJoin(clientEvent{client: c, msg: msg})
}

func TestJoinCreatesRecordInInsertionOrder(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	// A connected-but-not-yet-joined socket has no registry entry.
	require.Equal(t, 0, h.PlayerCount())

	join(h, alice, "Alice", "0")
	require.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alice", Score: 0},
	}, h.Snapshot())

	join(h, bob, "Bob", "0")
	require.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alice", Score: 0},
		{ID: "conn-b", Username: "Bob", Score: 0},
	}, h.Snapshot())
}

func TestScenarioJoinUpdateDisconnect(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	join(h, alice, "Alice", "0")
	join(h, bob, "Bob", "0")

	h.handleScore(clientEvent{client: alice, msg: ClientMessage{Type: "score_update", Score: raw(`30`)}})
	require.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alice", Score: 30},
		{ID: "conn-b", Username: "Bob", Score: 0},
	}, h.Snapshot())

	h.dropClient(alice)
	require.Equal(t, []PlayerInfo{
		{ID: "conn-b", Username: "Bob", Score: 0},
	}, h.Snapshot())

	// Bob observed every mutation in order, one broadcast each.
	msgs := collect(bob)
	var lists [][]PlayerInfo
	for _, m := range msgs {
		if pu, ok := m.(PlayersUpdateMessage); ok {
			lists = append(lists, pu.Players)
		}
	}
	require.Len(t, lists, 4)
	assert.Equal(t, []PlayerInfo{{ID: "conn-a", Username: "Alice", Score: 0}}, lists[0])
	assert.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alice", Score: 0},
		{ID: "conn-b", Username: "Bob", Score: 0},
	}, lists[1])
	assert.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alice", Score: 30},
		{ID: "conn-b", Username: "Bob", Score: 0},
	}, lists[2])
	assert.Equal(t, []PlayerInfo{{ID: "conn-b", Username: "Bob", Score: 0}}, lists[3])
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	join(h, alice, "Alice", "10")
	join(h, bob, "Bob", "20")

	h.dropClient(alice)
	once := h.Snapshot()

	h.dropClient(alice)
	require.Equal(t, once, h.Snapshot())
}

func TestRemoveWithoutRecordBroadcastsNothing(t *testing.T) {
	h := newHub()
	lurker := newTestClient("conn-l")
	bob := newTestClient("conn-b")
	h.addClient(lurker)
	h.addClient(bob)

	join(h, bob, "Bob", "0")
	collect(bob)

	// The lurker never joined: its disconnect mutates nothing, so no
	// broadcast fires.
	h.dropClient(lurker)
	assert.Empty(t, collect(bob))
	assert.Equal(t, 1, h.PlayerCount())
}

func TestStaleScoreUpdateIsIgnored(t *testing.T) {
	h := newHub()
	ghost := newTestClient("conn-g")
	bob := newTestClient("conn-b")
	h.addClient(ghost)
	h.addClient(bob)

	join(h, bob, "Bob", "0")
	collect(bob)

	// Update before join: no record created, no error, no broadcast.
	h.handleScore(clientEvent{client: ghost, msg: ClientMessage{Type: "score_update", Score: raw(`50`)}})

	assert.Equal(t, []PlayerInfo{{ID: "conn-b", Username: "Bob", Score: 0}}, h.Snapshot())
	assert.Empty(t, collect(bob))
}

func TestScoreIsLastWriteWins(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	h.addClient(alice)

	join(h, alice, "Alice", "5")
	for _, score := range []string{"10", "20", "15"} {
		h.handleScore(clientEvent{client: alice, msg: ClientMessage{Type: "score_update", Score: raw(score)}})
	}

	require.Equal(t, []PlayerInfo{{ID: "conn-a", Username: "Alice", Score: 15}}, h.Snapshot())
}

func TestJoinCoercesMalformedPayloads(t *testing.T) {
	for _, tc := range []struct {
		name     string
		msg      ClientMessage
		expected PlayerInfo
	}{
		{
			name:     "missing score",
			msg:      ClientMessage{Type: "join", Username: raw(`"Alice"`)},
			expected: PlayerInfo{ID: "conn-x", Username: "Alice", Score: 0},
		},
		{
			name:     "non-numeric score",
			msg:      ClientMessage{Type: "join", Username: raw(`"Alice"`), Score: raw(`"lots"`)},
			expected: PlayerInfo{ID: "conn-x", Username: "Alice", Score: 0},
		},
		{
			name:     "quoted numeric score",
			msg:      ClientMessage{Type: "join", Username: raw(`"Alice"`), Score: raw(`"42"`)},
			expected: PlayerInfo{ID: "conn-x", Username: "Alice", Score: 42},
		},
		{
			name:     "fractional score",
			msg:      ClientMessage{Type: "join", Username: raw(`"Alice"`), Score: raw(`13.9`)},
			expected: PlayerInfo{ID: "conn-x", Username: "Alice", Score: 13},
		},
		{
			name:     "missing username",
			msg:      ClientMessage{Type: "join", Score: raw(`7`)},
			expected: PlayerInfo{ID: "conn-x", Username: "", Score: 7},
		},
		{
			name:     "non-string username",
			msg:      ClientMessage{Type: "join", Username: raw(`1234`), Score: raw(`7`)},
			expected: PlayerInfo{ID: "conn-x", Username: "", Score: 7},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHub()
			c := newTestClient("conn-x")
			h.addClient(c)
			h.handleJoin(clientEvent{client: c, msg: tc.msg})
			require.Equal(t, []PlayerInfo{tc.expected}, h.Snapshot())
		})
	}
}

func TestRejoinOverwritesInPlace(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	join(h, alice, "Alice", "10")
	join(h, bob, "Bob", "20")
	join(h, alice, "Alicia", "0")

	// Same connection id: the record is replaced, not appended, and it
	// keeps its position.
	require.Equal(t, []PlayerInfo{
		{ID: "conn-a", Username: "Alicia", Score: 0},
		{ID: "conn-b", Username: "Bob", Score: 20},
	}, h.Snapshot())
}

func TestDuplicateUsernamesAllowed(t *testing.T) {
	h := newHub()
	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	h.addClient(a)
	h.addClient(b)

	join(h, a, "Alice", "1")
	join(h, b, "Alice", "2")

	require.Equal(t, 2, h.PlayerCount())
}

func TestChatRelayRoundTrip(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	before := time.Now()
	h.handleChat(clientEvent{client: alice, msg: ClientMessage{
		Type:     "chat",
		Username: raw(`"Alice"`),
		Text:     raw(`"hi"`),
	}})

	for _, c := range []*Client{alice, bob} {
		msgs := collect(c)
		require.Len(t, msgs, 1)
		chat, ok := msgs[0].(ChatMessage)
		require.True(t, ok)
		assert.Equal(t, "Alice", chat.Username)
		assert.Equal(t, "hi", chat.Text)
		assert.False(t, chat.Timestamp.Before(before))
	}
}

func TestChatToleratesMissingFields(t *testing.T) {
	h := newHub()
	c := newTestClient("conn-a")
	h.addClient(c)

	h.handleChat(clientEvent{client: c, msg: ClientMessage{Type: "chat"}})

	msgs := collect(c)
	require.Len(t, msgs, 1)
	chat := msgs[0].(ChatMessage)
	assert.Empty(t, chat.Username)
	assert.Empty(t, chat.Text)
	assert.False(t, chat.Timestamp.IsZero())
}

func TestAchievementThresholds(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	join(h, alice, "Alice", "0")
	join(h, bob, "Bob", "0")
	collect(alice)
	collect(bob)

	h.handleCheck(clientEvent{client: alice, msg: ClientMessage{
		Type:  "check_achievements",
		Score: raw(`120`),
		Level: raw(`6`),
	}})

	// Unlocks go to the requesting socket only.
	msgs := collect(alice)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Score Master", msgs[0].(AchievementMessage).Name)
	assert.Equal(t, "Level Up Pro", msgs[1].(AchievementMessage).Name)
	assert.Empty(t, collect(bob))

	// Below both thresholds: nothing.
	h.handleCheck(clientEvent{client: alice, msg: ClientMessage{
		Type:  "check_achievements",
		Score: raw(`99`),
		Level: raw(`4`),
	}})
	assert.Empty(t, collect(alice))
}

func TestAchievementCheckRequiresRecord(t *testing.T) {
	h := newHub()
	ghost := newTestClient("conn-g")
	h.addClient(ghost)

	h.handleCheck(clientEvent{client: ghost, msg: ClientMessage{
		Type:  "check_achievements",
		Score: raw(`500`),
		Level: raw(`9`),
	}})

	assert.Empty(t, collect(ghost))
}

func TestGuardContainsPanics(t *testing.T) {
	h := newHub()
	alice := newTestClient("conn-a")
	bob := newTestClient("conn-b")
	h.addClient(alice)
	h.addClient(bob)

	h.guard(alice, func() { panic("boom") })

	// The offender gets a generic notice; nobody else hears about it.
	msgs := collect(alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, "internal server error", msgs[0].(ErrorMessage).Message)
	assert.Empty(t, collect(bob))

	// The hub keeps serving.
	join(h, bob, "Bob", "0")
	require.Equal(t, 1, h.PlayerCount())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHub()
	slow := &Client{send: make(chan any), connID: "conn-s"} // zero buffer
	bob := newTestClient("conn-b")
	h.addClient(slow)
	h.addClient(bob)

	join(h, bob, "Bob", "0")

	// The unbuffered client could not take the broadcast and was evicted.
	_, open := <-slow.send
	assert.False(t, open)
	require.Len(t, collect(bob), 1)
}

func TestCoercionHelpers(t *testing.T) {
	assert.Equal(t, 0, asInt(nil))
	assert.Equal(t, 7, asInt(raw(`7`)))
	assert.Equal(t, 7, asInt(raw(`7.9`)))
	assert.Equal(t, 7, asInt(raw(`"7"`)))
	assert.Equal(t, 0, asInt(raw(`"pommes"`)))
	assert.Equal(t, 0, asInt(raw(`{"nested":true}`)))
	assert.Equal(t, -3, asInt(raw(`-3`)))

	assert.Equal(t, "", asString(nil))
	assert.Equal(t, "Alice", asString(raw(`"Alice"`)))
	assert.Equal(t, "", asString(raw(`42`)))
}

func TestWebSocketEndToEnd(t *testing.T) {
	cfg := testConfig()
	hub := newHub()
	go hub.run(cfg)

	errs := make(chan error, 64)
	srv := httptest.NewServer(newMux(cfg, hub, errs))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		return conn
	}

	readPlayers := func(conn *websocket.Conn) []PlayerInfo {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			var f struct {
				Type    string       `json:"type"`
				Players []PlayerInfo `json:"players"`
			}
			require.NoError(t, conn.ReadJSON(&f))
			if f.Type == "players_update" {
				return f.Players
			}
		}
	}

	alice := dial()
	defer alice.Close()
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "join", "username": "Alice", "score": 0}))

	first := readPlayers(alice)
	require.Len(t, first, 1)
	assert.Equal(t, "Alice", first[0].Username)

	bob := dial()
	defer bob.Close()
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "join", "username": "Bob"}))

	second := readPlayers(bob)
	require.Len(t, second, 2)
	assert.Equal(t, "Alice", second[0].Username)
	assert.Equal(t, "Bob", second[1].Username)

	// Alice disconnects without a leave message; the teardown alone
	// evicts her record and Bob hears about it.
	alice.Close()

	require.Eventually(t, func() bool {
		return hub.PlayerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	gone := readPlayers(bob)
	for len(gone) != 1 {
		gone = readPlayers(bob)
	}
	assert.Equal(t, "Bob", gone[0].Username)
}
