package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry, *QuizStore) {
	t.Helper()

	cfg := &Config{managerPassword: "secret"}
	reg := NewRegistry(cfg, nil, 0)

	quizzes, err := NewQuizStore(cfg, filepath.Join(t.TempDir(), "quizz"))
	require.NoError(t, err)

	gw := NewGateway(cfg, reg, quizzes, nil)

	mux := httprouter.New()
	mux.GET("/ws", ServeWS(cfg, gw))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, reg, quizzes
}

func dialWS(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// awaitEvent reads messages until the wanted event arrives, skipping the
// incidental broadcasts (player counts, cooldown ticks) in between.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) serverMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", event)
		if msg.Event == event {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestManagerAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv, "mgr-client")

	send(t, conn, clientMessage{Type: "manager:auth", Password: "wrong"})
	msg := awaitEvent(t, conn, "manager:errorMessage")
	assert.Equal(t, "Invalid password", msg.Data)

	send(t, conn, clientMessage{Type: "manager:auth", Password: "secret"})
	msg = awaitEvent(t, conn, "manager:quizzList")

	quizzes, ok := msg.Data.([]any)
	require.True(t, ok)
	assert.NotEmpty(t, quizzes, "seeded example quiz should be listed")
}

func TestCreateJoinFlow(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	manager := dialWS(t, srv, "mgr-client")
	send(t, manager, clientMessage{Type: "game:create", QuizID: "example"})

	created := awaitEvent(t, manager, "manager:gameCreated")
	data, ok := created.Data.(map[string]any)
	require.True(t, ok)
	gameID, _ := data["gameId"].(string)
	inviteCode, _ := data["inviteCode"].(string)
	require.NotEmpty(t, gameID)
	require.Regexp(t, `^[A-Z0-9]{6}$`, inviteCode)
	assert.Equal(t, 1, reg.Len())

	player := dialWS(t, srv, "player-client")

	send(t, player, clientMessage{Type: "player:join", InviteCode: "ZZZZZZ"})
	msg := awaitEvent(t, player, "game:errorMessage")
	assert.Equal(t, "Game not found", msg.Data)

	send(t, player, clientMessage{Type: "player:join", InviteCode: "not a code"})
	msg = awaitEvent(t, player, "game:errorMessage")
	assert.Equal(t, "Invalid invite code", msg.Data)

	send(t, player, clientMessage{Type: "player:join", InviteCode: inviteCode})
	msg = awaitEvent(t, player, "game:successRoom")
	assert.Equal(t, gameID, msg.Data)

	send(t, player, clientMessage{Type: "player:login", GameID: gameID, Username: "alice"})
	msg = awaitEvent(t, player, "game:successJoin")
	assert.Equal(t, gameID, msg.Data)

	joined := awaitEvent(t, manager, "manager:newPlayer")
	joinedData, ok := joined.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", joinedData["username"])
}

func TestCreateRejectsInvalidQuizContent(t *testing.T) {
	srv, reg, quizzes := newTestServer(t)

	// A hand-edited document that Save would have refused.
	doc := []byte(`{"subject": "Empty", "questions": []}`)
	require.NoError(t, os.WriteFile(filepath.Join(quizzes.dir, "empty.json"), doc, 0o644))

	conn := dialWS(t, srv, "mgr-client")
	send(t, conn, clientMessage{Type: "game:create", QuizID: "empty"})

	msg := awaitEvent(t, conn, "game:errorMessage")
	assert.Contains(t, msg.Data, "at least one question")
	assert.Equal(t, 0, reg.Len())
}

func TestCreateWithUnknownQuiz(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	conn := dialWS(t, srv, "mgr-client")

	send(t, conn, clientMessage{Type: "game:create", QuizID: "missing"})
	msg := awaitEvent(t, conn, "game:errorMessage")
	assert.Equal(t, "Quizz not found", msg.Data)
	assert.Equal(t, 0, reg.Len())
}

func TestViewerJoinRequiresPassword(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	manager := dialWS(t, srv, "mgr-client")
	send(t, manager, clientMessage{Type: "game:create", QuizID: "example"})
	created := awaitEvent(t, manager, "manager:gameCreated")
	inviteCode := created.Data.(map[string]any)["inviteCode"].(string)
	require.Equal(t, 1, reg.Len())

	viewer := dialWS(t, srv, "viewer-client")

	send(t, viewer, clientMessage{Type: "viewer:join", InviteCode: inviteCode, Password: "wrong"})
	msg := awaitEvent(t, viewer, "game:errorMessage")
	assert.Equal(t, "Invalid password", msg.Data)

	send(t, viewer, clientMessage{Type: "viewer:join", InviteCode: inviteCode, Password: "secret"})
	msg = awaitEvent(t, viewer, "viewer:joined")

	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["gameId"])
}

func TestManagerDisconnectBeforeStartResetsGame(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	manager := dialWS(t, srv, "mgr-client")
	send(t, manager, clientMessage{Type: "game:create", QuizID: "example"})
	created := awaitEvent(t, manager, "manager:gameCreated")
	inviteCode := created.Data.(map[string]any)["inviteCode"].(string)
	gameID := created.Data.(map[string]any)["gameId"].(string)

	player := dialWS(t, srv, "player-client")
	send(t, player, clientMessage{Type: "player:join", InviteCode: inviteCode})
	awaitEvent(t, player, "game:successRoom")
	send(t, player, clientMessage{Type: "player:login", GameID: gameID, Username: "alice"})
	awaitEvent(t, player, "game:successJoin")

	require.NoError(t, manager.Close())

	msg := awaitEvent(t, player, "game:reset")
	assert.Equal(t, "Manager disconnected", msg.Data)

	require.Eventually(t, func() bool {
		return reg.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlayerReconnectOverWire(t *testing.T) {
	srv, _, _ := newTestServer(t)

	manager := dialWS(t, srv, "mgr-client")
	send(t, manager, clientMessage{Type: "game:create", QuizID: "example"})
	created := awaitEvent(t, manager, "manager:gameCreated")
	inviteCode := created.Data.(map[string]any)["inviteCode"].(string)
	gameID := created.Data.(map[string]any)["gameId"].(string)

	player := dialWS(t, srv, "player-client")
	send(t, player, clientMessage{Type: "player:join", InviteCode: inviteCode})
	awaitEvent(t, player, "game:successRoom")
	send(t, player, clientMessage{Type: "player:login", GameID: gameID, Username: "alice"})
	awaitEvent(t, player, "game:successJoin")

	require.NoError(t, player.Close())

	// Wait until the manager sees the seat go dark, so the reconnect below
	// cannot race a still-connected seat.
	for {
		msg := awaitEvent(t, manager, "manager:players")
		roster, ok := msg.Data.([]any)
		require.True(t, ok)
		require.Len(t, roster, 1)
		seat, ok := roster[0].(map[string]any)
		require.True(t, ok)
		if seat["connected"] == false {
			break
		}
	}

	rejoined := dialWS(t, srv, "player-client")
	send(t, rejoined, clientMessage{Type: "player:reconnect", GameID: gameID})

	msg := awaitEvent(t, rejoined, "player:successReconnect")
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, gameID, data["gameId"])

	self, ok := data["player"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", self["username"])
}

func TestReconnectUnknownGame(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv, "player-client")

	send(t, conn, clientMessage{Type: "player:reconnect", GameID: "nope"})
	msg := awaitEvent(t, conn, "game:reset")
	assert.Equal(t, "Game not found", msg.Data)

	send(t, conn, clientMessage{Type: "manager:reconnect", GameID: "nope"})
	msg = awaitEvent(t, conn, "game:reset")
	assert.Equal(t, "Game expired", msg.Data)
}

// newBackpressuredGateway builds a gateway whose members all have full
// send buffers, so every fan-out attempt takes the drop path.
func newBackpressuredGateway(t *testing.T, members int) (*Gateway, []*connection) {
	t.Helper()

	cfg := &Config{}
	gw := NewGateway(cfg, NewRegistry(cfg, nil, 0), nil, nil)

	conns := make([]*connection, 0, members)
	for i := 0; i < members; i++ {
		c := &connection{
			id:   fmt.Sprintf("conn-%d", i),
			send: make(chan serverMessage, 1),
		}
		c.send <- serverMessage{Event: "stuffed"}
		gw.register(c)
		gw.Join(c.id, "room")
		conns = append(conns, c)
	}
	return gw, conns
}

func TestPublishDropsSlowMembers(t *testing.T) {
	gw, _ := newBackpressuredGateway(t, 8)

	gw.Publish("room", "game:cooldown", 5)

	gw.mu.Lock()
	remaining := len(gw.conns)
	left := len(gw.topics["room"])
	gw.mu.Unlock()

	assert.Zero(t, remaining)
	assert.Zero(t, left)
}

func TestConcurrentPublishAndDisconnectDoesNotPanic(t *testing.T) {
	gw, conns := newBackpressuredGateway(t, 64)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				gw.Publish("room", "game:cooldown", j)
				gw.Send("conn-0", "game:totalPlayers", j)
			}
		}()
	}
	for _, c := range conns {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			gw.unregister(c)
		}(c)
	}
	wg.Wait()

	gw.mu.Lock()
	remaining := len(gw.conns)
	gw.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestSendDropsBackpressuredTarget(t *testing.T) {
	gw, conns := newBackpressuredGateway(t, 1)

	gw.Send(conns[0].id, "game:totalPlayers", 3)

	gw.mu.Lock()
	_, present := gw.conns[conns[0].id]
	gw.mu.Unlock()
	assert.False(t, present)

	// A stale id after the drop is a silent no-op.
	gw.Send(conns[0].id, "game:totalPlayers", 4)
}

func TestGetOrSetClientID(t *testing.T) {
	t.Run("query override wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?clientId=abc", nil)
		w := httptest.NewRecorder()
		assert.Equal(t, "abc", getOrSetClientID(w, r))
	})

	t.Run("cookie is reused", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: clientCookieName, Value: "stable-id"})
		w := httptest.NewRecorder()
		assert.Equal(t, "stable-id", getOrSetClientID(w, r))
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("fresh identity sets cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		w := httptest.NewRecorder()

		id := getOrSetClientID(w, r)
		require.Len(t, id, 32)

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, clientCookieName, cookies[0].Name)
		assert.Equal(t, id, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})
}
