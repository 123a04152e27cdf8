package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"regexp"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const clientCookieName = "kwaquiz_id"

var inviteCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// getOrSetClientID hands the browser its stable identity: a crypto-random
// cookie that survives socket reconnects. Non-browser clients may pass
// ?clientId= instead.
func getOrSetClientID(w http.ResponseWriter, r *http.Request) string {
	if id := r.URL.Query().Get("clientId"); id != "" {
		return id
	}

	if c, err := r.Cookie(clientCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// connection is one live websocket client.
type connection struct {
	id       string
	clientID string
	conn     *websocket.Conn
	send     chan serverMessage
}

// Gateway routes inbound client actions to the owning session and fans
// session events back out to connections and topics. It is the
// production Emitter implementation.
type Gateway struct {
	cfg     *Config
	reg     *Registry
	quizzes *QuizStore
	store   SnapshotStore

	mu     sync.Mutex
	conns  map[string]*connection
	topics map[string]map[string]struct{}
}

func NewGateway(cfg *Config, reg *Registry, quizzes *QuizStore, store SnapshotStore) *Gateway {
	return &Gateway{
		cfg:     cfg,
		reg:     reg,
		quizzes: quizzes,
		store:   store,
		conns:   make(map[string]*connection),
		topics:  make(map[string]map[string]struct{}),
	}
}

func (gw *Gateway) register(c *connection) {
	gw.mu.Lock()
	gw.conns[c.id] = c
	gw.mu.Unlock()
}

// removeLocked drops a connection from the registry and every topic and
// closes its send channel. Caller holds gw.mu; channel sends also happen
// under gw.mu, so the close can never race a send attempt.
func (gw *Gateway) removeLocked(c *connection) {
	if _, ok := gw.conns[c.id]; !ok {
		return
	}
	delete(gw.conns, c.id)
	for _, members := range gw.topics {
		delete(members, c.id)
	}
	close(c.send)
}

func (gw *Gateway) unregister(c *connection) {
	gw.mu.Lock()
	gw.removeLocked(c)
	gw.mu.Unlock()
}

// Send queues an event for a single connection. Unknown targets drop
// silently (stale ids are routine); a full send buffer drops the client
// rather than blocking the session.
func (gw *Gateway) Send(connectionID, event string, payload any) {
	var dropped *connection

	gw.mu.Lock()
	if c, ok := gw.conns[connectionID]; ok {
		select {
		case c.send <- serverMessage{Event: event, Data: payload}:
		default:
			gw.removeLocked(c)
			dropped = c
		}
	}
	gw.mu.Unlock()

	if dropped != nil && dropped.conn != nil {
		_ = dropped.conn.Close()
	}
}

// Publish fans an event out to every member of a topic. Slow members
// whose buffers are full are dropped rather than blocking the session.
func (gw *Gateway) Publish(topic, event string, payload any) {
	var dropped []*connection

	gw.mu.Lock()
	for id := range gw.topics[topic] {
		c, ok := gw.conns[id]
		if !ok {
			continue
		}
		select {
		case c.send <- serverMessage{Event: event, Data: payload}:
		default:
			gw.removeLocked(c)
			dropped = append(dropped, c)
		}
	}
	gw.mu.Unlock()

	for _, c := range dropped {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

func (gw *Gateway) Join(connectionID, topic string) {
	gw.mu.Lock()
	members, ok := gw.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		gw.topics[topic] = members
	}
	members[connectionID] = struct{}{}
	gw.mu.Unlock()
}

func (gw *Gateway) Leave(connectionID, topic string) {
	gw.mu.Lock()
	delete(gw.topics[topic], connectionID)
	gw.mu.Unlock()
}

// ServeWS upgrades a client and pumps its messages until disconnect.
func ServeWS(cfg *Config, gw *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		clientID := getOrSetClientID(w, r)
		if clientID == "" {
			http.Error(w, "unable to assign client id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &connection{
			id:       newID(),
			clientID: clientID,
			conn:     conn,
			send:     make(chan serverMessage, 16),
		}

		gw.register(c)
		logf(cfg, "SERVE: Client connected: connection %s client %s", c.id, c.clientID)

		go c.writePump()
		c.readPump(gw)
	}
}

func (c *connection) readPump(gw *Gateway) {
	defer func() {
		gw.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		gw.dispatch(c, msg)
	}
}

func (c *connection) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// withGame resolves the session an action targets, emitting a not-found
// error back to the caller on a miss.
func (gw *Gateway) withGame(c *connection, gameID string, fn func(g *Game)) {
	g := gw.reg.Get(gameID)
	if g == nil {
		gw.Send(c.id, "game:errorMessage", "Game not found")
		return
	}
	fn(g)
}

// ensureGame finds a live session or restores one from its snapshot, so
// reconnects survive a process restart.
func (gw *Gateway) ensureGame(gameID string) *Game {
	if g := gw.reg.Get(gameID); g != nil {
		return g
	}
	if gw.store == nil {
		return nil
	}

	snap, err := gw.store.Load(gameID)
	if err != nil {
		logf(gw.cfg, "ERROR: Failed to restore game %s: %v", gameID, err)
		return nil
	}
	if snap == nil {
		return nil
	}

	g := restoreGame(gw.cfg, gw, gw.store, gw.reg, snap)
	gw.reg.Add(g)
	return g
}

// dispatch is terminal for every inbound action: it either mutates and
// emits, or emits an error and stops. Unknown types are ignored.
func (gw *Gateway) dispatch(c *connection, msg clientMessage) {
	switch msg.Type {
	case "game:create":
		quiz := gw.quizzes.Get(msg.QuizID)
		if quiz == nil {
			gw.Send(c.id, "game:errorMessage", "Quizz not found")
			return
		}
		// Stored documents are only validated on save; a hand-edited
		// file must not reach the state machine.
		if err := validateQuiz(quiz.Quiz); err != nil {
			gw.Send(c.id, "game:errorMessage", err.Error())
			return
		}
		g := newGame(gw.cfg, gw, gw.store, gw.reg, c.id, c.clientID, quiz.Quiz)
		gw.reg.Add(g)

	case "manager:auth":
		if msg.Password != gw.cfg.managerPassword {
			gw.Send(c.id, "manager:errorMessage", "Invalid password")
			return
		}
		gw.Send(c.id, "manager:quizzList", gw.quizzes.List())

	case "manager:getQuizz":
		quiz := gw.quizzes.Get(msg.QuizID)
		if quiz == nil {
			gw.Send(c.id, "manager:errorMessage", "Quizz not found")
			return
		}
		gw.Send(c.id, "manager:quizzLoaded", quiz)

	case "manager:saveQuizz":
		if msg.Quiz == nil {
			gw.Send(c.id, "manager:errorMessage", "Invalid quizz payload")
			return
		}
		saved, err := gw.quizzes.Save(msg.ID, *msg.Quiz)
		if err != nil {
			gw.Send(c.id, "manager:errorMessage", err.Error())
			return
		}
		gw.Send(c.id, "manager:quizzSaved", saved)
		gw.Send(c.id, "manager:quizzList", gw.quizzes.List())

	case "manager:deleteQuizz":
		if msg.ID == "" {
			gw.Send(c.id, "manager:errorMessage", "Invalid quizz id")
			return
		}
		if !gw.quizzes.Delete(msg.ID) {
			gw.Send(c.id, "manager:errorMessage", "Quizz not found")
			return
		}
		gw.Send(c.id, "manager:quizzDeleted", msg.ID)
		gw.Send(c.id, "manager:quizzList", gw.quizzes.List())

	case "player:join":
		if !inviteCodePattern.MatchString(msg.InviteCode) {
			gw.Send(c.id, "game:errorMessage", "Invalid invite code")
			return
		}
		g := gw.reg.ByInviteCode(msg.InviteCode)
		if g == nil {
			gw.Send(c.id, "game:errorMessage", "Game not found")
			return
		}
		gw.Send(c.id, "game:successRoom", g.ID())

	case "player:login":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.Join(c.id, c.clientID, msg.Username)
		})

	case "player:selectedAnswer":
		if msg.Answer == nil {
			return
		}
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.SelectAnswer(c.id, *msg.Answer)
		})

	case "player:reconnect":
		g := gw.reg.PlayerGame(msg.GameID, c.clientID)
		if g == nil {
			g = gw.ensureGame(msg.GameID)
		}
		if g == nil {
			gw.Send(c.id, "game:reset", "Game not found")
			return
		}
		g.Reconnect(c.id, c.clientID)

	case "manager:reconnect":
		g := gw.reg.ManagerGame(msg.GameID, c.clientID)
		if g == nil {
			g = gw.ensureGame(msg.GameID)
		}
		if g == nil {
			gw.Send(c.id, "game:reset", "Game expired")
			return
		}
		g.Reconnect(c.id, c.clientID)

	case "manager:kickPlayer":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.KickPlayer(c.id, msg.PlayerID)
		})

	case "manager:startGame":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.Start(c.id)
		})

	case "manager:nextQuestion":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.NextRound(c.id)
		})

	case "manager:abortQuiz":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.AbortRound(c.id)
		})

	case "manager:skipQuestionIntro":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.SkipQuestionIntro(c.id)
		})

	case "manager:pauseCooldown":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.PauseCooldown(c.id)
		})

	case "manager:resumeCooldown":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.ResumeCooldown(c.id)
		})

	case "manager:setBreak":
		if msg.Active == nil {
			return
		}
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.SetBreak(c.id, *msg.Active)
		})

	case "manager:setQuestionPreview":
		if msg.Show == nil {
			return
		}
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.SetQuestionPreview(c.id, *msg.Show)
		})

	case "manager:playMedia":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.PlayMedia(c.id)
		})

	case "manager:showLeaderboard":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.ShowLeaderboard(c.id)
		})

	case "manager:endGame":
		gw.withGame(c, msg.GameID, func(g *Game) {
			g.EndGame(c.id)
		})

	case "viewer:join":
		gw.viewerJoin(c, msg)

	default:
		// ignore unknown types
	}
}

// viewerJoin subscribes a shared screen to a session located by invite
// code, gated by the manager password.
func (gw *Gateway) viewerJoin(c *connection, msg clientMessage) {
	if msg.Password != gw.cfg.managerPassword {
		gw.Send(c.id, "game:errorMessage", "Invalid password")
		return
	}
	if !inviteCodePattern.MatchString(msg.InviteCode) {
		gw.Send(c.id, "game:errorMessage", "Invalid invite code")
		return
	}

	g := gw.reg.ByInviteCode(msg.InviteCode)
	if g == nil {
		gw.Send(c.id, "game:errorMessage", "Game not found")
		return
	}

	gw.Join(c.id, g.room())
	gw.Join(c.id, g.viewerRoom())

	g.mu.Lock()
	status := g.defaultStatusLocked(nil, "Waiting for the manager")
	g.mu.Unlock()

	gw.Send(c.id, "viewer:joined", ViewerJoinedData{
		GameID: g.ID(),
		Status: status,
	})
}

// handleDisconnect clears the dropped connection and updates whichever
// session owned it. A manager leaving before the game starts tears the
// session down immediately; afterwards the slot just goes dark and the
// abandonment clock decides.
func (gw *Gateway) handleDisconnect(c *connection) {
	logf(gw.cfg, "SERVE: Client disconnected: connection %s", c.id)

	if g := gw.reg.ByManagerConn(c.id); g != nil {
		started := g.markManagerDisconnected()
		gw.unregister(c)

		if !started {
			logf(gw.cfg, "GAMES: Reset game %s (manager disconnected)", g.InviteCode())
			g.teardown()
			gw.Publish(g.room(), "game:reset", "Manager disconnected")
			gw.reg.Remove(g.ID())
			return
		}

		if g.fullyDisconnected() {
			gw.reg.MarkEmpty(g)
		}
		return
	}

	g := gw.reg.ByPlayerConn(c.id)
	gw.unregister(c)
	if g == nil {
		return
	}

	if !g.markPlayerDisconnected(c.id) {
		return
	}
	if g.fullyDisconnected() {
		gw.reg.MarkEmpty(g)
	}
}
