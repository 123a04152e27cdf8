package main

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is the publish-to-topic contract the game emits through. The
// websocket gateway implements it in production; tests substitute a
// recording fake. Topics are "session:{id}" for the shared room and
// "session:{id}:viewers" for the viewer screen.
type Emitter interface {
	Publish(topic, event string, payload any)
	Send(connectionID, event string, payload any)
	Join(connectionID, topic string)
	Leave(connectionID, topic string)
}

// Player is one roster slot. ClientID is the stable per-browser identity
// that survives reconnects; ConnectionID is the current transport
// connection and goes stale (but is kept for status continuity) while
// the player is disconnected.
type Player struct {
	ConnectionID string `json:"id,omitempty"`
	ClientID     string `json:"clientId"`
	Connected    bool   `json:"connected"`
	Username     string `json:"username"`
	Points       int    `json:"points"`
}

// Answer records one player's submission for the current round. Points
// are computed at submission time and only awarded if the answer turns
// out correct when the round settles.
type Answer struct {
	ClientID string  `json:"playerId"`
	Answer   int     `json:"answerId"`
	Points   float64 `json:"points"`
}

// RoundState tracks one question's lifecycle from reveal to settled
// results.
type RoundState struct {
	Current   int       `json:"currentQuestion"`
	Answers   []Answer  `json:"playersAnswers"`
	StartedAt time.Time `json:"startTime"`
}

type managerSlot struct {
	connectionID string
	clientID     string
	connected    bool
}

const (
	startDelayDefault   = 3 * time.Second
	prepareDelayDefault = 2 * time.Second
	introSeconds        = 3
	mediaStartOffset    = 700 * time.Millisecond
)

// Game is the state machine for one live quiz run. All mutation happens
// under mu; phase delays and cooldown waits release the lock, and every
// continuation re-checks started before mutating further. Game never
// calls into the registry while holding mu (the registry locks games
// under its own lock, so the ordering is always registry then game).
type Game struct {
	mu sync.Mutex

	id         string
	inviteCode string
	quiz       Quiz

	manager managerSlot
	players []*Player

	round    RoundState
	cooldown Cooldown

	leaderboard     []Player
	prevLeaderboard []Player

	lastStatus    *StatusUpdate
	managerStatus *StatusUpdate
	playerStatus  map[string]StatusUpdate

	started             bool
	breakActive         bool
	showQuestionPreview bool
	manualStartPending  bool
	mediaPlayNonce      int

	startDelay   time.Duration
	prepareDelay time.Duration

	// persistMu serializes snapshot writes against teardown, so a save
	// already in flight can never resurrect a deleted row.
	persistMu      sync.Mutex
	persistStopped bool

	emit  Emitter
	store SnapshotStore
	reg   *Registry
	cfg   *Config
}

// newGame constructs a live session for the given quiz, with the creating
// connection as manager, and persists the initial snapshot.
func newGame(cfg *Config, emit Emitter, store SnapshotStore, reg *Registry, connectionID, clientID string, quiz Quiz) *Game {
	g := &Game{
		id:         uuid.NewString(),
		inviteCode: reg.newUniqueInviteCode(),
		quiz:       quiz,
		manager: managerSlot{
			connectionID: connectionID,
			clientID:     clientID,
			connected:    true,
		},
		playerStatus:        make(map[string]StatusUpdate),
		showQuestionPreview: true,
		startDelay:          startDelayDefault,
		prepareDelay:        prepareDelayDefault,
		emit:                emit,
		store:               store,
		reg:                 reg,
		cfg:                 cfg,
	}
	g.cooldown.onTick = g.cooldownTick

	emit.Join(connectionID, g.room())
	emit.Send(connectionID, "manager:gameCreated", GameCreatedData{
		GameID:     g.id,
		InviteCode: g.inviteCode,
	})

	logf(cfg, "GAMES: New game created: %s subject: %q", g.inviteCode, quiz.Subject)

	g.mu.Lock()
	g.persistLocked()
	g.mu.Unlock()

	return g
}

func (g *Game) room() string {
	return "session:" + g.id
}

func (g *Game) viewerRoom() string {
	return g.room() + ":viewers"
}

func (g *Game) ID() string {
	return g.id
}

func (g *Game) InviteCode() string {
	return g.inviteCode
}

func (g *Game) cooldownTick(remaining int) {
	g.emit.Publish(g.room(), "game:cooldown", remaining)

	g.mu.Lock()
	g.persistLocked()
	g.mu.Unlock()
}

// broadcastStatusLocked pushes a status to the whole room and remembers
// it as the last broadcast view for reconnect resync. Caller holds mu.
func (g *Game) broadcastStatusLocked(name Status, data any) {
	update := StatusUpdate{Name: name, Data: data}
	g.lastStatus = &update
	g.emit.Publish(g.room(), "game:status", update)
	g.persistLocked()
}

// sendStatusLocked pushes a status to a single connection and remembers
// it per target, so a reconnecting client is handed the exact last view
// rather than a recomputed one. Caller holds mu.
func (g *Game) sendStatusLocked(target string, name Status, data any) {
	update := StatusUpdate{Name: name, Data: data}

	if target == g.manager.connectionID {
		g.managerStatus = &update
	} else {
		g.playerStatus[target] = update
	}

	g.emit.Send(target, "game:status", update)
	g.persistLocked()
}

// persistLocked snapshots the session under the lock and writes it out
// asynchronously. Failures are logged only; in-memory state stays
// authoritative for the life of the process.
func (g *Game) persistLocked() {
	if g.store == nil {
		return
	}

	snap := g.toSnapshotLocked()
	store, cfg, id := g.store, g.cfg, g.id

	go func() {
		g.persistMu.Lock()
		defer g.persistMu.Unlock()

		if g.persistStopped {
			return
		}
		if err := store.Save(id, snap); err != nil {
			logf(cfg, "ERROR: Failed to persist game %s: %v", id, err)
		}
	}()
}

func (g *Game) clearPersisted() {
	if g.store == nil {
		return
	}
	if err := g.store.Delete(g.id); err != nil {
		logf(g.cfg, "ERROR: Failed to delete game snapshot %s: %v", g.id, err)
	}
}

func (g *Game) rosterLocked() []Player {
	roster := make([]Player, 0, len(g.players))
	for _, p := range g.players {
		roster = append(roster, *p)
	}
	return roster
}

func (g *Game) findPlayerByClientIDLocked(clientID string) *Player {
	for _, p := range g.players {
		if p.ClientID == clientID {
			return p
		}
	}
	return nil
}

func (g *Game) findPlayerByConnLocked(connectionID string) *Player {
	if connectionID == "" {
		return nil
	}
	for _, p := range g.players {
		if p.ConnectionID == connectionID {
			return p
		}
	}
	return nil
}

// Join adds a player to the roster, or treats a known clientID as a
// reconnect even before the game has started, so a rejoining browser
// never creates a duplicate slot.
func (g *Game) Join(connectionID, clientID, username string) {
	g.mu.Lock()

	if existing := g.findPlayerByClientIDLocked(clientID); existing != nil {
		oldConn := existing.ConnectionID
		existing.ConnectionID = connectionID
		existing.Connected = true
		if username != "" {
			existing.Username = username
		}
		if status, ok := g.playerStatus[oldConn]; ok && oldConn != connectionID {
			delete(g.playerStatus, oldConn)
			g.playerStatus[connectionID] = status
		}

		g.emit.Join(connectionID, g.room())
		g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
		g.emit.Send(connectionID, "game:successJoin", g.id)
		g.persistLocked()
		g.mu.Unlock()
		return
	}

	player := &Player{
		ConnectionID: connectionID,
		ClientID:     clientID,
		Connected:    true,
		Username:     username,
	}
	g.players = append(g.players, player)

	g.emit.Join(connectionID, g.room())
	g.emit.Send(g.manager.connectionID, "manager:newPlayer", *player)
	g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
	g.emit.Publish(g.room(), "game:totalPlayers", len(g.players))
	g.emit.Send(connectionID, "game:successJoin", g.id)

	logf(g.cfg, "GAMES: Player %q joined %s", username, g.inviteCode)
	g.persistLocked()
	g.mu.Unlock()
}

// KickPlayer removes a roster slot by its connection id. Manager only.
func (g *Game) KickPlayer(connectionID, playerID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	var kicked *Player
	dst := g.players[:0]
	for _, p := range g.players {
		if p.ConnectionID == playerID {
			kicked = p
			continue
		}
		dst = append(dst, p)
	}
	g.players = dst

	if kicked == nil {
		g.mu.Unlock()
		return
	}

	delete(g.playerStatus, playerID)

	g.emit.Leave(playerID, g.room())
	g.emit.Send(playerID, "game:reset", "You have been kicked by the manager")
	g.emit.Send(g.manager.connectionID, "manager:playerKicked", playerID)
	g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
	g.emit.Publish(g.room(), "game:totalPlayers", len(g.players))
	g.persistLocked()
	g.mu.Unlock()
}

// Reconnect resolves the actor by clientID and restores its slot in
// place. A slot that is already connected rejects the newcomer, so a
// duplicate tab cannot hijack a live seat.
func (g *Game) Reconnect(connectionID, clientID string) {
	g.mu.Lock()
	isManager := g.manager.clientID == clientID
	g.mu.Unlock()

	if isManager {
		g.reconnectManager(connectionID)
	} else {
		g.reconnectPlayer(connectionID, clientID)
	}

	g.mu.Lock()
	g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
	g.mu.Unlock()
}

func (g *Game) reconnectManager(connectionID string) {
	g.mu.Lock()

	if g.manager.connected {
		g.mu.Unlock()
		g.emit.Send(connectionID, "game:reset", "Manager already connected")
		return
	}

	g.emit.Join(connectionID, g.room())
	g.manager.connectionID = connectionID
	g.manager.connected = true

	status := g.defaultStatusLocked(g.managerStatus, "Waiting for players")

	g.emit.Send(connectionID, "manager:successReconnect", ReconnectData{
		GameID: g.id,
		CurrentQuestion: QuestionPosition{
			Current: g.round.Current + 1,
			Total:   len(g.quiz.Questions),
		},
		Status:  status,
		Players: g.rosterLocked(),
	})
	g.emit.Send(connectionID, "game:totalPlayers", len(g.players))
	if g.breakActive {
		g.emit.Send(connectionID, "manager:break", true)
		g.emit.Send(connectionID, "game:break", true)
	}
	g.persistLocked()
	g.mu.Unlock()

	g.reg.Reactivate(g.id)
	logf(g.cfg, "GAMES: Manager reconnected to game %s", g.inviteCode)
}

func (g *Game) reconnectPlayer(connectionID, clientID string) {
	g.mu.Lock()

	player := g.findPlayerByClientIDLocked(clientID)
	if player == nil {
		g.mu.Unlock()
		return
	}

	if player.Connected {
		g.mu.Unlock()
		g.emit.Send(connectionID, "game:reset", "Player already connected")
		return
	}

	g.emit.Join(connectionID, g.room())

	oldConn := player.ConnectionID
	player.ConnectionID = connectionID
	player.Connected = true

	var status StatusUpdate
	if stored, ok := g.playerStatus[oldConn]; ok {
		status = stored
		delete(g.playerStatus, oldConn)
		g.playerStatus[connectionID] = stored
	} else {
		status = g.defaultStatusLocked(nil, "Waiting for players")
	}

	g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
	g.emit.Send(connectionID, "player:successReconnect", ReconnectData{
		GameID: g.id,
		CurrentQuestion: QuestionPosition{
			Current: g.round.Current + 1,
			Total:   len(g.quiz.Questions),
		},
		Status: status,
		Player: &PlayerSelf{
			Username: player.Username,
			Points:   player.Points,
		},
	})
	g.emit.Send(connectionID, "game:totalPlayers", len(g.players))
	if g.breakActive {
		g.emit.Send(connectionID, "game:break", true)
	}

	username := player.Username
	g.persistLocked()
	g.mu.Unlock()

	g.reg.Reactivate(g.id)
	logf(g.cfg, "GAMES: Player %q reconnected to game %s", username, g.inviteCode)
}

// defaultStatusLocked picks the preferred stored status, falling back to
// the last broadcast one, then to an idle WAIT view.
func (g *Game) defaultStatusLocked(preferred *StatusUpdate, waitText string) StatusUpdate {
	if preferred != nil {
		return *preferred
	}
	if g.lastStatus != nil {
		return *g.lastStatus
	}
	return StatusUpdate{Name: StatusWait, Data: WaitData{Text: waitText}}
}

// Start begins the quiz. Manager only, once.
func (g *Game) Start(connectionID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID || g.started {
		g.mu.Unlock()
		return
	}

	g.started = true
	g.broadcastStatusLocked(StatusShowStart, ShowStartData{
		Time:    introSeconds,
		Subject: g.quiz.Subject,
	})
	g.mu.Unlock()

	go g.runStart()
}

func (g *Game) runStart() {
	time.Sleep(g.startDelay)

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.emit.Publish(g.room(), "game:startCooldown", nil)
	<-g.cooldown.Start(introSeconds)

	g.newRound()
}

// newRound drives one question from reveal to settled results. Runs on
// the progression goroutine; each step past a suspension point re-checks
// that the session is still live.
func (g *Game) newRound() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}

	question := g.quiz.Questions[g.round.Current]

	g.playerStatus = make(map[string]StatusUpdate)
	g.managerStatus = nil

	g.emit.Publish(g.room(), "game:updateQuestion", QuestionPosition{
		Current: g.round.Current + 1,
		Total:   len(g.quiz.Questions),
	})
	g.broadcastStatusLocked(StatusShowPrepared, ShowPreparedData{
		TotalAnswers:   len(question.Answers),
		QuestionNumber: g.round.Current + 1,
	})
	g.mu.Unlock()

	time.Sleep(g.prepareDelay)

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.broadcastStatusLocked(StatusShowQuestion, ShowQuestionData{
		Question:     question.Question,
		Image:        question.Image,
		Media:        question.Media,
		Cooldown:     question.Cooldown,
		ShowQuestion: g.showQuestionPreview,
	})

	if question.Cooldown <= 0 {
		// No preview countdown configured: hold for the manager to
		// start the answer window by hand.
		g.manualStartPending = true
		g.persistLocked()
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	<-g.cooldown.Start(question.Cooldown)

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.startAnswerPhase(question)
}

func (g *Game) startAnswerPhase(question Question) {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}

	g.manualStartPending = false
	g.round.StartedAt = time.Now()

	g.broadcastStatusLocked(StatusSelectAnswer, SelectAnswerData{
		Question:    question.Question,
		Answers:     question.Answers,
		Image:       question.Image,
		Media:       question.Media,
		Time:        question.Time,
		TotalPlayer: len(g.players),
	})
	g.mu.Unlock()

	<-g.cooldown.Start(question.Time)

	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.showResultsLocked(question)
	g.persistLocked()
	g.mu.Unlock()
}

// showResultsLocked settles the current round: awards points for correct
// answers, re-ranks players (stable, so ties keep insertion order), and
// fans out the per-player result plus the manager's answer histogram.
func (g *Game) showResultsLocked(question Question) {
	var oldLeaderboard []Player
	if len(g.leaderboard) == 0 {
		oldLeaderboard = g.rosterLocked()
	} else {
		oldLeaderboard = append([]Player(nil), g.leaderboard...)
	}

	responses := make(map[int]int)
	for _, a := range g.round.Answers {
		responses[a.Answer]++
	}

	type outcome struct {
		correct bool
		points  int
	}
	results := make(map[string]outcome, len(g.players))

	for _, player := range g.players {
		var submitted *Answer
		for i := range g.round.Answers {
			if g.round.Answers[i].ClientID == player.ClientID {
				submitted = &g.round.Answers[i]
				break
			}
		}

		correct := submitted != nil && submitted.Answer == question.Solution
		points := 0
		if correct {
			points = roundPoints(submitted.Points)
		}
		player.Points += points
		results[player.ClientID] = outcome{correct: correct, points: points}
	}

	sort.SliceStable(g.players, func(i, j int) bool {
		return g.players[i].Points > g.players[j].Points
	})

	for i, player := range g.players {
		res := results[player.ClientID]
		message := "Too bad"
		if res.correct {
			message = "Nice!"
		}

		aheadOfMe := ""
		if i > 0 {
			aheadOfMe = g.players[i-1].Username
		}

		g.sendStatusLocked(player.ConnectionID, StatusShowResult, ShowResultData{
			Correct:   res.correct,
			Message:   message,
			Points:    res.points,
			MyPoints:  player.Points,
			Rank:      i + 1,
			AheadOfMe: aheadOfMe,
		})
	}

	g.sendStatusLocked(g.manager.connectionID, StatusShowResponses, ShowResponsesData{
		Question:  question.Question,
		Responses: responses,
		Correct:   question.Solution,
		Answers:   question.Answers,
		Image:     question.Image,
		Media:     question.Media,
	})

	g.leaderboard = g.rosterLocked()
	g.prevLeaderboard = oldLeaderboard
	g.round.Answers = nil
}

// SelectAnswer records a player's submission. Only the first submission
// per round counts; once every roster slot has answered the countdown is
// cut short.
func (g *Game) SelectAnswer(connectionID string, answerIndex int) {
	g.mu.Lock()

	player := g.findPlayerByConnLocked(connectionID)
	if player == nil {
		g.mu.Unlock()
		return
	}

	for _, a := range g.round.Answers {
		if a.ClientID == player.ClientID {
			g.mu.Unlock()
			return
		}
	}

	question := g.quiz.Questions[g.round.Current]
	g.round.Answers = append(g.round.Answers, Answer{
		ClientID: player.ClientID,
		Answer:   answerIndex,
		Points:   timeToPoints(g.round.StartedAt, question.Time, time.Now()),
	})

	g.sendStatusLocked(connectionID, StatusWait, WaitData{Text: "Waiting for the players to answer"})
	g.emit.Publish(g.room(), "game:playerAnswer", len(g.round.Answers))
	g.emit.Publish(g.room(), "game:totalPlayers", len(g.players))

	allAnswered := len(g.round.Answers) == len(g.players)
	g.persistLocked()
	g.mu.Unlock()

	if allAnswered {
		g.abortCooldown()
	}
}

// NextRound advances to the next question. No-op at the final index.
func (g *Game) NextRound(connectionID string) {
	g.mu.Lock()

	if !g.started || g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}
	if g.round.Current+1 >= len(g.quiz.Questions) {
		g.mu.Unlock()
		return
	}

	g.round.Current++
	g.mu.Unlock()

	go g.newRound()
}

// AbortRound cuts the active countdown short, jumping the current phase
// to its end.
func (g *Game) AbortRound(connectionID string) {
	g.mu.Lock()
	allowed := g.started && g.manager.connectionID == connectionID
	g.mu.Unlock()

	if allowed {
		g.abortCooldown()
	}
}

// SkipQuestionIntro either starts a manually-paced answer window or
// aborts the question preview countdown.
func (g *Game) SkipQuestionIntro(connectionID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID || !g.started {
		g.mu.Unlock()
		return
	}

	if g.manualStartPending {
		g.manualStartPending = false
		question := g.quiz.Questions[g.round.Current]
		g.mu.Unlock()
		go g.startAnswerPhase(question)
		return
	}
	g.mu.Unlock()

	g.abortCooldown()
}

func (g *Game) abortCooldown() {
	if !g.cooldown.Active() {
		return
	}

	g.mu.Lock()
	g.emit.Publish(g.room(), "game:cooldownPause", false)
	g.persistLocked()
	g.mu.Unlock()

	g.cooldown.Abort()
}

// PauseCooldown stops the countdown ticking. Manager only.
func (g *Game) PauseCooldown(connectionID string) {
	g.mu.Lock()
	allowed := g.manager.connectionID == connectionID
	g.mu.Unlock()

	if !allowed || !g.cooldown.Pause() {
		return
	}

	g.mu.Lock()
	g.emit.Publish(g.room(), "game:cooldownPause", true)
	g.persistLocked()
	g.mu.Unlock()
}

// ResumeCooldown restarts a paused countdown. Manager only.
func (g *Game) ResumeCooldown(connectionID string) {
	g.mu.Lock()
	allowed := g.manager.connectionID == connectionID
	g.mu.Unlock()

	if !allowed || !g.cooldown.Resume() {
		return
	}

	g.mu.Lock()
	g.emit.Publish(g.room(), "game:cooldownPause", false)
	g.persistLocked()
	g.mu.Unlock()
}

// SetBreak toggles the break screen; an active countdown is paused for
// the duration of the break.
func (g *Game) SetBreak(connectionID string, active bool) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	g.breakActive = active
	g.mu.Unlock()

	if g.cooldown.Active() {
		if active {
			g.cooldown.Pause()
		} else {
			g.cooldown.Resume()
		}
		g.emit.Publish(g.room(), "game:cooldownPause", g.cooldown.Paused())
	}

	g.mu.Lock()
	g.emit.Publish(g.room(), "game:break", active)
	g.emit.Send(g.manager.connectionID, "manager:break", active)
	g.persistLocked()
	g.mu.Unlock()
}

// SetQuestionPreview controls whether the question text is revealed
// during the preview phase.
func (g *Game) SetQuestionPreview(connectionID string, show bool) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	g.showQuestionPreview = show
	g.persistLocked()
	g.mu.Unlock()
}

// PlayMedia schedules synchronized playback of the current question's
// audio/video a small fixed offset in the future, tagged with a
// monotonically increasing nonce so clients can dedupe replays.
func (g *Game) PlayMedia(connectionID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	question := g.quiz.Questions[g.round.Current]
	if question.Media == nil || (question.Media.Type != "audio" && question.Media.Type != "video") {
		g.mu.Unlock()
		return
	}
	if question.SyncMedia != nil && !*question.SyncMedia {
		g.mu.Unlock()
		return
	}

	g.mediaPlayNonce++
	g.emit.Publish(g.room(), "game:mediaPlay", MediaPlayData{
		StartAt: time.Now().Add(mediaStartOffset).UnixMilli(),
		Nonce:   g.mediaPlayNonce,
	})
	g.persistLocked()
	g.mu.Unlock()
}

// ShowLeaderboard shows the top five to the manager, or finishes the
// game when requested on the final round. Finishing is terminal: the
// session leaves the registry and its snapshot is deleted.
func (g *Game) ShowLeaderboard(connectionID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	if g.round.Current+1 == len(g.quiz.Questions) {
		g.started = false

		top := g.leaderboard
		if len(top) > 3 {
			top = top[:3]
		}
		g.broadcastStatusLocked(StatusFinished, FinishedData{
			Subject: g.quiz.Subject,
			Top:     top,
		})
		g.mu.Unlock()

		g.reg.Remove(g.id)
		return
	}

	oldLeaderboard := g.prevLeaderboard
	if oldLeaderboard == nil {
		oldLeaderboard = g.leaderboard
	}

	g.sendStatusLocked(g.manager.connectionID, StatusShowLeaderboard, ShowLeaderboardData{
		OldLeaderboard: topN(oldLeaderboard, 5),
		Leaderboard:    topN(g.leaderboard, 5),
	})

	g.prevLeaderboard = nil
	g.persistLocked()
	g.mu.Unlock()
}

func topN(players []Player, n int) []Player {
	if len(players) > n {
		return players[:n]
	}
	return players
}

// EndGame tears the session down on manager request.
func (g *Game) EndGame(connectionID string) {
	g.mu.Lock()

	if g.manager.connectionID != connectionID {
		g.mu.Unlock()
		return
	}

	g.started = false
	g.mu.Unlock()

	g.abortCooldown()
	g.emit.Publish(g.room(), "game:reset", "Game ended by manager")
	g.reg.Remove(g.id)
}

// markManagerDisconnected flags the manager slot as gone and reports
// whether the game had started.
func (g *Game) markManagerDisconnected() (started bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manager.connected = false
	return g.started
}

// markPlayerDisconnected flags the owning player slot as gone; the stale
// connection id is kept so the stored per-target status survives until
// the reconnect migrates it.
func (g *Game) markPlayerDisconnected(connectionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	player := g.findPlayerByConnLocked(connectionID)
	if player == nil {
		return false
	}
	player.Connected = false

	g.emit.Publish(g.room(), "game:totalPlayers", len(g.players))
	g.emit.Send(g.manager.connectionID, "manager:players", g.rosterLocked())
	return true
}

// fullyDisconnected reports whether no participant holds a live
// connection.
func (g *Game) fullyDisconnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.manager.connected {
		return false
	}
	for _, p := range g.players {
		if p.Connected {
			return false
		}
	}
	return true
}

// teardown stops the countdown and flips the session dead so in-flight
// progression goroutines no-op at their next liveness check. It also
// waits out any in-flight snapshot save and blocks further ones, so the
// caller may delete the snapshot row immediately afterwards.
func (g *Game) teardown() {
	g.mu.Lock()
	g.started = false
	g.mu.Unlock()
	g.cooldown.Abort()

	g.persistMu.Lock()
	g.persistStopped = true
	g.persistMu.Unlock()
}
