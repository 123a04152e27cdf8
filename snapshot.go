package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// GameSnapshot is the content-complete serialization of one session:
// everything needed to reconstruct it except live connection ids, which
// come back as disconnected.
type GameSnapshot struct {
	GameID              string        `json:"gameId"`
	InviteCode          string        `json:"inviteCode"`
	Started             bool          `json:"started"`
	ManagerClientID     string        `json:"managerClientId"`
	LastStatus          *StatusUpdate `json:"lastBroadcastStatus,omitempty"`
	ManagerStatus       *StatusUpdate `json:"managerStatus,omitempty"`
	Leaderboard         []Player      `json:"leaderboard,omitempty"`
	PrevLeaderboard     []Player      `json:"previousLeaderboard,omitempty"`
	Quiz                Quiz          `json:"quizz"`
	Players             []Player      `json:"players"`
	Round               RoundState    `json:"round"`
	Cooldown            CooldownState `json:"cooldown"`
	BreakActive         bool          `json:"breakActive"`
	ShowQuestionPreview bool          `json:"showQuestionPreview"`
	ManualStartPending  bool          `json:"manualStartPending"`
	MediaPlayNonce      int           `json:"mediaPlayNonce"`
}

type CooldownState struct {
	Active    bool `json:"active"`
	Paused    bool `json:"paused"`
	Remaining int  `json:"remaining"`
}

// SnapshotStore is durable key-value persistence of session snapshots.
// Save overwrites idempotently; Load returns (nil, nil) when the record
// is absent or corrupt, so recovery never trips over a bad row.
type SnapshotStore interface {
	Save(id string, snapshot *GameSnapshot) error
	Load(id string) (*GameSnapshot, error)
	Delete(id string) error
	Close() error
}

// SQLiteSnapshotStore keeps one JSON row per active session.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (and initializes) the snapshot database at the
// given path.
func OpenSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("snapshot store path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping snapshot db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot db: %w", err)
	}

	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(id string, snapshot *GameSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", id, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO snapshots (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Load(id string) (*GameSnapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM snapshots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}

	var snapshot GameSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		// A corrupt row is treated as absent rather than fatal.
		return nil, nil
	}
	return &snapshot, nil
}

func (s *SQLiteSnapshotStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// toSnapshotLocked captures the persistable session state. Caller holds
// g.mu.
func (g *Game) toSnapshotLocked() *GameSnapshot {
	players := make([]Player, 0, len(g.players))
	for _, p := range g.players {
		copied := *p
		copied.ConnectionID = ""
		copied.Connected = false
		players = append(players, copied)
	}

	return &GameSnapshot{
		GameID:              g.id,
		InviteCode:          g.inviteCode,
		Started:             g.started,
		ManagerClientID:     g.manager.clientID,
		LastStatus:          g.lastStatus,
		ManagerStatus:       g.managerStatus,
		Leaderboard:         append([]Player(nil), g.leaderboard...),
		PrevLeaderboard:     append([]Player(nil), g.prevLeaderboard...),
		Quiz:                g.quiz,
		Players:             players,
		Round:               g.round,
		Cooldown:            g.cooldown.state(),
		BreakActive:         g.breakActive,
		ShowQuestionPreview: g.showQuestionPreview,
		ManualStartPending:  g.manualStartPending,
		MediaPlayNonce:      g.mediaPlayNonce,
	}
}

// restoreGame reconstructs a session from its snapshot with every field
// fully initialized and all participants marked disconnected. If a
// countdown was running unpaused when the snapshot was taken, it resumes
// ticking immediately and its completion settles whatever phase was in
// flight, so a restored round never ends up stuck.
func restoreGame(cfg *Config, emit Emitter, store SnapshotStore, reg *Registry, snap *GameSnapshot) *Game {
	g := &Game{
		id:         snap.GameID,
		inviteCode: snap.InviteCode,
		quiz:       snap.Quiz,
		manager: managerSlot{
			clientID: snap.ManagerClientID,
		},
		round:               snap.Round,
		leaderboard:         append([]Player(nil), snap.Leaderboard...),
		prevLeaderboard:     append([]Player(nil), snap.PrevLeaderboard...),
		lastStatus:          snap.LastStatus,
		managerStatus:       snap.ManagerStatus,
		playerStatus:        make(map[string]StatusUpdate),
		started:             snap.Started,
		breakActive:         snap.BreakActive,
		showQuestionPreview: snap.ShowQuestionPreview,
		manualStartPending:  snap.ManualStartPending,
		mediaPlayNonce:      snap.MediaPlayNonce,
		startDelay:          startDelayDefault,
		prepareDelay:        prepareDelayDefault,
		emit:                emit,
		store:               store,
		reg:                 reg,
		cfg:                 cfg,
	}
	g.cooldown.onTick = g.cooldownTick

	for _, p := range snap.Players {
		restored := p
		restored.ConnectionID = ""
		restored.Connected = false
		g.players = append(g.players, &restored)
	}

	if snap.Cooldown.Active && snap.Cooldown.Remaining > 0 && !snap.Cooldown.Paused {
		go g.resumeCooldownAfterRestore(snap.Cooldown.Remaining)
	}

	logf(cfg, "GAMES: Restored game %s from snapshot", g.inviteCode)

	return g
}

// resumeCooldownAfterRestore re-runs the interrupted countdown and, when
// it settles, picks the progression back up from whatever phase was
// broadcast last.
func (g *Game) resumeCooldownAfterRestore(remaining int) {
	<-g.cooldown.Start(remaining)

	g.mu.Lock()
	if !g.started || g.lastStatus == nil {
		g.mu.Unlock()
		return
	}

	last := g.lastStatus.Name
	question := g.quiz.Questions[g.round.Current]

	switch last {
	case StatusSelectAnswer:
		g.showResultsLocked(question)
		g.persistLocked()
		g.mu.Unlock()
	case StatusShowQuestion:
		g.mu.Unlock()
		g.startAnswerPhase(question)
	case StatusShowStart:
		g.mu.Unlock()
		g.newRound()
	default:
		g.mu.Unlock()
	}
}
