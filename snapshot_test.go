package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t *testing.T) *SQLiteSnapshotStore {
	t.Helper()

	store, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func sampleSnapshot() *GameSnapshot {
	return &GameSnapshot{
		GameID:          "game-1",
		InviteCode:      "ABC234",
		Started:         true,
		ManagerClientID: "mgr-client",
		Quiz:            testQuiz(),
		Players: []Player{
			{ClientID: "client-a", Username: "alice", Points: 1500},
			{ClientID: "client-b", Username: "bob", Points: 900},
		},
		Round: RoundState{Current: 1},
		Cooldown: CooldownState{
			Active:    true,
			Remaining: 12,
		},
		ShowQuestionPreview: true,
		MediaPlayNonce:      3,
	}
}

func TestSnapshotStoreRoundtrip(t *testing.T) {
	store := newTestSnapshotStore(t)
	snap := sampleSnapshot()

	require.NoError(t, store.Save("game-1", snap))

	loaded, err := store.Load("game-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, snap.GameID, loaded.GameID)
	assert.Equal(t, snap.InviteCode, loaded.InviteCode)
	assert.Equal(t, snap.ManagerClientID, loaded.ManagerClientID)
	assert.Equal(t, snap.Players, loaded.Players)
	assert.Equal(t, snap.Round.Current, loaded.Round.Current)
	assert.Equal(t, snap.Cooldown, loaded.Cooldown)
	assert.Equal(t, snap.MediaPlayNonce, loaded.MediaPlayNonce)
}

func TestSnapshotStoreOverwrites(t *testing.T) {
	store := newTestSnapshotStore(t)

	snap := sampleSnapshot()
	require.NoError(t, store.Save("game-1", snap))

	snap.Round.Current = 5
	require.NoError(t, store.Save("game-1", snap))

	loaded, err := store.Load("game-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 5, loaded.Round.Current)
}

func TestSnapshotStoreMissingIsNil(t *testing.T) {
	store := newTestSnapshotStore(t)

	loaded, err := store.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotStoreCorruptRowIsNil(t *testing.T) {
	store := newTestSnapshotStore(t)

	_, err := store.db.Exec(
		`INSERT INTO snapshots (id, data, updated_at) VALUES (?, ?, ?)`,
		"broken", "{not json", time.Now().UTC().Format(time.RFC3339Nano),
	)
	require.NoError(t, err)

	loaded, err := store.Load("broken")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotStoreDelete(t *testing.T) {
	store := newTestSnapshotStore(t)

	require.NoError(t, store.Save("game-1", sampleSnapshot()))
	require.NoError(t, store.Delete("game-1"))

	loaded, err := store.Load("game-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting an absent row is not an error.
	require.NoError(t, store.Delete("game-1"))
}

func TestGameSnapshotBlanksConnections(t *testing.T) {
	g, _, _ := newTestGame(t)
	g.Join("conn-1", "client-a", "alice")

	g.mu.Lock()
	snap := g.toSnapshotLocked()
	g.mu.Unlock()

	require.Len(t, snap.Players, 1)
	assert.Empty(t, snap.Players[0].ConnectionID)
	assert.False(t, snap.Players[0].Connected)
	assert.Equal(t, "client-a", snap.Players[0].ClientID)
	assert.Equal(t, "mgr-client", snap.ManagerClientID)
}

func TestRestoreGameFromSnapshot(t *testing.T) {
	cfg := &Config{}
	emit := newFakeEmitter()
	reg := NewRegistry(cfg, nil, 0)

	snap := sampleSnapshot()
	snap.Cooldown = CooldownState{} // nothing in flight

	g := restoreGame(cfg, emit, nil, reg, snap)

	assert.Equal(t, "game-1", g.ID())
	assert.Equal(t, "ABC234", g.InviteCode())

	g.mu.Lock()
	defer g.mu.Unlock()

	assert.True(t, g.started)
	assert.Equal(t, 1, g.round.Current)
	assert.Equal(t, 3, g.mediaPlayNonce)
	require.Len(t, g.players, 2)
	for _, p := range g.players {
		assert.False(t, p.Connected)
		assert.Empty(t, p.ConnectionID)
	}
	assert.False(t, g.manager.connected)
	assert.Equal(t, "mgr-client", g.manager.clientID)
	assert.Equal(t, 1500, g.players[0].Points)
}

func TestRestoreResumesActiveCooldown(t *testing.T) {
	cfg := &Config{}
	emit := newFakeEmitter()
	reg := NewRegistry(cfg, nil, 0)

	// An answer window was one second from settling when the process died;
	// alice had already submitted the correct answer.
	snap := sampleSnapshot()
	snap.Round = RoundState{
		Current:   1,
		Answers:   []Answer{{ClientID: "client-a", Answer: 1, Points: 640}},
		StartedAt: time.Now().Add(-5 * time.Second),
	}
	snap.Cooldown = CooldownState{Active: true, Remaining: 1}
	snap.LastStatus = &StatusUpdate{Name: StatusSelectAnswer}

	g := restoreGame(cfg, emit, nil, reg, snap)
	reg.Add(g)

	// Ticking resumes immediately.
	require.Eventually(t, func() bool {
		return len(emit.publishedEvents(g.room(), "game:cooldown")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// When the countdown settles, the interrupted answer phase completes:
	// points awarded, answers cleared, leaderboard rebuilt.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.round.Answers) == 0 && len(g.leaderboard) == 2
	}, 3*time.Second, 10*time.Millisecond)

	g.mu.Lock()
	defer g.mu.Unlock()
	alice := g.findPlayerByClientIDLocked("client-a")
	require.NotNil(t, alice)
	assert.Equal(t, 2140, alice.Points)
	assert.False(t, g.cooldown.Active())
}

func TestRestoreRoundtripThroughStore(t *testing.T) {
	store := newTestSnapshotStore(t)
	cfg := &Config{}
	reg := NewRegistry(cfg, store, 0)
	emit := newFakeEmitter()

	g := newGame(cfg, emit, store, reg, "mgr-conn", "mgr-client", testQuiz())
	reg.Add(g)
	g.Join("conn-1", "client-a", "alice")

	// Persistence is asynchronous; wait for the roster to land.
	var snap *GameSnapshot
	require.Eventually(t, func() bool {
		loaded, err := store.Load(g.ID())
		if err != nil || loaded == nil || len(loaded.Players) != 1 {
			return false
		}
		snap = loaded
		return true
	}, 2*time.Second, 10*time.Millisecond)

	restored := restoreGame(cfg, emit, store, reg, snap)
	assert.Equal(t, g.ID(), restored.ID())
	assert.Equal(t, g.InviteCode(), restored.InviteCode())

	restored.mu.Lock()
	defer restored.mu.Unlock()
	require.Len(t, restored.players, 1)
	assert.Equal(t, "alice", restored.players[0].Username)
}
