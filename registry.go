package main

import (
	"sync"
	"time"
)

// Registry is the process-wide directory of live sessions, indexed by
// session id and invite code; connection-id lookups scan the sessions
// rather than keeping separate indexes that could go stale. A single
// long-lived instance is constructed at startup and handed to the
// gateway, so tests can build isolated registries per case.
//
// Lock ordering is registry before game: the registry may lock a game
// while holding its own lock, but games never call back in while holding
// theirs.
type Registry struct {
	mu        sync.Mutex
	games     map[string]*Game
	byInvite  map[string]*Game
	evictions map[string]*time.Timer

	abandonTimeout time.Duration
	store          SnapshotStore
	cfg            *Config
}

func NewRegistry(cfg *Config, store SnapshotStore, abandonTimeout time.Duration) *Registry {
	return &Registry{
		games:          make(map[string]*Game),
		byInvite:       make(map[string]*Game),
		evictions:      make(map[string]*time.Timer),
		abandonTimeout: abandonTimeout,
		store:          store,
		cfg:            cfg,
	}
}

func (r *Registry) Add(g *Game) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.games[g.ID()] = g
	r.byInvite[g.InviteCode()] = g
}

// Remove drops a session from every index, stops its timers, and deletes
// its durable snapshot.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	g, ok := r.games[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.games, id)
	delete(r.byInvite, g.InviteCode())
	if timer, ok := r.evictions[id]; ok {
		timer.Stop()
		delete(r.evictions, id)
	}
	r.mu.Unlock()

	g.teardown()
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			logf(r.cfg, "ERROR: Failed to delete snapshot for game %s: %v", id, err)
		}
	}
	logf(r.cfg, "GAMES: Removed game %s", g.InviteCode())
}

func (r *Registry) Get(id string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.games[id]
}

func (r *Registry) ByInviteCode(code string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byInvite[code]
}

// ByManagerConn finds the session whose manager currently holds the
// given connection.
func (r *Registry) ByManagerConn(connectionID string) *Game {
	if connectionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.games {
		g.mu.Lock()
		match := g.manager.connectionID == connectionID
		g.mu.Unlock()
		if match {
			return g
		}
	}
	return nil
}

// ByPlayerConn finds the session owning the given player connection.
func (r *Registry) ByPlayerConn(connectionID string) *Game {
	if connectionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.games {
		g.mu.Lock()
		match := g.findPlayerByConnLocked(connectionID) != nil
		g.mu.Unlock()
		if match {
			return g
		}
	}
	return nil
}

// ManagerGame resolves a manager reconnect: the session must exist and
// its manager identity must match the reconnecting client.
func (r *Registry) ManagerGame(sessionID, clientID string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[sessionID]
	if !ok {
		return nil
	}

	g.mu.Lock()
	match := g.manager.clientID == clientID
	g.mu.Unlock()
	if !match {
		return nil
	}
	return g
}

// PlayerGame resolves a player reconnect by stable client identity.
func (r *Registry) PlayerGame(sessionID, clientID string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[sessionID]
	if !ok {
		return nil
	}

	g.mu.Lock()
	match := g.findPlayerByClientIDLocked(clientID) != nil
	g.mu.Unlock()
	if !match {
		return nil
	}
	return g
}

// MarkEmpty starts the abandonment clock for a session with no connected
// participants. If nobody returns before the timeout, the session is
// evicted; a reconnect in the meantime calls Reactivate and cancels it.
func (r *Registry) MarkEmpty(g *Game) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := g.ID()
	if _, exists := r.evictions[id]; exists {
		return
	}
	if r.abandonTimeout <= 0 {
		return
	}

	r.evictions[id] = time.AfterFunc(r.abandonTimeout, func() {
		r.mu.Lock()
		delete(r.evictions, id)
		r.mu.Unlock()

		if g.fullyDisconnected() {
			logf(r.cfg, "GAMES: Evicting abandoned game %s", g.InviteCode())
			r.Remove(id)
		}
	})

	logf(r.cfg, "GAMES: Game %s marked empty", g.InviteCode())
}

// Reactivate cancels a pending eviction after somebody reconnected.
func (r *Registry) Reactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.evictions[id]; ok {
		timer.Stop()
		delete(r.evictions, id)
	}
}

// Cleanup stops every timer ahead of process shutdown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	games := make([]*Game, 0, len(r.games))
	for _, g := range r.games {
		games = append(games, g)
	}
	for id, timer := range r.evictions {
		timer.Stop()
		delete(r.evictions, id)
	}
	r.mu.Unlock()

	for _, g := range games {
		g.cooldown.Abort()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}

// newUniqueInviteCode generates invite codes until one is free among
// active sessions.
func (r *Registry) newUniqueInviteCode() string {
	for {
		code := newInviteCode()

		r.mu.Lock()
		_, taken := r.byInvite[code]
		r.mu.Unlock()

		if !taken {
			return code
		}
	}
}
