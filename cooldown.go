package main

import (
	"sync"
	"time"
)

var closedWait = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Cooldown is the single shared countdown driving intermission, question
// preview and answer phases. It ticks at one-second resolution; pausing
// stops the ticking but keeps the remaining value, and aborting settles
// the countdown immediately. Whoever started it waits on the returned
// channel, which is closed exactly once per countdown.
type Cooldown struct {
	mu        sync.Mutex
	active    bool
	paused    bool
	remaining int
	cancel    chan struct{}

	// onTick fires outside the lock with the seconds remaining,
	// including once immediately on start.
	onTick func(remaining int)
}

// Start begins a countdown of the given seconds and returns a channel
// closed when it finishes or is aborted. Starting while one is active is
// a no-op returning an already-closed channel, so a racing second start
// can never overwrite the first countdown's waiter. Non-positive
// durations complete immediately.
func (c *Cooldown) Start(seconds int) <-chan struct{} {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return closedWait
	}
	if seconds <= 0 {
		c.mu.Unlock()
		return closedWait
	}

	c.active = true
	c.paused = false
	c.remaining = seconds
	cancel := make(chan struct{})
	c.cancel = cancel
	tick := c.onTick
	c.mu.Unlock()

	done := make(chan struct{})

	if tick != nil {
		tick(seconds)
	}

	go func() {
		defer close(done)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-cancel:
				c.settle()
				return
			case <-ticker.C:
				c.mu.Lock()
				if !c.active {
					c.mu.Unlock()
					c.settle()
					return
				}
				if c.paused {
					c.mu.Unlock()
					continue
				}
				c.remaining--
				remaining := c.remaining
				c.mu.Unlock()

				if remaining <= 0 {
					c.settle()
					return
				}
				if tick != nil {
					tick(remaining)
				}
			}
		}
	}()

	return done
}

// Abort finalizes an active countdown immediately. Safe to call multiple
// times and from any goroutine; the waiter is released exactly once.
func (c *Cooldown) Abort() {
	c.mu.Lock()
	if !c.active || c.cancel == nil {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	close(cancel)
}

func (c *Cooldown) settle() {
	c.mu.Lock()
	c.active = false
	c.paused = false
	c.remaining = 0
	c.cancel = nil
	c.mu.Unlock()
}

// Pause suspends ticking without touching the remaining value. Returns
// false when there was nothing to pause.
func (c *Cooldown) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.paused {
		return false
	}
	c.paused = true
	return true
}

// Resume restarts ticking after a pause. Returns false when the countdown
// was not paused.
func (c *Cooldown) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || !c.paused {
		return false
	}
	c.paused = false
	return true
}

func (c *Cooldown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Cooldown) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Cooldown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// state captures the persistable countdown fields for a snapshot.
func (c *Cooldown) state() CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CooldownState{
		Active:    c.active,
		Paused:    c.paused,
		Remaining: c.remaining,
	}
}
