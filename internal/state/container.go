// Package state holds the process-wide mutable state shared by the sync engine
// components. A single Container is created at startup and passed by reference to every
// constructor; it is only mutated through its methods.
package state

import "sync"

// NetworkMode is the single authoritative reachability/sync mode.
type NetworkMode string

const (
	ModeOnline   NetworkMode = "ONLINE"
	ModeOffline  NetworkMode = "OFFLINE"
	ModeDegraded NetworkMode = "DEGRADED"
	ModeSyncing  NetworkMode = "SYNCING"
)

// Snapshot is an immutable copy of the container.
type Snapshot struct {
	Mode           NetworkMode
	Animating      bool
	LockedDown     bool
	LockdownReason string
}

// Listener observes every change of the container.
type Listener func(previous, current Snapshot)

// Container is the explicit app-wide state.
type Container struct {
	mu        sync.RWMutex
	current   Snapshot
	listeners map[int64]Listener
	nextID    int64
}

// NewContainer starts OFFLINE with no animation and no lockdown.
func NewContainer() *Container {
	return &Container{
		current:   Snapshot{Mode: ModeOffline},
		listeners: make(map[int64]Listener),
	}
}

// Snapshot returns the current state.
func (c *Container) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Mode returns the current NetworkMode.
func (c *Container) Mode() NetworkMode {
	return c.Snapshot().Mode
}

// Animating reports whether a blocking UI animation is running.
func (c *Container) Animating() bool {
	return c.Snapshot().Animating
}

// LockedDown reports whether the security gate tripped.
func (c *Container) LockedDown() bool {
	return c.Snapshot().LockedDown
}

// SetMode stores mode and reports whether it changed.
func (c *Container) SetMode(mode NetworkMode) bool {
	return c.update(func(next *Snapshot) {
		next.Mode = mode
	})
}

// SetAnimating toggles the global animation flag.
func (c *Container) SetAnimating(animating bool) bool {
	return c.update(func(next *Snapshot) {
		next.Animating = animating
	})
}

// MarkLockedDown records the lockdown; it cannot be cleared within the process.
func (c *Container) MarkLockedDown(reason string) bool {
	return c.update(func(next *Snapshot) {
		if next.LockedDown {
			return
		}
		next.LockedDown = true
		next.LockdownReason = reason
	})
}

// Subscribe registers listener and returns its cancel function.
func (c *Container) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Container) update(mutate func(next *Snapshot)) bool {
	c.mu.Lock()
	previous := c.current
	next := previous
	mutate(&next)
	if next == previous {
		c.mu.Unlock()
		return false
	}
	c.current = next
	listeners := make([]Listener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(previous, next)
	}
	return true
}
