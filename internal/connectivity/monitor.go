// Package connectivity tracks whether the device can reach the network and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"log/slog"
	"sort"
	"sync"
)

// Platform signal names accepted by Signal.
const (
	EventOnline  = "online"
	EventOffline = "offline"
)

// Monitor holds the process-wide online flag.
// Callbacks run once per transition, never per poll: repeating the current
// state is a no-op.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID uint64
	subs   map[uint64]func(online bool)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	m    *Monitor
	id   uint64
	once sync.Once
}

// Unsubscribe stops further callbacks. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.m == nil {
		return
	}
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
	})
}

// NewMonitor creates a monitor that starts online, the assumed state until
// the first platform signal says otherwise.
func NewMonitor() *Monitor {
	return NewMonitorWithState(true)
}

// NewMonitorWithState creates a monitor with a known initial state.
func NewMonitorWithState(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[uint64]func(bool))}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for future transitions.
func (m *Monitor) Subscribe(fn func(online bool)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs[m.nextID] = fn
	return &Subscription{m: m, id: m.nextID}
}

// Signal feeds a platform event ("online" or "offline").
// Unknown events are ignored.
func (m *Monitor) Signal(event string) {
	switch event {
	case EventOnline:
		m.SetOnline(true)
	case EventOffline:
		m.SetOnline(false)
	default:
		slog.Debug("ignoring unknown connectivity event", "event", event)
	}
}

// SetOnline flips the state and fans out to subscribers when it changed.
// It returns true when a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online

	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, m.subs[id])
	}
	m.mu.Unlock()

	if online {
		slog.Info("connectivity restored")
	} else {
		slog.Warn("connectivity lost")
	}

	for _, cb := range callbacks {
		invoke(cb, online)
	}
	return true
}

func invoke(cb func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connectivity callback panicked", "panic", r)
		}
	}()
	cb(online)
}
