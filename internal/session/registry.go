package session

import (
	"sync"

	"github.com/softwind/echowire/internal/scheduler"
)

// Registry tracks live sessions by device MAC. The scheduler delivers
// reminders through it; a MAC with no entry falls back to MQTT push.
type Registry struct {
	mu    sync.RWMutex
	byMAC map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byMAC: make(map[string]*Session)}
}

// Add registers a session, displacing any stale entry for the same MAC.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	prev := r.byMAC[s.deviceMAC]
	r.byMAC[s.deviceMAC] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		// The device reconnected before the old session noticed.
		go prev.Close()
	}
}

// Remove drops the session if it is still the registered one for its MAC.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byMAC[s.deviceMAC] == s {
		delete(r.byMAC, s.deviceMAC)
	}
}

// Get returns the live session for a MAC, or nil.
func (r *Registry) Get(deviceMAC string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byMAC[deviceMAC]
}

// Len reports how many sessions are connected.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMAC)
}

// Deliver implements scheduler.Sessions: reminders reach connected
// devices directly over their WebSocket.
func (r *Registry) Deliver(deviceMAC string, n scheduler.Notification) bool {
	s := r.Get(deviceMAC)
	if s == nil {
		return false
	}
	return s.Notify(n.UseLLM, n.Title, n.Content)
}
