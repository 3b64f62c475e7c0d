// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import "sync"

// Signals reports connectivity and delivers online/offline transitions.
// Callbacks run on the signalling goroutine and must not block for long.
type Signals interface {
	Online() bool
	Subscribe(onOnline, onOffline func()) (unsubscribe func())
}

type subscription struct {
	onOnline  func()
	onOffline func()
}

// ManualSignals is a Signals implementation driven by SetOnline. The prober,
// the simulator and tests use it as the transition source.
type ManualSignals struct {
	mu     sync.Mutex
	online bool
	subs   map[int]subscription
	next   int
}

func NewManualSignals(online bool) *ManualSignals {
	return &ManualSignals{online: online, subs: make(map[int]subscription)}
}

func (m *ManualSignals) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualSignals) Subscribe(onOnline, onOffline func()) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = subscription{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline records the connectivity state and notifies subscribers when it
// changed. It reports whether a transition happened.
func (m *ManualSignals) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		fn := s.onOffline
		if online {
			fn = s.onOnline
		}
		if fn != nil {
			fn()
		}
	}
	return true
}
