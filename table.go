// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "net"

// sessionTable maps peer address to per-peer state. It is owned
// exclusively by the engine's command-loop goroutine and is
// deliberately unsynchronized; see spec.md §5.
type sessionTable struct {
	byAddr map[string]sessionState
}

func newSessionTable() *sessionTable {
	return &sessionTable{byAddr: make(map[string]sessionState)}
}

func (t *sessionTable) get(addr net.Addr) (sessionState, bool) {
	s, ok := t.byAddr[addr.String()]
	return s, ok
}

func (t *sessionTable) put(addr net.Addr, s sessionState) {
	t.byAddr[addr.String()] = s
}

func (t *sessionTable) delete(addr net.Addr) {
	delete(t.byAddr, addr.String())
}

func (t *sessionTable) len() int {
	return len(t.byAddr)
}

// deleteIfCurrent removes the entry at addr only if it is still s,
// identity-checked. This is the guard a timer callback must apply
// before acting: the timer may have raced a cancellation that replaced
// or removed the entry it closed over.
func (t *sessionTable) deleteIfCurrent(addr net.Addr, s sessionState) bool {
	current, ok := t.byAddr[addr.String()]
	if !ok || current != s {
		return false
	}
	delete(t.byAddr, addr.String())
	return true
}

// all returns every state currently in the table, for close_all.
func (t *sessionTable) all() []sessionState {
	out := make([]sessionState, 0, len(t.byAddr))
	for _, s := range t.byAddr {
		out = append(out, s)
	}
	return out
}
