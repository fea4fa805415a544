// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import (
	"net"
	"time"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

// sessionState is the tagged variant described in spec.md §9's design
// note: a per-peer state is either Handshaking or Established, modeled
// as a closed interface implemented by exactly two unexported structs
// rather than a class hierarchy. Shared behavior (timer cancellation)
// is a free function, cancelTimer, rather than a method on the
// interface, since it needs no per-kind specialization.
type sessionState interface {
	peerAddr() net.Addr
	pendingTimer() Timer
	setPendingTimer(Timer)

	// isSessionState is unexported so no type outside this package can
	// implement sessionState.
	isSessionState()
}

func cancelTimer(s sessionState) {
	if t := s.pendingTimer(); t != nil {
		t.Cancel()
		s.setPendingTimer(nil)
	}
}

// handshakingState owns a handshake crypto context, the peer address,
// a scheduled timer (retransmit or expiry), and a start timestamp.
type handshakingState struct {
	addr    net.Addr
	ctx     adapter.HandshakeContext
	timer   Timer
	startTs time.Time
}

func (s *handshakingState) peerAddr() net.Addr        { return s.addr }
func (s *handshakingState) pendingTimer() Timer        { return s.timer }
func (s *handshakingState) setPendingTimer(t Timer)    { s.timer = t }
func (*handshakingState) isSessionState()              {}

// establishedState owns an established crypto context, the peer
// address, a scheduled idle-expiration timer, an authentication
// context map, a session-start timestamp, and the most recent values
// of own-CID, peer-CID, and cipher suite read through from the crypto
// context at the time each was set.
type establishedState struct {
	addr        net.Addr
	ctx         adapter.EstablishedContext
	timer       Timer
	authContext map[string]string
	startTs     time.Time
	ownCID      CID
	peerCID     CID
	cipherSuite string
}

func (s *establishedState) peerAddr() net.Addr     { return s.addr }
func (s *establishedState) pendingTimer() Timer     { return s.timer }
func (s *establishedState) setPendingTimer(t Timer) { s.timer = t }
func (*establishedState) isSessionState()           {}

// snapshot builds the session-context snapshot attached to every
// Decrypted result (spec.md §4.5).
func (s *establishedState) snapshot() SessionContext {
	subject, _ := s.ctx.PeerCertificateSubject()

	cid := s.ownCID
	if cid.empty() {
		cid = s.peerCID
	}

	authCopy := make(map[string]string, len(s.authContext))
	for k, v := range s.authContext {
		authCopy[k] = v
	}

	return SessionContext{
		PeerCertificateSubject: subject,
		AuthenticationContext:  authCopy,
		CID:                    cid,
		SessionStartTimestamp:  s.startTs,
	}
}

// SessionContext is the read-only snapshot of an Established session's
// authentication-relevant state, included in every Decrypted result.
type SessionContext struct {
	PeerCertificateSubject string
	AuthenticationContext  map[string]string
	CID                    CID
	SessionStartTimestamp  time.Time
}
