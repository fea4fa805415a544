// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package adapter defines the Crypto Adapter contract: the sole seam
// between the session engine and whatever DTLS primitive backs it. The
// engine never hard-codes a particular library against this contract;
// pkg/adapter/pion is one compliant backend, built on pion/dtls/v2, but
// any implementation meeting this contract substitutes cleanly.
package adapter

import (
	"errors"
	"net"
	"time"
)

// ErrHelloVerifyRequired is the expected-path error a Handshaking
// state's Step returns when the server demands a stateless cookie; the
// peer is expected to retry.
var ErrHelloVerifyRequired = errors.New("adapter: hello verify required")

// ErrCloseNotify is returned by EstablishedContext.Decrypt on an
// orderly DTLS close_notify alert.
var ErrCloseNotify = errors.New("adapter: close notify received")

// SendFunc lets a Step or Decrypt call emit zero or more outbound
// datagrams as a side effect (retransmits, alerts) before returning.
type SendFunc func(datagram []byte) error

// HandshakeContext drives one peer's handshake forward one datagram at
// a time. Step must not block on network I/O; any blocking work the
// underlying primitive does internally (e.g. a synchronous crypto
// library call) is expected to be bounded.
type HandshakeContext interface {
	// Step advances the handshake with an inbound datagram (which may
	// be empty, to trigger a retransmit). It returns a non-nil
	// EstablishedContext once the handshake has completed; until then
	// it returns (nil, nil) and the caller re-reads ReadTimeout to
	// decide whether to schedule a retransmit or an expiry.
	Step(datagram []byte, send SendFunc) (EstablishedContext, error)
	Close() error

	// ReadTimeout is the duration after which, absent further input,
	// the handshake should be re-driven with an empty datagram to
	// trigger the DTLS retransmission timer. Zero means "no retransmit
	// wanted right now" — the caller should instead schedule the
	// handshake's hard expiry.
	ReadTimeout() time.Duration
	StartTimestamp() time.Time
	FinishTimestamp() time.Time
}

// EstablishedContext is a post-handshake crypto context for one peer.
type EstablishedContext interface {
	// Decrypt returns application plaintext, or (nil, nil) when the
	// datagram carried no plaintext (e.g. it was consumed as an
	// alert). It returns ErrCloseNotify on an orderly shutdown.
	Decrypt(datagram []byte, send SendFunc) ([]byte, error)
	Encrypt(plaintext []byte) ([]byte, error)

	// SaveAndClose serializes this context to an opaque blob suitable
	// for later LoadSession and releases any underlying resources.
	SaveAndClose() ([]byte, error)
	Close() error

	OwnCID() []byte
	PeerCID() []byte
	CipherSuite() string
	PeerCertificateSubject() (string, bool)
	Reloaded() bool
}

// CIDSupplier mints connection IDs. Next is called exactly once at
// engine construction time to determine cidSize for the lifetime of
// the engine (all CIDs minted by a given engine are the same length).
type CIDSupplier interface {
	Next() []byte
}

// Adapter is the factory seam: it builds new handshake contexts,
// reconstructs established contexts from persisted blobs, and knows
// how to recognize a CID embedded in a raw datagram.
type Adapter interface {
	NewContext(addr net.Addr) (HandshakeContext, error)
	LoadSession(cid, blob []byte, addr net.Addr) (EstablishedContext, error)

	// PeekCID returns the CID carried by datagram if it is recognizable
	// as a CID-bearing record and cidSize bytes can be extracted.
	PeekCID(cidSize int, datagram []byte) ([]byte, bool)
}
