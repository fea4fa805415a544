// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "time"

// SessionWithContext is the on-the-wire shape of a persisted session:
// the crypto adapter's opaque blob, the authentication-context map
// accumulated over the session's lifetime, and the session's original
// start timestamp. Callers key it externally by own-CID bytes.
type SessionWithContext struct {
	Blob                  []byte
	AuthenticationContext map[string]string
	SessionStartTimestamp time.Time
}

// SessionStore is the caller-supplied persistence seam. StoreSession is
// called at most once per session end and must be idempotent from the
// engine's perspective; the engine does not retry it on failure.
//
// Reading a stored session back is not part of this interface by
// design: external read-through (look up cid, fetch the blob) is the
// caller's responsibility, and the result is fed back in through
// Engine.LoadSession.
type SessionStore interface {
	StoreSession(cid []byte, session SessionWithContext) error
}
