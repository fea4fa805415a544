// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "net"

// ReceiveKind discriminates the outcome of HandleInbound.
type ReceiveKind int

const (
	// ReceiveHandled means the datagram progressed a handshake,
	// consumed an alert, or produced no plaintext.
	ReceiveHandled ReceiveKind = iota
	// ReceiveDecrypted means application plaintext was produced; see
	// ReceiveResult.Packet.
	ReceiveDecrypted
	// ReceiveDecryptFailed means an Established state failed to
	// decrypt the datagram; the state has been removed.
	ReceiveDecryptFailed
	// ReceiveCidSessionMissing means no state exists for the source
	// address, but the datagram carries a recognizable, non-empty CID;
	// see ReceiveResult.CID. The caller should consult external
	// storage and call Engine.LoadSession.
	ReceiveCidSessionMissing
)

// DecryptedPacket is application plaintext attributed to a peer, along
// with a snapshot of that peer's session context.
type DecryptedPacket struct {
	Peer    net.Addr
	Data    []byte
	Context SessionContext
}

// ReceiveResult is the outcome of a single call to HandleInbound.
type ReceiveResult struct {
	Kind   ReceiveKind
	Packet *DecryptedPacket // set iff Kind == ReceiveDecrypted
	CID    CID              // set iff Kind == ReceiveCidSessionMissing
}
