// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package dtlssession implements the per-peer DTLS session lifecycle
// engine: it multiplexes UDP datagrams into per-peer state machines,
// drives the handshake through an injected Crypto Adapter, routes by
// Connection ID (RFC 9146) when a peer's source address changes or is
// unknown, schedules expirations and handshake retransmissions, and
// persists/restores sessions so idle sessions can be evicted to
// external storage and resurrected on demand.
//
// The engine owns none of the cryptography, transport, or storage
// itself; see the Adapter, Transport, and SessionStore interfaces.
package dtlssession
