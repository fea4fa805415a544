// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "net"

// Transport is the fire-and-forget UDP send seam the engine and the
// adapters it drives use to emit datagrams. Implementations must be
// safe for concurrent use; the engine itself calls Send only from its
// own command-loop goroutine, but a Crypto Adapter's handshake
// goroutine (see pkg/adapter/pion) may call it concurrently with that.
type Transport interface {
	Send(datagram []byte, peer net.Addr) error
}
