// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package pion

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

// pipePacketConn bridges the engine's per-datagram Step/Decrypt calls
// to pion/dtls.Conn, which owns and reads from its own net.PacketConn
// in a background goroutine for the lifetime of a handshake and of an
// Established connection. feed delivers one inbound datagram at a
// time; ReadFrom blocks until the next one arrives. WriteTo hands the
// outbound datagram to whichever sink is current — the permanent
// "send to the peer" sink during handshake and during Decrypt-driven
// alerts, or a capturing sink swapped in for the single duration of an
// Encrypt call (see established.go).
//
// sink is read and written from more than one goroutine: the engine's
// command loop calls setSink, while pion/dtls's own handshake goroutine
// (handshake.go) and the established read pump (established.go) call
// WriteTo whenever the connection needs to emit a flight, alert, or ACK
// on its own initiative. sinkMu makes that safe.
type pipePacketConn struct {
	local, remote net.Addr

	in     chan []byte
	closed chan struct{}
	once   sync.Once

	sinkMu sync.Mutex
	sink   adapter.SendFunc

	readDeadline *deadline.Deadline

	// readPumpOnce and readCh back the established read pump started by
	// newEstablishedContext (see established.go). They live here, rather
	// than on pionEstablishedContext, because LoadSession reclaims a
	// parked conn and pipe into a newly allocated pionEstablishedContext
	// while the original pump goroutine, still reading the same *dtls.Conn,
	// keeps running — readPumpOnce keeps that goroutine from being
	// started twice over the same conn.
	readPumpOnce sync.Once
	readCh       chan decryptedRead
}

func newPipePacketConn(local, remote net.Addr, sink adapter.SendFunc) *pipePacketConn {
	return &pipePacketConn{
		local:        local,
		remote:       remote,
		in:           make(chan []byte, 8),
		closed:       make(chan struct{}),
		sink:         sink,
		readDeadline: deadline.New(),
		readCh:       make(chan decryptedRead, 8),
	}
}

// feed enqueues one inbound datagram. A zero-length datagram is valid
// (it drives an empty-Step retransmission probe).
func (p *pipePacketConn) feed(datagram []byte) {
	select {
	case p.in <- datagram:
	case <-p.closed:
	}
}

// setSink swaps the outbound sink and returns the previous one, so a
// caller can restore it afterwards.
func (p *pipePacketConn) setSink(sink adapter.SendFunc) adapter.SendFunc {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	prev := p.sink
	p.sink = sink
	return prev
}

// ReadFrom implements net.PacketConn. It honors SetReadDeadline, which
// pion/dtls itself arms internally at various points in the handshake
// and read/close paths even though neither Step nor Decrypt set one
// directly any more.
func (p *pipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case datagram := <-p.in:
		n := copy(b, datagram)
		return n, p.remote, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	case <-p.readDeadline.Done():
		return 0, nil, errDeadlineExceeded{}
	}
}

// WriteTo implements net.PacketConn. The current sink is snapshotted
// under sinkMu and invoked outside the lock, so a slow or blocking sink
// can never hold up a concurrent setSink call.
func (p *pipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	p.sinkMu.Lock()
	sink := p.sink
	p.sinkMu.Unlock()

	if sink == nil {
		return len(b), nil
	}
	if err := sink(append([]byte{}, b...)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.PacketConn.
func (p *pipePacketConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// LocalAddr implements net.PacketConn.
func (p *pipePacketConn) LocalAddr() net.Addr { return p.local }

// SetDeadline and SetReadDeadline implement net.PacketConn by arming
// readDeadline. SetWriteDeadline is a no-op: WriteTo never blocks, it
// only ever calls the current sink.
func (p *pipePacketConn) SetDeadline(t time.Time) error     { return p.SetReadDeadline(t) }
func (p *pipePacketConn) SetReadDeadline(t time.Time) error { p.readDeadline.Set(t); return nil }
func (p *pipePacketConn) SetWriteDeadline(time.Time) error  { return nil }

// errDeadlineExceeded satisfies net.Error so callers using the standard
// errors.As(err, &netErr) && netErr.Timeout() idiom recognize a
// deadline-driven return from ReadFrom as a timeout, not a hard error.
type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string   { return "pion: i/o timeout" }
func (errDeadlineExceeded) Timeout() bool   { return true }
func (errDeadlineExceeded) Temporary() bool { return true }
