// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package pion

import (
	"context"
	"net"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

type handshakeResult struct {
	conn *dtls.Conn
	err  error
}

// pionHandshakeContext drives one peer's handshake by feeding inbound
// datagrams into a pipePacketConn while dtls.ClientWithContext or
// dtls.ServerWithContext runs to completion on a background goroutine
// (pion/dtls.Conn owns a blocking handshake loop; it cannot be driven
// one Step call at a time any other way).
type pionHandshakeContext struct {
	pipe   *pipePacketConn
	cancel context.CancelFunc

	resultCh chan handshakeResult

	startTs  time.Time
	finishTs time.Time
}

func startHandshake(isClient bool, localAddr, peerAddr net.Addr, cfg *dtls.Config, send adapter.SendFunc) *pionHandshakeContext {
	ctx, cancel := context.WithCancel(context.Background())

	h := &pionHandshakeContext{
		pipe:     newPipePacketConn(localAddr, peerAddr, send),
		cancel:   cancel,
		resultCh: make(chan handshakeResult, 1),
		startTs:  time.Now(),
	}

	go func() {
		var res handshakeResult
		if isClient {
			res.conn, res.err = dtls.ClientWithContext(ctx, h.pipe, peerAddr, cfg)
		} else {
			res.conn, res.err = dtls.ServerWithContext(ctx, h.pipe, peerAddr, cfg)
		}
		h.resultCh <- res
	}()

	return h
}

// Step implements adapter.HandshakeContext.
func (h *pionHandshakeContext) Step(datagram []byte, send adapter.SendFunc) (adapter.EstablishedContext, error) {
	h.pipe.setSink(send)
	h.pipe.feed(datagram)

	select {
	case res := <-h.resultCh:
		h.finishTs = time.Now()
		if res.err != nil {
			return nil, res.err
		}
		return newEstablishedContext(res.conn, h.pipe, false), nil
	default:
		return nil, nil
	}
}

// Close implements adapter.HandshakeContext.
func (h *pionHandshakeContext) Close() error {
	h.cancel()
	return h.pipe.Close()
}

// ReadTimeout implements adapter.HandshakeContext.
//
// pion/dtls.Conn retransmits flights on its own internal ticker
// (Config.FlightInterval) regardless of external input, so the
// engine's generic readTimeout-driven retransmit path (spec.md §4.2)
// is redundant for this backend; it always reports zero, meaning "no
// retransmit wanted right now, schedule the hard expiry instead". A
// backend over a raw, non-blocking primitive (e.g. mbedTLS) would
// report a real duration here.
func (h *pionHandshakeContext) ReadTimeout() time.Duration { return 0 }

// StartTimestamp implements adapter.HandshakeContext.
func (h *pionHandshakeContext) StartTimestamp() time.Time { return h.startTs }

// FinishTimestamp implements adapter.HandshakeContext.
func (h *pionHandshakeContext) FinishTimestamp() time.Time { return h.finishTs }
