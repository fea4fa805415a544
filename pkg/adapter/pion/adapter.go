// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package pion is the reference Crypto Adapter backend, built on
// pion/dtls/v2. It bridges that library's blocking, connection-oriented
// API to the non-blocking, per-datagram adapter.Adapter contract via
// pipePacketConn.
package pion

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

// tls12CIDContentType is the DTLS record content type introduced by
// RFC 9146 for records that carry a connection ID.
const tls12CIDContentType = 25

// recordHeaderLen is the length, in bytes, of a DTLS record header up
// to but not including the connection ID field: content type (1) +
// version (2) + epoch (2) + sequence number (6).
const recordHeaderLen = 11

// Config configures a PionAdapter. PSK is the primary authentication
// mode (spec.md §6); certificate-based auth is also accepted when
// Certificates is non-empty, matching pion/dtls itself supporting
// both.
type Config struct {
	IsClient bool
	LocalAddr net.Addr

	PSK             func(hint []byte) ([]byte, error)
	PSKIdentityHint []byte
	CipherSuites    []dtls.CipherSuiteID

	Certificates       []tls.Certificate
	InsecureSkipVerify bool

	// ConnectionIDGenerator mints this side's connection ID during the
	// handshake. It must agree with the CIDSupplier given to the engine
	// so both sides settle on the same CID length.
	ConnectionIDGenerator func() []byte

	FlightInterval time.Duration
	LoggerFactory  logging.LoggerFactory
}

// PionAdapter implements adapter.Adapter on top of pion/dtls/v2.
type PionAdapter struct {
	cfg Config
}

// NewAdapter constructs a PionAdapter from cfg.
func NewAdapter(cfg Config) *PionAdapter {
	return &PionAdapter{cfg: cfg}
}

func (a *PionAdapter) dtlsConfig() *dtls.Config {
	cfg := &dtls.Config{
		CipherSuites:          a.cfg.CipherSuites,
		ConnectionIDGenerator: a.cfg.ConnectionIDGenerator,
		FlightInterval:        a.cfg.FlightInterval,
		LoggerFactory:         a.cfg.LoggerFactory,
		InsecureSkipVerify:    a.cfg.InsecureSkipVerify,
		Certificates:          a.cfg.Certificates,
	}
	if a.cfg.PSK != nil {
		cfg.PSK = a.cfg.PSK
		cfg.PSKIdentityHint = a.cfg.PSKIdentityHint
	}
	return cfg
}

// NewContext implements adapter.Adapter.
func (a *PionAdapter) NewContext(addr net.Addr) (adapter.HandshakeContext, error) {
	return startHandshake(a.cfg.IsClient, a.cfg.LocalAddr, addr, a.dtlsConfig(), nil), nil
}

// LoadSession implements adapter.Adapter.
//
// blob is the opaque token SaveAndClose minted; it only resolves within
// the process that produced it (see established.go). A blob from
// another process, or one already reclaimed, is reported as not found
// so the engine treats it like any other load failure (spec.md §4
// LoadSession semantics).
func (a *PionAdapter) LoadSession(cid, blob []byte, addr net.Addr) (adapter.EstablishedContext, error) {
	parkedSess, ok := reclaimSession(string(blob))
	if !ok {
		return nil, fmt.Errorf("pion adapter: no parked session for token")
	}
	parkedSess.pipe.remote = addr
	return newEstablishedContext(parkedSess.conn, parkedSess.pipe, true), nil
}

// PeekCID implements adapter.Adapter.
//
// It recognizes an RFC 9146 tls12_cid record (content type 25) and
// extracts the cidSize bytes that immediately follow the fixed record
// header; any other content type, or a record too short to hold a full
// header and CID, is reported as not found.
func (a *PionAdapter) PeekCID(cidSize int, datagram []byte) ([]byte, bool) {
	if len(datagram) < recordHeaderLen+cidSize {
		return nil, false
	}
	if datagram[0] != tls12CIDContentType {
		return nil, false
	}
	cid := make([]byte, cidSize)
	copy(cid, datagram[recordHeaderLen:recordHeaderLen+cidSize])
	return cid, true
}
