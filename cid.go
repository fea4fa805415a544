// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

// CID is an RFC 9146 Connection ID: a fixed-length byte string agreed
// during the handshake and embedded in each post-handshake record.
type CID []byte

func (c CID) equal(other CID) bool {
	return bytes.Equal(c, other)
}

func (c CID) empty() bool {
	return len(c) == 0
}

// UUIDCIDSupplier is the default adapter.CIDSupplier: each call to
// Next mints a fresh UUIDv4's 16 raw bytes, so an engine constructed
// without an explicit CIDSupplier gets cidSize == 16.
type UUIDCIDSupplier struct{}

var _ adapter.CIDSupplier = UUIDCIDSupplier{}

// Next implements adapter.CIDSupplier.
func (UUIDCIDSupplier) Next() []byte {
	id := uuid.New()
	return id[:]
}
