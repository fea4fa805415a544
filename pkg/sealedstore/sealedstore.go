// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package sealedstore wraps a dtlssession.SessionStore to encrypt the
// opaque session blob at rest before handing it to the underlying
// store, and decrypt it again on read-through.
package sealedstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	dtlssession "github.com/censys-oss/dtlssession"
)

// keyInfo is the HKDF "info" parameter, domain-separating this
// package's derived keys from any other use of the same master secret.
var keyInfo = []byte("dtlssession/sealedstore/v1")

// Store wraps an underlying dtlssession.SessionStore, sealing each
// session blob with AES-256-GCM under a key derived from masterSecret
// via HKDF-SHA256. The authentication context and start timestamp are
// passed through unsealed, since the blob is the only payload an
// external store needs protected at rest (spec.md §6).
type Store struct {
	underlying dtlssession.SessionStore
	aead       cipher.AEAD
}

// New derives a 256-bit key from masterSecret and builds a Store
// wrapping underlying. masterSecret should be at least 32 bytes of
// high-entropy key material; it is never stored.
func New(underlying dtlssession.SessionStore, masterSecret []byte) (*Store, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, keyInfo), key); err != nil {
		return nil, fmt.Errorf("sealedstore: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealedstore: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealedstore: new gcm: %w", err)
	}

	return &Store{underlying: underlying, aead: aead}, nil
}

// StoreSession implements dtlssession.SessionStore.
func (s *Store) StoreSession(cid []byte, session dtlssession.SessionWithContext) error {
	sealed, err := s.seal(session.Blob)
	if err != nil {
		return fmt.Errorf("sealedstore: seal: %w", err)
	}
	session.Blob = sealed
	return s.underlying.StoreSession(cid, session)
}

// Unseal recovers a plaintext blob previously sealed by StoreSession.
// Callers implementing their own read-through path (spec.md §6) call
// this on the blob fetched from storage before passing it to
// Engine.LoadSession.
func (s *Store) Unseal(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealedstore: sealed blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}
