// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import (
	"time"

	"github.com/pion/logging"

	"github.com/censys-oss/dtlssession/pkg/adapter"
)

// defaultExpireAfter is the idle timeout for Established sessions and
// the hard ceiling for Handshaking sessions, used when Config.ExpireAfter
// is not set.
const defaultExpireAfter = 60 * time.Second

// Config collects everything needed to construct an Engine. Adapter,
// Transport are required; everything else has a documented default.
type Config struct {
	// ExpireAfter is the idle timeout for Established sessions and the
	// hard ceiling for Handshaking sessions. Defaults to 60s.
	ExpireAfter time.Duration

	// Adapter is the Crypto Adapter the engine drives. Required.
	Adapter adapter.Adapter

	// Transport sends outbound datagrams. Required.
	Transport Transport

	// CIDSupplier mints CIDs; Next is called once at construction to
	// determine cidSize for the engine's lifetime. A zero-length CID
	// from Next() disables CID handling (cidSize = 0). Defaults to
	// UUIDCIDSupplier, giving cidSize = 16.
	CIDSupplier adapter.CIDSupplier

	// StoreSession persists an Established session's blob on removal,
	// when its own-CID is non-empty. Optional: if nil, sessions with a
	// non-empty own-CID are simply closed without being stored.
	StoreSession SessionStore

	// LifecycleCallbacks receives purely observational lifecycle
	// events. Defaults to NoopCallbacks.
	LifecycleCallbacks LifecycleCallbacks

	// Scheduler schedules timer callbacks. Defaults to NewTimeScheduler().
	Scheduler Scheduler

	// LoggerFactory builds the engine's internal diagnostic logger,
	// distinct from LifecycleCallbacks. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func validateConfig(cfg *Config) error {
	if cfg.Adapter == nil {
		return errNoAdapterProvided
	}
	if cfg.Transport == nil {
		return errNoTransportProvided
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = defaultExpireAfter
	}
	if cfg.CIDSupplier == nil {
		cfg.CIDSupplier = UUIDCIDSupplier{}
	}
	if cfg.LifecycleCallbacks == nil {
		cfg.LifecycleCallbacks = NoopCallbacks{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimeScheduler()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return nil
}
