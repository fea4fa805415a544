// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dtlssession

import "time"

// Timer is a single cancellable one-shot scheduled callback.
// Cancelling a timer that has already fired, or racing a nearly-fired
// timer, is safe: the fired callback itself is responsible for
// re-checking that the state it closes over is still current (see
// engine.go's identity-check helper).
type Timer interface {
	Cancel()
}

// Scheduler schedules a one-shot callback after a duration. The engine
// requires only single-threaded execution of its own callbacks, which
// it guarantees itself by posting every fired callback back onto its
// command loop (see engine.go); a Scheduler implementation need not be
// single-threaded on its own.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

// timeScheduler is the default Scheduler, backed by time.AfterFunc.
type timeScheduler struct{}

// NewTimeScheduler returns the default Scheduler used when a Config
// does not supply one.
func NewTimeScheduler() Scheduler {
	return timeScheduler{}
}

// Schedule implements Scheduler.
func (timeScheduler) Schedule(d time.Duration, fn func()) Timer {
	return &stdTimer{t: time.AfterFunc(d, fn)}
}

type stdTimer struct {
	t *time.Timer
}

// Cancel implements Timer.
func (s *stdTimer) Cancel() {
	s.t.Stop()
}
