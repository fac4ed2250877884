// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"sync"
	"time"
)

// intervalSchedule fires at anchor, then every period after it. Unlike a
// cron expression it is anchored to an absolute time, so a queue whose
// stored next_run is 03:17 keeps firing at 03:17 + k*interval regardless of
// when the process started. Missed fires are handled at registration time
// (see Service.Schedule), not here, so Next stays a pure function.
type intervalSchedule struct {
	anchor time.Time
	period time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	if t.Before(s.anchor) {
		return s.anchor
	}
	elapsed := t.Sub(s.anchor)
	periods := elapsed/s.period + 1
	return s.anchor.Add(periods * s.period)
}

// oneShotSchedule fires once at the given time and then returns the zero
// time, which makes the cron runner drop the entry.
type oneShotSchedule struct {
	mu    sync.Mutex
	at    time.Time
	armed bool
}

func newOneShotSchedule(at time.Time) *oneShotSchedule {
	return &oneShotSchedule{at: at, armed: true}
}

func (s *oneShotSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		return time.Time{}
	}
	if t.Before(s.at) {
		return s.at
	}
	s.armed = false
	return time.Time{}
}
