/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cluster

import (
	"math/rand"
	"sync"
	"time"
)

// electionTimer is a cancelable, one-shot, randomized timer (spec.md
// §4.6). reset picks a fresh random duration in [minMS, maxMS] and
// arms a new timer each time it is called, matching "receiving any
// heartbeat or granting a vote resets it." An epoch counter guards
// against a timer that fires concurrently with a reset from delivering
// a stale timeout.
type electionTimer struct {
	mu     sync.Mutex
	timer  *time.Timer
	epoch  uint64
	ch     chan uint64
	minMS  int
	maxMS  int
	rng    *rand.Rand
}

func newElectionTimer(minMS, maxMS int) *electionTimer {
	return &electionTimer{
		ch:    make(chan uint64, 1),
		minMS: minMS,
		maxMS: maxMS,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// reset cancels any pending timer and arms a new one at a fresh random
// duration.
func (t *electionTimer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.epoch++
	epoch := t.epoch
	spread := t.maxMS - t.minMS
	d := t.minMS
	if spread > 0 {
		d += t.rng.Intn(spread + 1)
	}
	t.timer = time.AfterFunc(time.Duration(d)*time.Millisecond, func() {
		select {
		case t.ch <- epoch:
		default:
		}
	})
}

// stop cancels any pending timer without arming a new one.
func (t *electionTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// fired reports whether epoch is still the current epoch, i.e. whether
// this timeout notification is not stale.
func (t *electionTimer) fired(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return epoch == t.epoch
}

// C returns the channel on which the epoch of each fired timer arrives.
func (t *electionTimer) C() <-chan uint64 {
	return t.ch
}
