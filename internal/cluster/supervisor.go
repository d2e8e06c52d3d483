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
	"context"
	"math/rand"
	"time"

	"raftd/internal/logging"
)

// Supervisor restarts named actors on fatal failure, grounded in the
// original system's supervisor's restart-on-ActorFailed table: each
// watched actor kind gets its own restart loop, keyed by name, so one
// actor crashing never takes down another.
type Supervisor struct {
	logger *logging.Logger
}

// NewSupervisor returns a Supervisor that logs restarts under logger.
func NewSupervisor(logger *logging.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// minRestartBackoff bounds how fast a crash-looping actor is retried.
const minRestartBackoff = 200 * time.Millisecond

// Watch runs run(ctx) in its own goroutine and restarts it whenever it
// returns a non-nil error, until ctx is canceled. run is expected to
// block until either ctx is done (returning nil) or a fatal condition
// forces it to return early with an error describing the cause.
func (s *Supervisor) Watch(ctx context.Context, name string, run func(context.Context) error) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			err := run(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			s.logger.Warn("actor crashed, restarting", "actor", name, "error", err.Error())
			select {
			case <-time.After(minRestartBackoff):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// WatchPeer is a convenience wrapper around Watch for a Peer whose
// volatile state must be rebuilt from durable storage (I5) on every
// restart: newPeer is called again each time the previous incarnation
// exits with a fatal error.
func (s *Supervisor) WatchPeer(ctx context.Context, name string, newPeer func() (*Peer, error)) {
	s.Watch(ctx, name, func(ctx context.Context) error {
		peer, err := newPeer()
		if err != nil {
			return err
		}
		if err := peer.Restore(); err != nil {
			return err
		}
		return peer.Run(ctx)
	})
}

// simulatedCrashRoll is the test-only fault injector behind
// PeerConfig.SimulatedCrashProbability (spec.md §7.6): a uniform draw
// against probability, isolated here so it is the only source of
// nondeterminism in otherwise-deterministic commit-index advancement.
func simulatedCrashRoll(probability float64) bool {
	return rand.Float64() < probability
}
