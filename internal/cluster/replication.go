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
	"time"

	"raftd/internal/logging"
)

// replicationDriver is the per-follower actor that paces AppendEntries
// to one peer (spec.md §4.2/§4.5; see also SPEC_FULL.md §5). It
// never touches the leader Peer's state directly: every tick it asks
// the leader's inbox for a fresh snapshot of what to send, performs the
// RPC on its own goroutine so a slow or unreachable follower cannot
// stall the leader actor, and reports the outcome back over the same
// inbox.
type replicationDriver struct {
	self     string
	peerAddr string

	heartbeat time.Duration
	transport *Transport
	leaderIn  chan<- interface{}
	logger    *logging.Logger

	wake    chan struct{}
	stopCh  chan struct{}
}

func newReplicationDriver(self, peerAddr string, heartbeatMS int, transport *Transport, leaderIn chan<- interface{}, logger *logging.Logger) *replicationDriver {
	return &replicationDriver{
		self:      self,
		peerAddr:  peerAddr,
		heartbeat: time.Duration(heartbeatMS) * time.Millisecond,
		transport: transport,
		leaderIn:  leaderIn,
		logger:    logger.With("driver", peerAddr),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// wakeup nudges the driver to send immediately rather than waiting for
// the next heartbeat tick, used when a new entry is appended so
// followers don't wait a full heartbeat period to learn about it.
func (d *replicationDriver) wakeup() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *replicationDriver) stop() {
	close(d.stopCh)
}

func (d *replicationDriver) run() {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		case <-d.wake:
			d.tick()
		}
	}
}

func (d *replicationDriver) tick() {
	replyCh := make(chan replicationSnapshot, 1)
	select {
	case d.leaderIn <- replicationTickMsg{peerAddr: d.peerAddr, replyCh: replyCh}:
	case <-d.stopCh:
		return
	}

	var snap replicationSnapshot
	select {
	case snap = <-replyCh:
	case <-d.stopCh:
		return
	}
	if !snap.isLeader {
		return
	}

	reply, err := d.transport.SendAppendEntries(d.peerAddr, snap.ask)
	sentIndex := snap.ask.PrevLogIndex + uint64(len(snap.ask.Entries))

	result := appendEntriesResultMsg{peerAddr: d.peerAddr, reply: reply, sentIndex: sentIndex, err: err}
	select {
	case d.leaderIn <- result:
	case <-d.stopCh:
	}
}
