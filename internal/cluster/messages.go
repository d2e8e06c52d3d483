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

// Wire message shapes (spec.md §6). Encoded with encoding/gob inside
// the protocol package's framing.

// RequestVoteAsk is sent by a candidate to solicit a vote.
type RequestVoteAsk struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply answers a RequestVoteAsk.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesAsk is sent by the leader to replicate entries and as
// a heartbeat when Entries is empty.
type AppendEntriesAsk struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply answers an AppendEntriesAsk.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
}

// LogEntry is one durable log record (spec.md §3).
type LogEntry struct {
	Term    uint64
	Index   uint64
	Payload []byte
}

// persistentState is the single raft_restore record (spec.md §3 P1/P2).
type persistentState struct {
	CurrentTerm uint64
	VotedFor    string
}

// --- actor inbox messages -------------------------------------------------
//
// Every one of these is delivered to a single Peer's buffered inbox
// channel and is only ever read and acted on by that Peer's own
// goroutine (spec.md §5): no Peer field is touched from any other
// goroutine.

type requestVoteAskMsg struct {
	ask     RequestVoteAsk
	replyCh chan RequestVoteReply
}

type appendEntriesAskMsg struct {
	ask     AppendEntriesAsk
	replyCh chan AppendEntriesReply
}

// replicationTickMsg is sent by a replicationDriver asking the leader
// actor for a fresh snapshot of what to send to one follower. Answering
// it is the only way a driver ever reads leader state.
type replicationTickMsg struct {
	peerAddr string
	replyCh  chan replicationSnapshot
}

type replicationSnapshot struct {
	isLeader bool
	ask      AppendEntriesAsk
}

// appendEntriesResultMsg reports the outcome of one driver's RPC
// attempt back to the leader actor.
type appendEntriesResultMsg struct {
	peerAddr   string
	reply      AppendEntriesReply
	sentIndex  uint64 // PrevLogIndex + len(Entries) sent in the matching ask
	err        error
}

type submitMsg struct {
	payload  []byte
	resultCh chan submitResult
}

type submitResult struct {
	index uint64
	err   error
}

// statusRequestMsg backs the operator console's `status`/`peers` commands.
type statusRequestMsg struct {
	replyCh chan Status
}

// Status is a point-in-time snapshot of a peer's volatile state.
type Status struct {
	Self         string
	Role         string
	CurrentTerm  uint64
	LeaderID     string
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	NextIndex    map[string]uint64
	MatchIndex   map[string]uint64
}
