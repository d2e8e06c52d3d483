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
	"net"
	"testing"
	"time"

	"raftd/internal/logging"
	"raftd/internal/storage"
)

// testNode bundles one in-process peer with the collaborators the
// harness needs to poke at directly (its apply channel, its cancel
// func, and the directory it's rooted at, for restart tests).
type testNode struct {
	addr    string
	engine  *storage.Engine
	peer    *Peer
	applyCh chan ApplyMsg
	cancel  context.CancelFunc
	dataDir string
}

// freeAddr reserves an ephemeral TCP port and returns its address,
// closing the listener so Transport.Listen can rebind it.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startCluster brings up n in-process peers wired to each other's
// real Transport listeners and durable storage.Engines rooted at
// fresh t.TempDir() directories, mirroring a real multi-process
// deployment minus the process boundary.
func startCluster(t *testing.T, n int, electionMinMS, electionMaxMS, heartbeatMS int) []*testNode {
	t.Helper()

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}

	logger := logging.NewLogger("raftd-test")
	nodes := make([]*testNode, n)

	for i, self := range addrs {
		var peers []string
		for _, a := range addrs {
			if a != self {
				peers = append(peers, a)
			}
		}

		dataDir := t.TempDir()
		engine, err := storage.Open(storage.Config{DataDir: dataDir})
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
		t.Cleanup(func() { engine.Close() })

		transport := NewTransport(self, logger)
		applyCh := make(chan ApplyMsg, 256)

		cfg := PeerConfig{
			Self:          self,
			Peers:         peers,
			MinElectionMS: electionMinMS,
			MaxElectionMS: electionMaxMS,
			HeartbeatMS:   heartbeatMS,
		}

		ctx, cancel := context.WithCancel(context.Background())
		node := &testNode{addr: self, engine: engine, applyCh: applyCh, cancel: cancel, dataDir: dataDir}
		nodes[i] = node

		supervisor := NewSupervisor(logger)
		supervisor.WatchPeer(ctx, self, func() (*Peer, error) {
			node.peer = NewPeer(cfg, engine, transport, logger, applyCh)
			return node.peer, nil
		})

		if err := transport.Listen(self, peerHandle{node}); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		t.Cleanup(func() { transport.Close() })
	}

	t.Cleanup(func() {
		for _, n := range nodes {
			n.cancel()
		}
	})
	return nodes
}

// peerHandle bridges Transport's RPCHandler to a testNode's current
// Peer, the same indirection cmd/raftd uses so a Supervisor-restarted
// Peer keeps receiving RPCs through the same listener.
type peerHandle struct{ node *testNode }

func (h peerHandle) HandleRequestVote(ask RequestVoteAsk) RequestVoteReply {
	return h.node.peer.HandleRequestVote(ask)
}

func (h peerHandle) HandleAppendEntries(ask AppendEntriesAsk) AppendEntriesReply {
	return h.node.peer.HandleAppendEntries(ask)
}

func waitForLeader(t *testing.T, nodes []*testNode, timeout time.Duration) *testNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ctx := context.Background()
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.peer == nil {
				continue
			}
			if n.peer.Status(ctx).Role == "LEADER" {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func waitForCommit(t *testing.T, n *testNode, index uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ctx := context.Background()
	for time.Now().Before(deadline) {
		if n.peer.Status(ctx).CommitIndex >= index {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("index %d not committed within timeout on %s", index, n.addr)
}

func TestSingleNodeSelfElectsAndCommits(t *testing.T) {
	nodes := startCluster(t, 1, 20, 40, 10)
	leader := waitForLeader(t, nodes, 2*time.Second)

	index, err := leader.peer.Submit(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForCommit(t, leader, index, time.Second)

	select {
	case msg := <-leader.applyCh:
		if string(msg.Payload) != "hello" {
			t.Errorf("applied payload = %q, want %q", msg.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("entry never delivered on applyCh")
	}
}

func TestThreeNodeClusterElectsOneLeader(t *testing.T) {
	nodes := startCluster(t, 3, 100, 200, 30)
	leader := waitForLeader(t, nodes, 3*time.Second)

	time.Sleep(100 * time.Millisecond) // let a second election timeout pass, if any would fire
	ctx := context.Background()
	leaders := 0
	for _, n := range nodes {
		if n.peer.Status(ctx).Role == "LEADER" {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("found %d leaders, want exactly 1 (elected %s)", leaders, leader.addr)
	}
}

func TestThreeNodeClusterReplicatesAndCommitsToAllPeers(t *testing.T) {
	nodes := startCluster(t, 3, 100, 200, 30)
	leader := waitForLeader(t, nodes, 3*time.Second)

	index, err := leader.peer.Submit(context.Background(), []byte("apply-me"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for _, n := range nodes {
		waitForCommit(t, n, index, 2*time.Second)
	}
}

func TestSubmitOnFollowerReturnsNotLeader(t *testing.T) {
	nodes := startCluster(t, 3, 100, 200, 30)
	waitForLeader(t, nodes, 3*time.Second)

	ctx := context.Background()
	for _, n := range nodes {
		if n.peer.Status(ctx).Role == "LEADER" {
			continue
		}
		_, err := n.peer.Submit(ctx, []byte("should fail"))
		if err == nil {
			t.Fatalf("Submit on follower %s: expected NotLeader error, got nil", n.addr)
		}
		return
	}
	t.Fatal("no follower found")
}

func TestRestoreReconstructsStateFromDurableStoreAlone(t *testing.T) {
	logger := logging.NewLogger("raftd-test")
	self := freeAddr(t)
	dataDir := t.TempDir()

	engine, err := storage.Open(storage.Config{DataDir: dataDir})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	transport := NewTransport(self, logger)
	applyCh := make(chan ApplyMsg, 16)
	cfg := PeerConfig{Self: self, MinElectionMS: 20, MaxElectionMS: 40, HeartbeatMS: 10}

	p := NewPeer(cfg, engine, transport, logger, applyCh)
	if err := p.Restore(); err != nil {
		t.Fatalf("Restore (first boot): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var index uint64
	for i := 0; i < 200; i++ {
		status := p.Status(context.Background())
		if status.Role == "LEADER" {
			idx, err := p.Submit(context.Background(), []byte("durable"))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			index = idx
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if index == 0 {
		t.Fatal("peer never became leader")
	}
	waitForCommit(t, &testNode{peer: p}, index, time.Second)

	cancel()
	<-done

	// A fresh Peer instance, same engine, must reconstruct identical
	// decision-relevant state from raft_log/raft_restore alone (I5).
	restarted := NewPeer(cfg, engine, transport, logger, applyCh)
	if err := restarted.Restore(); err != nil {
		t.Fatalf("Restore (after restart): %v", err)
	}
	status := restarted.snapshotStatus()
	if status.LastLogIndex != index {
		t.Errorf("restored LastLogIndex = %d, want %d", status.LastLogIndex, index)
	}
	if status.Role != "FOLLOWER" {
		t.Errorf("restored Role = %s, want FOLLOWER (volatile role is never durable)", status.Role)
	}
	if status.CommitIndex != 0 {
		t.Errorf("restored CommitIndex = %d, want 0 (commit_index is reconstructed by replication, not persisted)", status.CommitIndex)
	}
}

// TestAppendEntriesTruncatesDivergentTail drives the conflict-detect
// path of onAppendEntriesAsk directly: a follower with an uncommitted,
// divergent tail must have that tail discarded and overwritten to
// match the leader's authoritative entries, not merely appended to.
func TestAppendEntriesTruncatesDivergentTail(t *testing.T) {
	logger := logging.NewLogger("raftd-test")
	self := freeAddr(t)
	engine, err := storage.Open(storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	transport := NewTransport(self, logger)
	cfg := PeerConfig{Self: self, MinElectionMS: 10000, MaxElectionMS: 20000, HeartbeatMS: 1000}
	p := NewPeer(cfg, engine, transport, logger, nil)
	if err := p.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Follower accepts a three-entry log from the term-1 leader.
	first := AppendEntriesAsk{
		Term:     1,
		LeaderID: "leader",
		Entries: []LogEntry{
			{Index: 1, Term: 1, Payload: []byte("a")},
			{Index: 2, Term: 1, Payload: []byte("b")},
			{Index: 3, Term: 1, Payload: []byte("stale")},
		},
	}
	replyCh := make(chan AppendEntriesReply, 1)
	p.inbox <- appendEntriesAskMsg{ask: first, replyCh: replyCh}
	if reply := <-replyCh; !reply.Success {
		t.Fatalf("first AppendEntries rejected: %+v", reply)
	}
	if got := p.snapshotStatus().LastLogIndex; got != 3 {
		t.Fatalf("after first AppendEntries, LastLogIndex = %d, want 3", got)
	}

	// The real leader's history never had index 3: it replaces index 2
	// with a different, later-term entry instead.
	second := AppendEntriesAsk{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []LogEntry{{Index: 2, Term: 2, Payload: []byte("new-b")}},
	}
	replyCh2 := make(chan AppendEntriesReply, 1)
	p.inbox <- appendEntriesAskMsg{ask: second, replyCh: replyCh2}
	if reply := <-replyCh2; !reply.Success {
		t.Fatalf("second AppendEntries rejected: %+v", reply)
	}

	status := p.snapshotStatus()
	if status.LastLogIndex != 2 {
		t.Fatalf("LastLogIndex = %d, want 2 (divergent index 3 must be truncated, not kept)", status.LastLogIndex)
	}
	if got := p.log[2].Term; got != 2 {
		t.Errorf("log[2].Term = %d, want 2 (overwritten entry, not the stale term-1 one)", got)
	}
	if string(p.log[2].Payload) != "new-b" {
		t.Errorf("log[2].Payload = %q, want %q", p.log[2].Payload, "new-b")
	}
}

// TestCommitRestrictedToCurrentTermEntries exercises the
// log[majorityIndex].Term != currentTerm guard directly: an
// older-term entry replicated to a majority must not be committed on
// its own, only once an entry from the leader's current term also
// reaches a majority (otherwise a future leader could legally
// overwrite it, violating the commit-once guarantee).
func TestCommitRestrictedToCurrentTermEntries(t *testing.T) {
	logger := logging.NewLogger("raftd-test")
	self := freeAddr(t)
	engine, err := storage.Open(storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	transport := NewTransport(self, logger)
	cfg := PeerConfig{Self: self, Peers: []string{"peer-2", "peer-3"}, MinElectionMS: 10000, MaxElectionMS: 20000, HeartbeatMS: 1000}
	p := NewPeer(cfg, engine, transport, logger, nil)
	if err := p.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Construct the hazard directly: a term-1 entry written by a prior
	// leader, followed by a term-2 entry this leader appended itself.
	// No actor goroutine is running yet, so direct field access is safe.
	p.currentTerm = 2
	p.role = Leader
	p.log = append(p.log, LogEntry{Index: 1, Term: 1, Payload: []byte("old-term")})
	p.log = append(p.log, LogEntry{Index: 2, Term: 2, Payload: []byte("current-term")})

	// Only the old-term entry has reached a majority so far (the
	// leader's own log always counts as matching itself).
	p.matchIndex["peer-2"] = 1
	p.matchIndex["peer-3"] = 1
	p.tryAdvanceCommitIndex()
	if p.commitIndex != 0 {
		t.Fatalf("commitIndex = %d, want 0 (index 1 is term 1, not the leader's current term 2)", p.commitIndex)
	}

	// Now a current-term entry also reaches a majority.
	p.matchIndex["peer-2"] = 2
	p.tryAdvanceCommitIndex()
	if p.commitIndex != 2 {
		t.Fatalf("commitIndex = %d, want 2 (current-term entry at index 2 has a majority)", p.commitIndex)
	}
}

func TestVoteGrantedOnlyOncePerTerm(t *testing.T) {
	logger := logging.NewLogger("raftd-test")
	self := freeAddr(t)
	engine, err := storage.Open(storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	transport := NewTransport(self, logger)
	cfg := PeerConfig{Self: self, Peers: []string{"127.0.0.1:1"}, MinElectionMS: 10000, MaxElectionMS: 20000, HeartbeatMS: 1000}
	p := NewPeer(cfg, engine, transport, logger, make(chan ApplyMsg, 1))
	if err := p.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	replyCh := make(chan RequestVoteReply, 1)
	p.inbox <- requestVoteAskMsg{ask: RequestVoteAsk{Term: 1, CandidateID: "candidate-a"}, replyCh: replyCh}
	first := <-replyCh
	if !first.VoteGranted {
		t.Fatal("expected first vote in term 1 to be granted")
	}

	replyCh2 := make(chan RequestVoteReply, 1)
	p.inbox <- requestVoteAskMsg{ask: RequestVoteAsk{Term: 1, CandidateID: "candidate-b"}, replyCh: replyCh2}
	second := <-replyCh2
	if second.VoteGranted {
		t.Error("expected second candidate's vote request in the same term to be denied")
	}
}
