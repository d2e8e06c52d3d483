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
	"sort"

	cerrors "raftd/internal/errors"
	"raftd/internal/logging"
	"raftd/internal/storage"
)

// Role is a peer's position in the Raft role state machine (spec.md §4.1).
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// PeerConfig configures a Peer.
type PeerConfig struct {
	Self          string // this peer's address, also its PeerID
	Peers         []string
	MinElectionMS int
	MaxElectionMS int
	HeartbeatMS   int
	// SimulatedCrashProbability injects the test-only fatal fault of
	// spec.md §7.6/§9 into commit-index advancement when non-zero.
	SimulatedCrashProbability float64
	// Bootstrap starts this peer directly as Leader of term 0 instead
	// of Follower, but only the first time it is ever restored against
	// an empty data directory and only when it is the sole member of a
	// cluster-of-one (spec.md §4.1/§6). Must be used at most once in
	// the lifetime of a cluster.
	Bootstrap bool
}

// ApplyMsg is delivered to the external application state machine
// collaborator for every committed entry (spec.md §1: out of scope,
// touched only through this interface).
type ApplyMsg struct {
	Index   uint64
	Term    uint64
	Payload []byte
}

// Peer is a single-inbox actor implementing one Raft node. Every field
// below this comment is mutated only by the goroutine running Run;
// all outside interaction happens by sending a message to inbox and
// (if a reply is needed) waiting on a reply channel embedded in that
// message, per spec.md §5.
type Peer struct {
	cfg     PeerConfig
	engine  *storage.Engine
	logPart *storage.Partition
	restore *storage.Partition
	transport *Transport
	logger  *logging.Logger
	applyCh chan<- ApplyMsg

	inbox   chan interface{}
	timer   *electionTimer
	fatalCh chan error
	runCtx  context.Context // set at the top of Run, used only to unblock a pending applyCh send on shutdown

	// --- actor-owned state, touched only inside Run ---
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	log []LogEntry // mirrors the raft_log partition, index 0 unused (1-based)

	commitIndex uint64
	lastApplied uint64

	votesGranted map[string]bool

	nextIndex  map[string]uint64
	matchIndex map[string]uint64
	drivers    map[string]*replicationDriver
}

// NewPeer constructs a Peer. Call Restore before Run to rebuild
// volatile state from the durable store.
func NewPeer(cfg PeerConfig, engine *storage.Engine, transport *Transport, logger *logging.Logger, applyCh chan<- ApplyMsg) *Peer {
	p := &Peer{
		cfg:        cfg,
		engine:     engine,
		logPart:    engine.Partition(storage.PartitionLog),
		restore:    engine.Partition(storage.PartitionRestore),
		transport:  transport,
		logger:     logger.With("peer", cfg.Self),
		applyCh:    applyCh,
		inbox:      make(chan interface{}, 256),
		timer:      newElectionTimer(cfg.MinElectionMS, cfg.MaxElectionMS),
		fatalCh:    make(chan error, 1),
		log:        make([]LogEntry, 1), // index 0 sentinel
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		drivers:    make(map[string]*replicationDriver),
	}
	return p
}

// Restore reconstructs all volatile state from the durable store alone
// (I5: a restarted peer must reconstruct identical decision-relevant
// state from nothing but raft_log and raft_restore).
func (p *Peer) Restore() error {
	freshBoot := false
	raw, err := p.restore.Get([]byte(storage.RestoreKey))
	if err != nil {
		if cerrors.GetCode(err) != cerrors.ErrCodeNotFound {
			return err
		}
		// First boot: currentTerm=0, votedFor="".
		freshBoot = true
	} else {
		var ps persistentState
		if err := gobDecode(raw, &ps); err != nil {
			return cerrors.Corrupted(storage.PartitionRestore, err.Error())
		}
		p.currentTerm = ps.CurrentTerm
		p.votedFor = ps.VotedFor
	}

	keys, values, err := p.logPart.Scan(nil, nil)
	if err != nil {
		return err
	}
	entries := make([]LogEntry, 0, len(keys))
	for i, k := range keys {
		var stored struct {
			Term    uint64
			Payload []byte
		}
		if err := gobDecode(values[i], &stored); err != nil {
			return cerrors.Corrupted(storage.PartitionLog, err.Error())
		}
		entries = append(entries, LogEntry{Index: storage.DecodeIndex(k), Term: stored.Term, Payload: stored.Payload})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	p.log = make([]LogEntry, 1, len(entries)+1)
	p.log = append(p.log, entries...)
	freshBoot = freshBoot && len(entries) == 0

	p.commitIndex = 0
	p.lastApplied = 0

	if p.cfg.Bootstrap && len(p.cfg.Peers) == 0 && freshBoot {
		// spec.md §4.1/§6: a bootstrap peer that is the sole member of
		// a cluster-of-one starts directly as Leader of term 0, with no
		// election round. Only applies on a genuinely fresh data
		// directory so the flag is effectively single-use.
		p.role = Leader
		p.leaderID = p.cfg.Self
		p.logger.Info("bootstrapping as leader of term 0")
		return nil
	}

	p.role = Follower
	p.leaderID = ""
	return nil
}

// Run is the actor's serial processing loop. It returns nil when ctx
// is canceled, or a non-nil error when the peer hit a fatal condition
// (a durability failure or a simulated crash, spec.md §7 kinds 3 and
// 6) and needs the Supervisor to restart it. Restore must be called
// again before re-running a restarted Peer.
func (p *Peer) Run(ctx context.Context) error {
	p.runCtx = ctx
	p.timer.reset()
	defer p.timer.stop()
	defer p.stopDrivers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-p.fatalCh:
			return err

		case epoch := <-p.timer.C():
			if p.timer.fired(epoch) {
				p.onElectionTimeout()
			}

		case msg := <-p.inbox:
			p.dispatch(msg)
		}
	}
}

func (p *Peer) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case requestVoteAskMsg:
		m.replyCh <- p.onRequestVoteAsk(m.ask)
	case appendEntriesAskMsg:
		m.replyCh <- p.onAppendEntriesAsk(m.ask)
	case requestVoteReplyEnvelope:
		p.onRequestVoteReply(m.from, m.reply)
	case replicationTickMsg:
		m.replyCh <- p.onReplicationTick(m.peerAddr)
	case appendEntriesResultMsg:
		p.onAppendEntriesResult(m)
	case submitMsg:
		idx, err := p.onSubmit(m.payload)
		m.resultCh <- submitResult{index: idx, err: err}
	case statusRequestMsg:
		m.replyCh <- p.snapshotStatus()
	}
}

// requestVoteReplyEnvelope carries a RequestVote reply back from the
// goroutine that sent the RPC into the candidate's inbox.
type requestVoteReplyEnvelope struct {
	from  string
	reply RequestVoteReply
}

// --- external-facing API (never touches actor state directly) ------------

// Submit is the client ingress seam (spec.md §6). Returns
// cerrors.ErrCodeNotLeader with LeaderID set when this peer is not
// the leader.
func (p *Peer) Submit(ctx context.Context, payload []byte) (uint64, error) {
	resultCh := make(chan submitResult, 1)
	select {
	case p.inbox <- submitMsg{payload: payload, resultCh: resultCh}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-resultCh:
		return res.index, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HandleRequestVote implements RPCHandler for the Transport.
func (p *Peer) HandleRequestVote(ask RequestVoteAsk) RequestVoteReply {
	replyCh := make(chan RequestVoteReply, 1)
	p.inbox <- requestVoteAskMsg{ask: ask, replyCh: replyCh}
	return <-replyCh
}

// HandleAppendEntries implements RPCHandler for the Transport.
func (p *Peer) HandleAppendEntries(ask AppendEntriesAsk) AppendEntriesReply {
	replyCh := make(chan AppendEntriesReply, 1)
	p.inbox <- appendEntriesAskMsg{ask: ask, replyCh: replyCh}
	return <-replyCh
}

// Status returns a snapshot of volatile state for the operator console.
func (p *Peer) Status(ctx context.Context) Status {
	replyCh := make(chan Status, 1)
	select {
	case p.inbox <- statusRequestMsg{replyCh: replyCh}:
	case <-ctx.Done():
		return Status{}
	}
	select {
	case s := <-replyCh:
		return s
	case <-ctx.Done():
		return Status{}
	}
}

func (p *Peer) snapshotStatus() Status {
	next := make(map[string]uint64, len(p.nextIndex))
	match := make(map[string]uint64, len(p.matchIndex))
	for k, v := range p.nextIndex {
		next[k] = v
	}
	for k, v := range p.matchIndex {
		match[k] = v
	}
	return Status{
		Self:         p.cfg.Self,
		Role:         p.role.String(),
		CurrentTerm:  p.currentTerm,
		LeaderID:     p.leaderID,
		CommitIndex:  p.commitIndex,
		LastApplied:  p.lastApplied,
		LastLogIndex: p.lastLogIndex(),
		NextIndex:    next,
		MatchIndex:   match,
	}
}

// --- internal handlers (run only on the actor goroutine) ------------------

func (p *Peer) lastLogIndex() uint64 { return uint64(len(p.log) - 1) }

func (p *Peer) lastLogTerm() uint64 {
	if len(p.log) <= 1 {
		return 0
	}
	return p.log[len(p.log)-1].Term
}

// persist syncs (current_term, voted_for) to the restore partition.
// Every caller that depends on this value being durable before any
// reply goes out must call persist first (P1).
func (p *Peer) persist() error {
	ps := persistentState{CurrentTerm: p.currentTerm, VotedFor: p.votedFor}
	if err := p.restore.Put([]byte(storage.RestoreKey), gobEncode(ps)); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	if err := p.engine.Sync(); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	return nil
}

func (p *Peer) becomeFollower(term uint64, leaderID string) {
	stepping := p.role != Follower
	p.role = Follower
	p.currentTerm = term
	p.votedFor = ""
	if leaderID != "" {
		p.leaderID = leaderID
	}
	p.stopDrivers()
	p.timer.reset()
	if stepping {
		p.logger.Info("stepping down", "term", itoa(term))
	}
}

func (p *Peer) onElectionTimeout() {
	if p.role == Leader {
		return
	}
	p.startElection()
}

func (p *Peer) startElection() {
	p.role = Candidate
	p.currentTerm++
	p.votedFor = p.cfg.Self
	p.leaderID = ""
	p.votesGranted = map[string]bool{p.cfg.Self: true}
	p.timer.reset()

	if err := p.persist(); err != nil {
		p.fatal(err)
		return
	}
	p.logger.Info("starting election", "term", itoa(p.currentTerm))

	ask := RequestVoteAsk{
		Term:         p.currentTerm,
		CandidateID:  p.cfg.Self,
		LastLogIndex: p.lastLogIndex(),
		LastLogTerm:  p.lastLogTerm(),
	}
	for _, peer := range p.cfg.Peers {
		peer := peer
		go func() {
			reply, err := p.transport.SendRequestVote(peer, ask)
			if err != nil {
				return
			}
			select {
			case p.inbox <- requestVoteReplyEnvelope{from: peer, reply: reply}:
			default:
			}
		}()
	}

	if len(p.cfg.Peers) == 0 {
		p.becomeLeader()
	}
}

func (p *Peer) onRequestVoteAsk(ask RequestVoteAsk) RequestVoteReply {
	if ask.Term < p.currentTerm {
		return RequestVoteReply{Term: p.currentTerm, VoteGranted: false}
	}
	steppedDown := false
	if ask.Term > p.currentTerm {
		p.becomeFollower(ask.Term, "")
		steppedDown = true
	}

	// Open Question (resolved per spec.md §9, safe behavior): grant the
	// vote only if we haven't already voted for someone else this term
	// AND the candidate's log is at least as up to date as ours.
	upToDate := ask.LastLogTerm > p.lastLogTerm() ||
		(ask.LastLogTerm == p.lastLogTerm() && ask.LastLogIndex >= p.lastLogIndex())

	canVote := p.votedFor == "" || p.votedFor == ask.CandidateID
	if canVote && upToDate {
		p.votedFor = ask.CandidateID
		if err := p.persist(); err != nil {
			p.fatal(err)
			return RequestVoteReply{Term: p.currentTerm, VoteGranted: false}
		}
		p.timer.reset()
		p.logger.Info("granted vote", "candidate", ask.CandidateID, "term", itoa(ask.Term))
		return RequestVoteReply{Term: p.currentTerm, VoteGranted: true}
	}

	// Even when the vote is denied, currentTerm already moved (P1): the
	// reply below discloses that new term, so it must be durable first.
	if steppedDown {
		if err := p.persist(); err != nil {
			p.fatal(err)
			return RequestVoteReply{Term: p.currentTerm, VoteGranted: false}
		}
	}
	return RequestVoteReply{Term: p.currentTerm, VoteGranted: false}
}

func (p *Peer) onRequestVoteReply(from string, reply RequestVoteReply) {
	if p.role != Candidate {
		return
	}
	if reply.Term > p.currentTerm {
		p.becomeFollower(reply.Term, "")
		if err := p.persist(); err != nil {
			p.fatal(err)
		}
		return
	}
	if reply.Term < p.currentTerm || !reply.VoteGranted {
		return
	}

	p.votesGranted[from] = true
	p.logger.Debug("got one vote", "from", from, "total", itoa(uint64(len(p.votesGranted))))
	if len(p.votesGranted) > (len(p.cfg.Peers)+1)/2 {
		p.becomeLeader()
	}
}

func (p *Peer) becomeLeader() {
	if p.role != Candidate {
		return
	}
	p.role = Leader
	p.leaderID = p.cfg.Self
	p.logger.Info("received quorum, becoming leader", "term", itoa(p.currentTerm))

	last := p.lastLogIndex()
	for _, peer := range p.cfg.Peers {
		p.nextIndex[peer] = last + 1
		p.matchIndex[peer] = 0
		p.startDriver(peer)
	}
	p.timer.stop()
	p.tryAdvanceCommitIndex()
}

func (p *Peer) stopDrivers() {
	for addr, d := range p.drivers {
		d.stop()
		delete(p.drivers, addr)
	}
}

func (p *Peer) startDriver(peerAddr string) {
	if _, ok := p.drivers[peerAddr]; ok {
		return
	}
	d := newReplicationDriver(p.cfg.Self, peerAddr, p.cfg.HeartbeatMS, p.transport, p.inbox, p.logger)
	p.drivers[peerAddr] = d
	go d.run()
}

// onReplicationTick answers a replicationDriver's request for the next
// batch to send, or reports isLeader=false if a step-down raced the
// driver's tick.
func (p *Peer) onReplicationTick(peerAddr string) replicationSnapshot {
	if p.role != Leader {
		return replicationSnapshot{isLeader: false}
	}
	next := p.nextIndex[peerAddr]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := uint64(0)
	if prevIndex > 0 && prevIndex < uint64(len(p.log)) {
		prevTerm = p.log[prevIndex].Term
	}

	var entries []LogEntry
	const maxBatch = 64
	for i := next; i < uint64(len(p.log)) && len(entries) < maxBatch; i++ {
		entries = append(entries, p.log[i])
	}

	return replicationSnapshot{
		isLeader: true,
		ask: AppendEntriesAsk{
			Term:         p.currentTerm,
			LeaderID:     p.cfg.Self,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: p.commitIndex,
		},
	}
}

func (p *Peer) onAppendEntriesResult(m appendEntriesResultMsg) {
	if m.err != nil {
		return
	}
	if m.reply.Term > p.currentTerm {
		p.becomeFollower(m.reply.Term, "")
		if err := p.persist(); err != nil {
			p.fatal(err)
		}
		return
	}
	if p.role != Leader {
		return
	}
	if m.reply.Success {
		if m.sentIndex > p.matchIndex[m.peerAddr] {
			p.matchIndex[m.peerAddr] = m.sentIndex
		}
		if m.sentIndex+1 > p.nextIndex[m.peerAddr] {
			p.nextIndex[m.peerAddr] = m.sentIndex + 1
		}
		p.tryAdvanceCommitIndex()
	} else {
		// Leader will decrement next_index for this peer and retry
		// (spec.md §4.5), backing off one entry at a time.
		if p.nextIndex[m.peerAddr] > 1 {
			p.nextIndex[m.peerAddr]--
		}
	}
}

// tryAdvanceCommitIndex implements commit-index advancement (spec.md
// §4.4) with the mandatory term guard: an entry is only committed by
// counting replicas if it was written during the current term (Open
// Question resolved as a MUST-fix per spec.md §9 — committing an
// entry from a prior term purely on a match-index majority can later
// be overwritten by a new leader and violates the log-matching
// guarantee).
func (p *Peer) tryAdvanceCommitIndex() {
	if p.role != Leader {
		return
	}

	if p.cfg.SimulatedCrashProbability > 0 && simulatedCrashRoll(p.cfg.SimulatedCrashProbability) {
		p.fatal(cerrors.SimulatedCrash())
		return
	}

	matches := make([]uint64, 0, len(p.cfg.Peers)+1)
	matches = append(matches, p.lastLogIndex()) // leader always matches its own log
	for _, peer := range p.cfg.Peers {
		matches = append(matches, p.matchIndex[peer])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	// With matches sorted ascending, the element at (n-1)/2 is the
	// highest index replicated to a majority (including the leader).
	majorityIndex := matches[(len(matches)-1)/2]

	if majorityIndex <= p.commitIndex {
		return
	}
	if majorityIndex >= uint64(len(p.log)) {
		return
	}
	if p.log[majorityIndex].Term != p.currentTerm {
		return
	}

	p.commitIndex = majorityIndex
	p.applyCommitted()
}

// applyCommitted delivers every newly committed entry to the external
// application state machine in order. The send blocks (instead of
// dropping on a full channel) so a slow or momentarily stalled
// consumer never causes a committed entry to be silently skipped,
// per spec.md §5's exactly-once delivery guarantee; only shutdown
// (runCtx canceled) can abandon a pending send, and only mid-entry,
// never by skipping over it.
func (p *Peer) applyCommitted() {
	for p.lastApplied < p.commitIndex {
		next := p.lastApplied + 1
		entry := p.log[next]
		if p.applyCh != nil {
			select {
			case p.applyCh <- ApplyMsg{Index: entry.Index, Term: entry.Term, Payload: entry.Payload}:
			case <-p.runCtx.Done():
				return
			}
		}
		p.lastApplied = next
	}
}

func (p *Peer) onSubmit(payload []byte) (uint64, error) {
	if p.role != Leader {
		return 0, cerrors.NotLeader(p.leaderID)
	}

	entry := LogEntry{Term: p.currentTerm, Index: p.lastLogIndex() + 1, Payload: payload}
	if err := p.appendEntry(entry); err != nil {
		return 0, err
	}
	if len(p.cfg.Peers) == 0 {
		p.tryAdvanceCommitIndex()
	}
	for _, d := range p.drivers {
		d.wakeup()
	}
	return entry.Index, nil
}

func (p *Peer) appendEntry(entry LogEntry) error {
	stored := struct {
		Term    uint64
		Payload []byte
	}{Term: entry.Term, Payload: entry.Payload}
	if err := p.logPart.Put(storage.EncodeIndex(entry.Index), gobEncode(stored)); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	if err := p.engine.Sync(); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	p.log = append(p.log, entry)
	return nil
}

// onAppendEntriesAsk implements the follower/candidate side of
// AppendEntries (spec.md §4.3).
func (p *Peer) onAppendEntriesAsk(ask AppendEntriesAsk) AppendEntriesReply {
	if ask.Term < p.currentTerm {
		return AppendEntriesReply{Term: p.currentTerm, Success: false}
	}
	if ask.Term > p.currentTerm || p.role == Candidate {
		p.becomeFollower(ask.Term, ask.LeaderID)
		if err := p.persist(); err != nil {
			p.fatal(err)
			return AppendEntriesReply{Term: p.currentTerm, Success: false}
		}
	} else {
		// Open Question (resolved per spec.md §9): accepting a new
		// leader_id for an already-known term is a conditional update,
		// not an assertion that it must match — a second AppendEntries
		// from the same legitimate leader is the common case, not a bug.
		if p.leaderID == "" {
			p.leaderID = ask.LeaderID
		}
	}
	p.timer.reset()

	if ask.PrevLogIndex > 0 {
		if ask.PrevLogIndex >= uint64(len(p.log)) {
			return AppendEntriesReply{Term: p.currentTerm, Success: false}
		}
		if p.log[ask.PrevLogIndex].Term != ask.PrevLogTerm {
			return AppendEntriesReply{Term: p.currentTerm, Success: false}
		}
	}

	insertAt := ask.PrevLogIndex + 1
	conflict := false
	for i, e := range ask.Entries {
		idx := insertAt + uint64(i)
		if idx < uint64(len(p.log)) {
			if p.log[idx].Term != e.Term {
				conflict = true
				p.log = p.log[:idx]
				if err := p.truncateFrom(idx); err != nil {
					p.fatal(err)
					return AppendEntriesReply{Term: p.currentTerm, Success: false}
				}
			} else {
				continue
			}
		}
		if conflict || idx >= uint64(len(p.log)) {
			if err := p.appendEntry(e); err != nil {
				p.fatal(err)
				return AppendEntriesReply{Term: p.currentTerm, Success: false}
			}
		}
	}

	if ask.LeaderCommit > p.commitIndex {
		newCommit := ask.LeaderCommit
		if last := p.lastLogIndex(); newCommit > last {
			newCommit = last
		}
		p.commitIndex = newCommit
		p.applyCommitted()
	}

	return AppendEntriesReply{Term: p.currentTerm, Success: true}
}

func (p *Peer) truncateFrom(index uint64) error {
	keys, _, err := p.logPart.Scan(storage.EncodeIndex(index), nil)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.logPart.Delete(k); err != nil {
			return cerrors.DurabilityFailure(err)
		}
	}
	return p.engine.Sync()
}

// fatal handles a durability failure or simulated crash (spec.md §7
// kinds 3 and 6): fatal kinds must not let the peer continue, since P1
// may be violated. Run returns this error to its caller, typically a
// Supervisor, which restarts the peer; Restore() then rebuilds state
// from the durable store alone.
func (p *Peer) fatal(err error) {
	p.logger.Error("fatal error, peer exiting", "error", err.Error())
	select {
	case p.fatalCh <- err:
	default:
	}
}


func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
