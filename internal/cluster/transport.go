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

/*
Package cluster implements the Raft consensus core for raftd: the peer
role state machine, RequestVote/AppendEntries handling, commit-index
advancement, the per-follower replication driver, the election timer,
and their wiring onto the durable store (spec.md §4, expanded in
SPEC_FULL.md §4.8-4.12).
*/
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	cerrors "raftd/internal/errors"
	"raftd/internal/logging"
	"raftd/internal/protocol"
)

// RPCHandler receives inbound RequestVote/AppendEntries asks and
// returns a reply. Implementations must not block on anything but the
// target Peer's own inbox (the transport's accept goroutines bridge
// the network into the Peer's serial actor, they never mutate Peer
// state directly).
type RPCHandler interface {
	HandleRequestVote(ask RequestVoteAsk) RequestVoteReply
	HandleAppendEntries(ask AppendEntriesAsk) AppendEntriesReply
}

// Transport is the RPC transport of spec.md §4.9: it encodes the four
// message shapes inside internal/protocol's framing, and bounds
// concurrent inbound connections with netutil.LimitListener.
type Transport struct {
	self   string
	logger *logging.Logger

	listener net.Listener
	handler  RPCHandler

	dialTimeout time.Duration
	callTimeout time.Duration

	corrSeq atomic.Uint64

	wg sync.WaitGroup
}

// MaxInboundConns bounds concurrent inbound RPC connections per peer
// (SPEC_FULL.md §4.9), a transport resource guard unrelated to
// consensus decisions.
const MaxInboundConns = 64

// NewTransport returns a Transport bound to self's advertised address.
func NewTransport(self string, logger *logging.Logger) *Transport {
	return &Transport{
		self:        self,
		logger:      logger,
		dialTimeout: 2 * time.Second,
		callTimeout: 2 * time.Second,
	}
}

// Listen starts accepting inbound RPC connections on addr, dispatching
// each decoded ask to handler. It returns once the listener is bound;
// accept loops run in background goroutines tracked by Close.
func (t *Transport) Listen(addr string, handler RPCHandler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return cerrors.NewConnectionError("listen: " + err.Error())
	}
	t.listener = netutil.LimitListener(ln, MaxInboundConns)
	t.handler = handler

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return // listener closed
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// envelope wraps a gob-encoded RPC body with a correlation ID so a
// reply arriving on a connection can always be matched to its ask,
// even though this transport's simple one-ask-per-connection dial
// model makes that matching trivial today (SPEC_FULL.md §4.9).
type envelope struct {
	CorrID uint64
	Body   []byte
}

func (t *Transport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.logger.Warn("failed to read inbound RPC", "error", err.Error())
		return
	}

	var env envelope
	if err := gobDecode(msg.Payload, &env); err != nil {
		t.logger.Warn("failed to decode RPC envelope", "error", err.Error())
		return
	}

	var replyType protocol.MessageType
	var replyBody []byte

	switch msg.Header.Type {
	case protocol.MsgRequestVoteAsk:
		var ask RequestVoteAsk
		if err := gobDecode(env.Body, &ask); err != nil {
			return
		}
		reply := t.handler.HandleRequestVote(ask)
		replyType = protocol.MsgRequestVoteReply
		replyBody = gobEncode(reply)

	case protocol.MsgAppendEntriesAsk:
		var ask AppendEntriesAsk
		if err := gobDecode(env.Body, &ask); err != nil {
			return
		}
		reply := t.handler.HandleAppendEntries(ask)
		replyType = protocol.MsgAppendEntriesReply
		replyBody = gobEncode(reply)

	case protocol.MsgPing:
		replyType = protocol.MsgPong

	default:
		t.logger.Warn("unknown inbound RPC type", "type", fmt.Sprintf("%x", msg.Header.Type))
		return
	}

	outEnv := envelope{CorrID: env.CorrID, Body: replyBody}
	if err := protocol.WriteMessage(conn, replyType, gobEncode(outEnv)); err != nil {
		t.logger.Warn("failed to write RPC reply", "error", err.Error())
	}
}

// SendRequestVote dials peerAddr and performs one RequestVote call.
func (t *Transport) SendRequestVote(peerAddr string, ask RequestVoteAsk) (RequestVoteReply, error) {
	var reply RequestVoteReply
	err := t.call(peerAddr, protocol.MsgRequestVoteAsk, protocol.MsgRequestVoteReply, ask, &reply)
	return reply, err
}

// SendAppendEntries dials peerAddr and performs one AppendEntries call.
func (t *Transport) SendAppendEntries(peerAddr string, ask AppendEntriesAsk) (AppendEntriesReply, error) {
	var reply AppendEntriesReply
	err := t.call(peerAddr, protocol.MsgAppendEntriesAsk, protocol.MsgAppendEntriesReply, ask, &reply)
	return reply, err
}

func (t *Transport) call(peerAddr string, askType, replyType protocol.MessageType, ask interface{}, out interface{}) error {
	conn, err := net.DialTimeout("tcp", peerAddr, t.dialTimeout)
	if err != nil {
		return cerrors.UnreachablePeer(peerAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.callTimeout))

	corrID := t.corrSeq.Add(1)
	env := envelope{CorrID: corrID, Body: gobEncode(ask)}
	if err := protocol.WriteMessage(conn, askType, gobEncode(env)); err != nil {
		return cerrors.TransportFailure(peerAddr, err)
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return cerrors.TransportFailure(peerAddr, err)
	}
	if msg.Header.Type != replyType {
		return cerrors.ProtocolError(fmt.Sprintf("unexpected reply type %x", msg.Header.Type))
	}

	var replyEnv envelope
	if err := gobDecode(msg.Payload, &replyEnv); err != nil {
		return cerrors.ProtocolError("decode reply envelope: " + err.Error())
	}
	if replyEnv.CorrID != corrID {
		return cerrors.ProtocolError("correlation ID mismatch on RPC reply")
	}
	return gobDecode(replyEnv.Body, out)
}

// Close stops accepting new inbound connections and waits for
// in-flight handlers to finish.
func (t *Transport) Close() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	return nil
}

func gobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func gobDecode(data []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
