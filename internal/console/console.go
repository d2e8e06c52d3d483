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
Package console implements raftd's operator REPL: a small local or
TCP-exposed shell for inspecting and poking at a running peer, built on
chzyer/readline the way the rest of this codebase's CLI tools build
their prompts on pkg/cli (SPEC_FULL.md §4.12).
*/
package console

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"raftd/internal/cluster"
	"raftd/internal/storage"
	"raftd/pkg/cli"
)

// Console is the operator manhole: status, log, propose, peers.
type Console struct {
	peer     *cluster.Peer
	engine   *storage.Engine
	password string

	rl *readline.Instance
}

// Config configures a Console.
type Config struct {
	Peer     *cluster.Peer
	Engine   *storage.Engine
	Password string // empty disables authentication
	Prompt   string
}

// New constructs a Console reading from in and writing to out.
func New(cfg Config, in io.ReadCloser, out io.Writer) (*Console, error) {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "raftd> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cli.Highlight(prompt),
		HistoryFile:     "",
		Stdin:           in,
		Stdout:          out,
		Stderr:          out,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &Console{peer: cfg.Peer, engine: cfg.Engine, password: cfg.Password, rl: rl}, nil
}

// Close releases the underlying readline instance.
func (c *Console) Close() error {
	return c.rl.Close()
}

// Run reads commands until EOF, ctx cancellation, or "exit"/"quit".
func (c *Console) Run(ctx context.Context) error {
	if c.password != "" {
		if !c.authenticate() {
			return cli.ErrAuthFailed()
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" || line == "\\q" {
			return nil
		}
		c.dispatch(ctx, line)
	}
}

func (c *Console) authenticate() bool {
	pw, err := c.rl.ReadPassword("password: ")
	if err != nil {
		return false
	}
	return string(pw) == c.password
}

func (c *Console) dispatch(ctx context.Context, line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "status":
		c.cmdStatus(ctx)
	case "peers":
		c.cmdPeers(ctx)
	case "log":
		c.cmdLog(args)
	case "propose":
		c.cmdPropose(ctx, args)
	case "help", "\\h":
		c.cmdHelp()
	default:
		cli.ErrInvalidCommand(cmd).Print()
	}
}

func (c *Console) cmdHelp() {
	fmt.Println()
	fmt.Printf("  %sstatus%s                 show this peer's role, term, and indices\n", cli.Bold, cli.Reset)
	fmt.Printf("  %speers%s                  show replication progress toward each follower\n", cli.Bold, cli.Reset)
	fmt.Printf("  %slog [from] [to]%s       list indices of stored log entries in [from, to)\n", cli.Bold, cli.Reset)
	fmt.Printf("  %spropose <text>%s        submit a new entry (must be leader)\n", cli.Bold, cli.Reset)
	fmt.Printf("  %sexit%s                  leave the console\n", cli.Bold, cli.Reset)
	fmt.Println()
}

func (c *Console) cmdStatus(ctx context.Context) {
	status := c.peer.Status(ctx)
	t := cli.NewTable("FIELD", "VALUE")
	t.AddRow("self", status.Self)
	t.AddRow("role", status.Role)
	t.AddRow("term", strconv.FormatUint(status.CurrentTerm, 10))
	t.AddRow("leader", status.LeaderID)
	t.AddRow("commit_index", strconv.FormatUint(status.CommitIndex, 10))
	t.AddRow("last_applied", strconv.FormatUint(status.LastApplied, 10))
	t.AddRow("last_log_index", strconv.FormatUint(status.LastLogIndex, 10))
	t.Print()
}

func (c *Console) cmdPeers(ctx context.Context) {
	status := c.peer.Status(ctx)
	if status.Role != "LEADER" {
		cli.PrintInfo("not the leader; replication progress is only tracked by the leader")
		return
	}
	t := cli.NewTable("PEER", "NEXT_INDEX", "MATCH_INDEX")
	for _, addr := range sortedPeerAddrs(status.NextIndex) {
		t.AddRow(addr, strconv.FormatUint(status.NextIndex[addr], 10), strconv.FormatUint(status.MatchIndex[addr], 10))
	}
	t.Print()
}

// sortedPeerAddrs gives the peers table a stable, locale-aware display
// order; map iteration order would otherwise make the console's output
// vary between two calls with identical cluster state.
func sortedPeerAddrs(m map[string]uint64) []string {
	addrs := make([]string, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	collate.New(language.Und).SortStrings(addrs)
	return addrs
}

func (c *Console) cmdLog(args []string) {
	var from, to uint64
	to = ^uint64(0)
	if len(args) > 0 {
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			cli.ErrInvalidValue("from", args[0], "must be a non-negative integer").Print()
			return
		}
		from = v
	}
	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			cli.ErrInvalidValue("to", args[1], "must be a non-negative integer").Print()
			return
		}
		to = v
	}

	logPart := c.engine.Partition(storage.PartitionLog)
	var start []byte
	if from > 0 {
		start = storage.EncodeIndex(from)
	}
	var end []byte
	if to != ^uint64(0) {
		end = storage.EncodeIndex(to)
	}
	keys, _, err := logPart.Scan(start, end)
	if err != nil {
		cli.PrintError("scan failed: %v", err)
		return
	}

	t := cli.NewTable("INDEX")
	for _, k := range keys {
		t.AddRow(strconv.FormatUint(storage.DecodeIndex(k), 10))
	}
	t.Print()
}

func (c *Console) cmdPropose(ctx context.Context, args []string) {
	if len(args) == 0 {
		cli.ErrMissingArgument("payload", "propose <text>").Print()
		return
	}
	payload := []byte(strings.Join(args, " "))

	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	index, err := c.peer.Submit(callCtx, payload)
	if err != nil {
		cli.PrintError("propose failed: %v", err)
		return
	}
	cli.PrintSuccess("accepted at index %d", index)
}
