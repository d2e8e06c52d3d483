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
raftd is a replicated, leader-based key-value store built on a
from-scratch Raft consensus core. This binary wires together
configuration, the durable store, the Raft peer, its replication
drivers, and the operator console. mDNS discovery is not started
here; it is the separate raftd-discover tool.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"raftd/internal/cluster"
	"raftd/internal/config"
	"raftd/internal/console"
	"raftd/internal/logging"
	"raftd/internal/storage"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "path to a raftd config file")
	port := flag.Int("port", 0, "override the peer RPC port")
	dataDir := flag.String("data-dir", "", "override the data directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("raftd v%s\n", version)
		os.Exit(0)
	}

	mgr := config.NewManager()
	if *configFile != "" {
		if err := mgr.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "raftd: %v\n", err)
			os.Exit(1)
		}
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "raftd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	logger := logging.NewLogger("raftd")

	self := "127.0.0.1:" + strconv.Itoa(cfg.Port)
	engine, err := storage.Open(storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		logger.Error("failed to open durable store", "error", err.Error())
		os.Exit(1)
	}
	defer engine.Close()

	transport := cluster.NewTransport(self, logger)

	var peers []string
	for _, s := range cfg.Cluster.Servers {
		if s != self {
			peers = append(peers, s)
		}
	}

	applyCh := make(chan cluster.ApplyMsg, 256)
	go drainApplyCh(applyCh, logger)

	peerCfg := cluster.PeerConfig{
		Self:          self,
		Peers:         peers,
		MinElectionMS: cfg.Raft.MinElectionMS,
		MaxElectionMS: cfg.Raft.MaxElectionMS,
		HeartbeatMS:   cfg.Raft.HeartbeatMS,
		Bootstrap:     cfg.Bootstrap,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := cluster.NewSupervisor(logger)
	var current *cluster.Peer
	supervisor.WatchPeer(ctx, "peer", func() (*cluster.Peer, error) {
		current = cluster.NewPeer(peerCfg, engine, transport, logger, applyCh)
		return current, nil
	})

	if err := transport.Listen(self, peerHandler{get: func() *cluster.Peer { return current }}); err != nil {
		logger.Error("failed to start RPC listener", "error", err.Error())
		os.Exit(1)
	}
	defer transport.Close()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ConsolePort != 0 {
		g.Go(func() error {
			serveConsole(gctx, cfg, engine, func() *cluster.Peer { return current }, logger)
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			logger.Error("subsystem exited", "error", err.Error())
		}
	}()

	logger.Info("raftd started", "self", self, "role", cfg.Role, "peers", fmt.Sprintf("%v", peers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

// peerHandler bridges Transport's RPCHandler interface to whatever the
// current (possibly just-restarted) Peer incarnation is.
type peerHandler struct {
	get func() *cluster.Peer
}

func (h peerHandler) HandleRequestVote(ask cluster.RequestVoteAsk) cluster.RequestVoteReply {
	return h.get().HandleRequestVote(ask)
}

func (h peerHandler) HandleAppendEntries(ask cluster.AppendEntriesAsk) cluster.AppendEntriesReply {
	return h.get().HandleAppendEntries(ask)
}

func drainApplyCh(ch <-chan cluster.ApplyMsg, logger *logging.Logger) {
	for msg := range ch {
		logger.Debug("entry committed", "index", strconv.FormatUint(msg.Index, 10), "term", strconv.FormatUint(msg.Term, 10))
	}
}

func serveConsole(ctx context.Context, cfg *config.Config, engine *storage.Engine, getPeer func() *cluster.Peer, logger *logging.Logger) {
	addr := "127.0.0.1:" + strconv.Itoa(cfg.ConsolePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to start console listener", "error", err.Error())
		return
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go handleConsoleConn(ctx, conn, cfg, engine, getPeer)
	}
}

func handleConsoleConn(ctx context.Context, conn net.Conn, cfg *config.Config, engine *storage.Engine, getPeer func() *cluster.Peer) {
	defer conn.Close()
	c, err := console.New(console.Config{
		Peer:     getPeer(),
		Engine:   engine,
		Password: cfg.AdminPassword,
	}, conn, conn)
	if err != nil {
		return
	}
	defer c.Close()
	c.Run(ctx)
}
