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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// serviceName is the mDNS service type raftd advertises and queries
// for (SPEC_FULL.md §4.10). Discovery is advisory only: it helps an
// operator or an install script find existing cluster members to list
// in a new peer's configuration, it never drives membership changes.
const serviceName = "_raftd._tcp"

// DiscoveryConfig configures a DiscoveryService.
type DiscoveryConfig struct {
	NodeID    string
	ClusterID string
	RaftAddr  string // this node's Raft RPC address, advertised in TXT
	HTTPAddr  string // this node's console address, advertised in TXT
	Version   string
	Port      int  // port the mDNS responder binds to advertising on
	Enabled   bool // false: discover only, never advertise this node
}

// DiscoveredNode is one entry returned by DiscoverNodes.
type DiscoveredNode struct {
	NodeID      string
	ClusterID   string
	ClusterAddr string
	RaftAddr    string
	HTTPAddr    string
	Version     string
}

// DiscoveryService advertises (optionally) and discovers raftd nodes
// on the local network over mDNS.
type DiscoveryService struct {
	cfg    DiscoveryConfig
	server *mdns.Server
}

// NewDiscoveryService constructs a DiscoveryService. If cfg.Enabled is
// true, call Start to begin advertising; DiscoverNodes works either way.
func NewDiscoveryService(cfg DiscoveryConfig) *DiscoveryService {
	return &DiscoveryService{cfg: cfg}
}

// Start registers this node's mDNS advertisement. A no-op if
// cfg.Enabled is false.
func (d *DiscoveryService) Start() error {
	if !d.cfg.Enabled {
		return nil
	}
	txt := []string{
		"cluster_id=" + d.cfg.ClusterID,
		"raft_addr=" + d.cfg.RaftAddr,
		"http_addr=" + d.cfg.HTTPAddr,
		"version=" + d.cfg.Version,
	}
	svc, err := mdns.NewMDNSService(d.cfg.NodeID, serviceName, "", "", d.cfg.Port, nil, txt)
	if err != nil {
		return fmt.Errorf("build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("start mdns responder: %w", err)
	}
	d.server = server
	return nil
}

// Stop shuts down the mDNS responder, if one was started.
func (d *DiscoveryService) Stop() error {
	if d.server == nil {
		return nil
	}
	return d.server.Shutdown()
}

// DiscoverNodes queries the network for raftd nodes, waiting up to
// timeout for replies.
func (d *DiscoveryService) DiscoverNodes(timeout time.Duration) ([]*DiscoveredNode, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 32)
	var nodes []*DiscoveredNode
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			if entry.Name == "" {
				continue
			}
			nodes = append(nodes, parseEntry(entry))
		}
	}()

	params := mdns.DefaultParams(serviceName)
	params.Timeout = timeout
	params.Entries = entriesCh

	if err := mdns.Query(params); err != nil {
		close(entriesCh)
		<-done
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	close(entriesCh)
	<-done
	return nodes, nil
}

func parseEntry(entry *mdns.ServiceEntry) *DiscoveredNode {
	nodeID := strings.TrimSuffix(entry.Name, "."+serviceName+".local.")
	addr := entry.AddrV4.String()
	if entry.AddrV4 == nil && entry.AddrV6 != nil {
		addr = entry.AddrV6.String()
	}
	node := &DiscoveredNode{
		NodeID:      nodeID,
		ClusterAddr: addr + ":" + strconv.Itoa(entry.Port),
	}
	for _, field := range entry.InfoFields {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "cluster_id":
			node.ClusterID = kv[1]
		case "raft_addr":
			node.RaftAddr = kv[1]
		case "http_addr":
			node.HTTPAddr = kv[1]
		case "version":
			node.Version = kv[1]
		}
	}
	return node
}
