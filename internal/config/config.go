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
Package config loads and validates raftd's configuration.

Precedence, lowest to highest: built-in defaults, config file
(a small TOML-like `key = value` format), environment variables. A
Manager holds the active Config and can Reload it from the same file,
invoking any callbacks registered with OnReload.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Environment variable names, highest-precedence config source.
const (
	EnvPort           = "RAFTD_PORT"
	EnvConsolePort    = "RAFTD_CONSOLE_PORT"
	EnvRole           = "RAFTD_ROLE"
	EnvDataDir        = "RAFTD_DATA_DIR"
	EnvLogLevel       = "RAFTD_LOG_LEVEL"
	EnvLogJSON        = "RAFTD_LOG_JSON"
	EnvAdminPassword  = "RAFTD_ADMIN_PASSWORD"
	EnvClusterServers = "RAFTD_CLUSTER_SERVERS"
	EnvBootstrap      = "RAFTD_BOOTSTRAP"
)

// ClusterConfig lists the static, authoritative peer set. This is the
// only source of truth for quorum size; discovery (mDNS) never adds or
// removes an entry here.
type ClusterConfig struct {
	Servers []string
}

// RaftConfig holds the timing parameters of the election and heartbeat
// timers (spec.md §4.6).
type RaftConfig struct {
	MinElectionMS int
	MaxElectionMS int
	HeartbeatMS   int
}

// Config is the full process configuration for a raftd peer.
type Config struct {
	Port        int    // peer-to-peer RPC listener
	ConsolePort int     // operator console (readline) listener
	Role        string  // "voter" or "bootstrap"
	DataDir     string  // root of the two-partition durable store
	LogLevel    string
	LogJSON     bool
	Bootstrap   bool // this peer may seed a brand-new cluster with no prior leader
	AdminPassword string

	Cluster ClusterConfig
	Raft    RaftConfig

	// ConfigFile records the path this Config was loaded from, empty
	// if it came only from defaults/env.
	ConfigFile string
}

// DefaultConfig returns the built-in baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        7850,
		ConsolePort: 7851,
		Role:        "voter",
		DataDir:     "raftd-data",
		LogLevel:    "info",
		LogJSON:     false,
		Raft: RaftConfig{
			MinElectionMS: 150,
			MaxElectionMS: 300,
			HeartbeatMS:   50,
		},
	}
}

var validRoles = map[string]bool{"voter": true, "bootstrap": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks structural and semantic constraints on a Config.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ConsolePort != 0 {
		if c.ConsolePort <= 0 || c.ConsolePort > 65535 {
			return fmt.Errorf("invalid console_port: %d", c.ConsolePort)
		}
		if c.ConsolePort == c.Port {
			return fmt.Errorf("console_port conflicts with port: both %d", c.Port)
		}
	}
	if !validRoles[c.Role] {
		return fmt.Errorf("invalid role: %q (want voter or bootstrap)", c.Role)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	if len(c.Cluster.Servers) > 0 {
		if c.Raft.MinElectionMS <= 0 || c.Raft.MaxElectionMS <= 0 {
			return fmt.Errorf("election timeouts must be positive")
		}
		if c.Raft.MinElectionMS >= c.Raft.MaxElectionMS {
			return fmt.Errorf("min_election_ms (%d) must be below max_election_ms (%d)", c.Raft.MinElectionMS, c.Raft.MaxElectionMS)
		}
		if c.Raft.HeartbeatMS <= 0 || c.Raft.HeartbeatMS >= c.Raft.MinElectionMS/2 {
			return fmt.Errorf("heartbeat_ms (%d) must be positive and below half of min_election_ms (%d)", c.Raft.HeartbeatMS, c.Raft.MinElectionMS)
		}
	}
	return nil
}

// ToTOML renders the config in the same `key = value` format LoadFromFile
// parses. Not a general-purpose TOML encoder: just enough structure for
// this config's flat field set.
func (c *Config) ToTOML() string {
	var b strings.Builder
	fmt.Fprintf(&b, "role = %q\n", c.Role)
	fmt.Fprintf(&b, "port = %d\n", c.Port)
	fmt.Fprintf(&b, "console_port = %d\n", c.ConsolePort)
	fmt.Fprintf(&b, "data_dir = %q\n", c.DataDir)
	fmt.Fprintf(&b, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&b, "log_json = %v\n", c.LogJSON)
	fmt.Fprintf(&b, "bootstrap = %v\n", c.Bootstrap)
	if len(c.Cluster.Servers) > 0 {
		fmt.Fprintf(&b, "cluster_servers = %q\n", strings.Join(c.Cluster.Servers, ","))
	}
	if c.Raft.MinElectionMS > 0 {
		fmt.Fprintf(&b, "min_election_ms = %d\n", c.Raft.MinElectionMS)
		fmt.Fprintf(&b, "max_election_ms = %d\n", c.Raft.MaxElectionMS)
		fmt.Fprintf(&b, "heartbeat_ms = %d\n", c.Raft.HeartbeatMS)
	}
	return b.String()
}

// SaveToFile writes the config as TOML to path, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if i := strings.LastIndex(path, "/"); i > 0 {
		if err := os.MkdirAll(path[:i], 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(c.ToTOML()), 0644)
}

// String renders a human-readable one-line summary of the main fields.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Role: %s, Port: %d, ConsolePort: %d, DataDir: %s, LogLevel: %s, Bootstrap: %v, Servers: %v}",
		c.Role, c.Port, c.ConsolePort, c.DataDir, c.LogLevel, c.Bootstrap, c.Cluster.Servers,
	)
}

// Manager owns the active Config and mediates reload.
type Manager struct {
	mu       sync.RWMutex
	cfg      *Config
	onReload []func(*Config)
}

// NewManager returns a Manager seeded with DefaultConfig.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

// Get returns the active Config. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadFromFile parses a key=value config file over the current config
// and records its path for Reload.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.cfg
	if err := parseInto(&cfg, string(data)); err != nil {
		return err
	}
	cfg.ConfigFile = path
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	m.cfg = &cfg
	return nil
}

func parseInto(cfg *Config, content string) error {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"`)

		switch key {
		case "role":
			cfg.Role = val
		case "port":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid port in config file: %w", err)
			}
			cfg.Port = n
		case "console_port":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid console_port in config file: %w", err)
			}
			cfg.ConsolePort = n
		case "data_dir":
			cfg.DataDir = val
		case "log_level":
			cfg.LogLevel = val
		case "log_json":
			cfg.LogJSON = val == "true"
		case "bootstrap":
			cfg.Bootstrap = val == "true"
		case "admin_password":
			cfg.AdminPassword = val
		case "cluster_servers":
			cfg.Cluster.Servers = splitServers(val)
		case "min_election_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid min_election_ms: %w", err)
			}
			cfg.Raft.MinElectionMS = n
		case "max_election_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid max_election_ms: %w", err)
			}
			cfg.Raft.MaxElectionMS = n
		case "heartbeat_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid heartbeat_ms: %w", err)
			}
			cfg.Raft.HeartbeatMS = n
		}
	}
	return nil
}

func splitServers(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromEnv overlays environment variables onto the current config.
// Always the highest-precedence source.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.cfg
	if v := os.Getenv(EnvPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv(EnvConsolePort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConsolePort = n
		}
	}
	if v := os.Getenv(EnvRole); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = v == "true"
	}
	if v := os.Getenv(EnvAdminPassword); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv(EnvClusterServers); v != "" {
		cfg.Cluster.Servers = splitServers(v)
	}
	if v := os.Getenv(EnvBootstrap); v != "" {
		cfg.Bootstrap = v == "true"
	}
	m.cfg = &cfg
}

// OnReload registers a callback invoked with the new Config after a
// successful Reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Reload re-reads the config file this Manager was last loaded from
// and notifies any OnReload callbacks.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.cfg.ConfigFile
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file to reload from")
	}
	if err := m.LoadFromFile(path); err != nil {
		return err
	}

	m.mu.RLock()
	cfg := m.cfg
	callbacks := append([]func(*Config){}, m.onReload...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide Manager singleton.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}
