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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 7850 {
		t.Errorf("Expected default port 7850, got %d", cfg.Port)
	}
	if cfg.ConsolePort != 7851 {
		t.Errorf("Expected default console port 7851, got %d", cfg.ConsolePort)
	}
	if cfg.Role != "voter" {
		t.Errorf("Expected default role 'voter', got '%s'", cfg.Role)
	}
	if cfg.DataDir != "raftd-data" {
		t.Errorf("Expected default data_dir 'raftd-data', got '%s'", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != false {
		t.Errorf("Expected default log_json false, got %v", cfg.LogJSON)
	}
	if cfg.Raft.MinElectionMS != 150 {
		t.Errorf("Expected default min_election_ms 150, got %d", cfg.Raft.MinElectionMS)
	}
	if cfg.Raft.MaxElectionMS != 300 {
		t.Errorf("Expected default max_election_ms 300, got %d", cfg.Raft.MaxElectionMS)
	}
	if cfg.Raft.HeartbeatMS != 50 {
		t.Errorf("Expected default heartbeat_ms 50, got %d", cfg.Raft.HeartbeatMS)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name: "valid bootstrap config",
			cfg: &Config{
				Port:      7850,
				Role:      "bootstrap",
				DataDir:   "data",
				LogLevel:  "info",
				Bootstrap: true,
				Cluster:   ClusterConfig{Servers: []string{"a:7850"}},
				Raft:      RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: false,
		},
		{
			name: "invalid port - zero",
			cfg: &Config{
				Port:     0,
				Role:     "voter",
				DataDir:  "data",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			cfg: &Config{
				Port:     70000,
				Role:     "voter",
				DataDir:  "data",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "port conflict with console port",
			cfg: &Config{
				Port:        7850,
				ConsolePort: 7850,
				Role:        "voter",
				DataDir:     "data",
				LogLevel:    "info",
				Cluster:     ClusterConfig{Servers: []string{"a:7850"}},
				Raft:        RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "invalid role",
			cfg: &Config{
				Port:     7850,
				Role:     "invalid",
				DataDir:  "data",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: &Config{
				Port:     7850,
				Role:     "voter",
				DataDir:  "data",
				LogLevel: "invalid",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "empty data_dir",
			cfg: &Config{
				Port:     7850,
				Role:     "voter",
				DataDir:  "",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "min election not below max",
			cfg: &Config{
				Port:     7850,
				Role:     "voter",
				DataDir:  "data",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 300, MaxElectionMS: 150, HeartbeatMS: 50},
			},
			wantErr: true,
		},
		{
			name: "heartbeat not below half of min election",
			cfg: &Config{
				Port:     7850,
				Role:     "voter",
				DataDir:  "data",
				LogLevel: "info",
				Cluster:  ClusterConfig{Servers: []string{"a:7850"}},
				Raft:     RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 100},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftd_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `# Test configuration
role = "bootstrap"
port = 9000
console_port = 9001
data_dir = "/tmp/test-data"
log_level = "debug"
log_json = true
bootstrap = true
cluster_servers = "a:9000,b:9000,c:9000"
min_election_ms = 200
max_election_ms = 400
heartbeat_ms = 60
`

	configPath := filepath.Join(tmpDir, "raftd.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()

	if cfg.Role != "bootstrap" {
		t.Errorf("Expected role 'bootstrap', got '%s'", cfg.Role)
	}
	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Port)
	}
	if cfg.ConsolePort != 9001 {
		t.Errorf("Expected console_port 9001, got %d", cfg.ConsolePort)
	}
	if cfg.DataDir != "/tmp/test-data" {
		t.Errorf("Expected data_dir '/tmp/test-data', got '%s'", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true, got %v", cfg.LogJSON)
	}
	if !cfg.Bootstrap {
		t.Error("Expected bootstrap true")
	}
	if len(cfg.Cluster.Servers) != 3 {
		t.Errorf("Expected 3 cluster servers, got %d", len(cfg.Cluster.Servers))
	}
	if cfg.Raft.MinElectionMS != 200 {
		t.Errorf("Expected min_election_ms 200, got %d", cfg.Raft.MinElectionMS)
	}
	if cfg.ConfigFile != configPath {
		t.Errorf("Expected ConfigFile '%s', got '%s'", configPath, cfg.ConfigFile)
	}
}

func TestLoadFromEnv(t *testing.T) {
	origPort := os.Getenv(EnvPort)
	origRole := os.Getenv(EnvRole)
	origLogLevel := os.Getenv(EnvLogLevel)
	origLogJSON := os.Getenv(EnvLogJSON)
	origServers := os.Getenv(EnvClusterServers)

	defer func() {
		os.Setenv(EnvPort, origPort)
		os.Setenv(EnvRole, origRole)
		os.Setenv(EnvLogLevel, origLogLevel)
		os.Setenv(EnvLogJSON, origLogJSON)
		os.Setenv(EnvClusterServers, origServers)
	}()

	os.Setenv(EnvPort, "7777")
	os.Setenv(EnvRole, "bootstrap")
	os.Setenv(EnvLogLevel, "debug")
	os.Setenv(EnvLogJSON, "true")
	os.Setenv(EnvClusterServers, "a:7777,b:7777")

	mgr := NewManager()
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	if cfg.Port != 7777 {
		t.Errorf("Expected port 7777 from env, got %d", cfg.Port)
	}
	if cfg.Role != "bootstrap" {
		t.Errorf("Expected role 'bootstrap' from env, got '%s'", cfg.Role)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log_level 'debug' from env, got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON != true {
		t.Errorf("Expected log_json true from env, got %v", cfg.LogJSON)
	}
	if len(cfg.Cluster.Servers) != 2 {
		t.Errorf("Expected 2 cluster servers from env, got %d", len(cfg.Cluster.Servers))
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftd_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `port = 9000
role = "voter"
data_dir = "test-data"
log_level = "info"
`
	configPath := filepath.Join(tmpDir, "raftd.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	origPort := os.Getenv(EnvPort)
	defer os.Setenv(EnvPort, origPort)
	os.Setenv(EnvPort, "7777")

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()

	if cfg.Port != 7777 {
		t.Errorf("Expected port 7777 (env override), got %d", cfg.Port)
	}
}

func TestToTOML(t *testing.T) {
	cfg := &Config{
		Port:        8888,
		ConsolePort: 8889,
		Role:        "bootstrap",
		DataDir:     "/var/lib/raftd/data",
		LogLevel:    "info",
		LogJSON:     false,
		Cluster:     ClusterConfig{Servers: []string{"a:8888", "b:8888"}},
		Raft:        RaftConfig{MinElectionMS: 150, MaxElectionMS: 300, HeartbeatMS: 50},
	}

	toml := cfg.ToTOML()

	if !contains(toml, "role = \"bootstrap\"") {
		t.Error("TOML output missing role")
	}
	if !contains(toml, "port = 8888") {
		t.Error("TOML output missing port")
	}
	if !contains(toml, "console_port = 8889") {
		t.Error("TOML output missing console_port")
	}
	if !contains(toml, "data_dir = \"/var/lib/raftd/data\"") {
		t.Error("TOML output missing data_dir")
	}
	if !contains(toml, "cluster_servers = \"a:8888,b:8888\"") {
		t.Error("TOML output missing cluster_servers")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftd_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Port = 7777
	cfg.Role = "bootstrap"
	cfg.Cluster.Servers = []string{"a:7777"}

	configPath := filepath.Join(tmpDir, "subdir", "raftd.conf")
	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	loaded := mgr.Get()
	if loaded.Port != 7777 {
		t.Errorf("Expected port 7777, got %d", loaded.Port)
	}
	if loaded.Role != "bootstrap" {
		t.Errorf("Expected role 'bootstrap', got '%s'", loaded.Role)
	}
}

func TestReload(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "raftd_config_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configContent := `port = 9000
role = "voter"
data_dir = "test-data"
log_level = "info"
`
	configPath := filepath.Join(tmpDir, "raftd.conf")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configPath); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Port != 9000 {
		t.Errorf("Expected initial port 9000, got %d", cfg.Port)
	}

	reloadCalled := false
	mgr.OnReload(func(c *Config) {
		reloadCalled = true
	})

	newContent := `port = 8000
role = "voter"
data_dir = "test-data"
log_level = "debug"
`
	if err := os.WriteFile(configPath, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg = mgr.Get()
	if cfg.Port != 8000 {
		t.Errorf("Expected reloaded port 8000, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected reloaded log_level 'debug', got '%s'", cfg.LogLevel)
	}
	if !reloadCalled {
		t.Error("Reload callback was not called")
	}
}

func TestGlobalManager(t *testing.T) {
	mgr := Global()
	if mgr == nil {
		t.Error("Global() returned nil")
	}

	mgr2 := Global()
	if mgr != mgr2 {
		t.Error("Global() returned different instances")
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	str := cfg.String()

	if !contains(str, "Role:") {
		t.Error("String() missing Role")
	}
	if !contains(str, "Port:") {
		t.Error("String() missing Port")
	}
	if !contains(str, "voter") {
		t.Error("String() missing role value")
	}
}

// Helper function
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
