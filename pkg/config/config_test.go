package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBrokerConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("databasePath: ./broker.db\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadBrokerConfig(path)
	if err != nil {
		t.Fatalf("LoadBrokerConfig: %v", err)
	}

	if cfg.Listen.Addr != ":7420" {
		t.Errorf("expected default listen addr, got %q", cfg.Listen.Addr)
	}
	if cfg.Breaker.MinimumRequestCount != 10 {
		t.Errorf("expected default breaker minimumRequestCount=10, got %d", cfg.Breaker.MinimumRequestCount)
	}
	if cfg.Queue.DefaultTTL.Hours() != 24 {
		t.Errorf("expected default queue TTL of 24h, got %v", cfg.Queue.DefaultTTL)
	}
}

func TestLoadBrokerConfigRejectsMissingDatabasePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  addr: \":1\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadBrokerConfig(path); err == nil {
		t.Fatal("expected error for missing databasePath")
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := "agentId: worker-1\nbrokerUrl: ws://localhost:7420/agent\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.MaxTurnsPerInvocation != 50 {
		t.Errorf("expected default maxTurnsPerInvocation=50, got %d", cfg.MaxTurnsPerInvocation)
	}
	if cfg.CodingAgentBin != "claude" {
		t.Errorf("expected default codingAgentBin=claude, got %q", cfg.CodingAgentBin)
	}
}
