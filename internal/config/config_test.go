package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway(writeConfig(t, "store:\n  driver: memory\n"))
	if err != nil {
		t.Fatalf("LoadGateway: %v", err)
	}
	if cfg.Server.ClientListenAddr != ":15550" {
		t.Errorf("client listen = %q", cfg.Server.ClientListenAddr)
	}
	if cfg.Server.SquareListenAddr != ":14440" {
		t.Errorf("square listen = %q", cfg.Server.SquareListenAddr)
	}
	if cfg.Server.TickInterval != 20*time.Millisecond {
		t.Errorf("tick interval = %v", cfg.Server.TickInterval)
	}
	if cfg.Security.MaxConnectionsPerIP != 10 {
		t.Errorf("max conns per ip = %d", cfg.Security.MaxConnectionsPerIP)
	}
}

func TestLoadSquareOverrides(t *testing.T) {
	cfg, err := LoadSquare(writeConfig(t, `
server:
  name: "Eryr Square"
  capacity: 150
  advertise_host: 10.0.0.5
  advertise_port: 15561
gateway:
  addr: 10.0.0.1:14440
store:
  driver: sqlite
  path: /tmp/square.db
`))
	if err != nil {
		t.Fatalf("LoadSquare: %v", err)
	}
	if cfg.Server.Name != "Eryr Square" || cfg.Server.Capacity != 150 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Gateway.Addr != "10.0.0.1:14440" {
		t.Errorf("gateway addr = %q", cfg.Gateway.Addr)
	}
	if cfg.Gateway.UpdateInterval != 5*time.Second {
		t.Errorf("update interval = %v", cfg.Gateway.UpdateInterval)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/tmp/square.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadRejectsBadStoreDriver(t *testing.T) {
	_, err := LoadGateway(writeConfig(t, "store:\n  driver: mongodb\n"))
	if err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Fatalf("err = %v, want store.driver validation failure", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadGateway(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
