package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "net:\n  listen_addr: \"127.0.0.1:7450\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7450" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.MaxPeers != 32 || cfg.QueueBound != 64 {
		t.Fatalf("defaults not applied: max_peers=%d queue_bound=%d", cfg.MaxPeers, cfg.QueueBound)
	}
	if cfg.OrphanTTL != 30*time.Second {
		t.Fatalf("orphan_ttl default = %v", cfg.OrphanTTL)
	}
	if cfg.ConfirmationDepth != 128 {
		t.Fatalf("confirmation_depth default = %d", cfg.ConfirmationDepth)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `net:
  listen_addr: "0.0.0.0:9100"
  advertise_addr: "203.0.113.7:9100"
  bootstrap:
    - "203.0.113.1:9100"
    - "203.0.113.2:9100"
  deny_cidrs:
    - "192.0.2.0/24"
  max_peers: 8
graph:
  orphan_ttl: "10s"
server:
  port: 9101
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Bootstrap) != 2 {
		t.Fatalf("bootstrap = %v", cfg.Bootstrap)
	}
	if cfg.AdvertiseAddr != "203.0.113.7:9100" {
		t.Fatalf("advertise_addr = %q", cfg.AdvertiseAddr)
	}
	if cfg.MaxPeers != 8 {
		t.Fatalf("max_peers = %d", cfg.MaxPeers)
	}
	if cfg.OrphanTTL != 10*time.Second {
		t.Fatalf("orphan_ttl = %v", cfg.OrphanTTL)
	}
	if cfg.APIPort != 9101 {
		t.Fatalf("api port = %d", cfg.APIPort)
	}
}

func TestLoadRejectsBadListenAddr(t *testing.T) {
	path := writeConfig(t, "net:\n  listen_addr: \"no-port-here\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for address without port")
	}
}

func TestLoadRejectsBadCIDR(t *testing.T) {
	path := writeConfig(t, `net:
  listen_addr: "0.0.0.0:7450"
  deny_cidrs:
    - "300.0.0.0/8"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed cidr")
	}
}

func TestLoadRejectsBadBootstrap(t *testing.T) {
	path := writeConfig(t, `net:
  listen_addr: "0.0.0.0:7450"
  bootstrap:
    - "missing-port"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for bootstrap address without port")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
