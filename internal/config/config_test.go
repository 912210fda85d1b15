package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lnswapd-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, role := range []string{RoleAPI, RoleLightning, RoleWatcher, RoleTicker} {
		if !cfg.HasRole(role) {
			t.Errorf("default config lacks role %s", role)
		}
	}
	if cfg.Bus.Mode != BusMemory {
		t.Errorf("Bus.Mode = %s, want %s", cfg.Bus.Mode, BusMemory)
	}
	if cfg.Chains[0].Params() == nil {
		t.Error("default chain has no params")
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := tempDir(t)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}

	info, err := os.Stat(Path(dir))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(Path(dir))
	if !strings.HasPrefix(string(data), "# lnswapd configuration") {
		t.Errorf("config file lacks header: %q", data[:40])
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if again.Storage.DataDir != dir || again.RPC.ListenAddr != cfg.RPC.ListenAddr {
		t.Errorf("reloaded config differs: %+v", again)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	data := `
roles: [api, watcher]
chains:
  - network: eth_rinkeby
    ws_url: ws://127.0.0.1:8546
    contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
bus:
  mode: gossip
quote:
  timeout_block_count: 10
  min_invoice_amount: 1000
  max_invoice_amount: 2000
  fees:
    ETH: 25
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.HasRole(RoleTicker) {
		t.Error("ticker role should be disabled")
	}
	if len(cfg.Chains) != 1 || cfg.Chains[0].Network != "eth_rinkeby" {
		t.Errorf("Chains = %+v", cfg.Chains)
	}
	if cfg.Quote.MaxInvoiceAmount != 2000 || cfg.Quote.Fees["ETH"] != 25 {
		t.Errorf("Quote = %+v", cfg.Quote)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Lightning.PaymentTimeout != 60*time.Second {
		t.Errorf("PaymentTimeout = %v", cfg.Lightning.PaymentTimeout)
	}
	if cfg.Bus.P2P == nil || cfg.Bus.P2P.KeyFile != "node.key" {
		t.Errorf("Bus.P2P = %+v", cfg.Bus.P2P)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := tempDir(t)
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("chains: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown role", func(c *Config) { c.Roles = append(c.Roles, "miner") }, `unknown role "miner"`},
		{"no roles", func(c *Config) { c.Roles = nil }, "no roles"},
		{"unknown chain", func(c *Config) { c.Chains[0].Network = "dogecoin" }, `unknown chain "dogecoin"`},
		{"duplicate chain", func(c *Config) { c.Chains = append(c.Chains, c.Chains[0]) }, "configured twice"},
		{"no chains", func(c *Config) { c.Chains = nil }, "no chains"},
		{"missing backend", func(c *Config) { c.Chains[0].Backend.URL = "" }, "needs a backend url"},
		{"bad claim address", func(c *Config) { c.Chains[0].ClaimAddress = "notanaddress" }, "claim address"},
		{"account chain without ws", func(c *Config) {
			c.Chains = append(c.Chains, ChainConfig{
				Network:         "eth_rinkeby",
				ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			})
		}, "needs a ws_url"},
		{"bad contract address", func(c *Config) {
			c.Chains = append(c.Chains, ChainConfig{Network: "eth_rinkeby", WSURL: "ws://localhost:8546", ContractAddress: "0x123"})
		}, "contract address"},
		{"unknown bus", func(c *Config) { c.Bus.Mode = "kafka" }, `unknown bus mode "kafka"`},
		{"gossip without p2p", func(c *Config) { c.Bus.Mode = BusGossip; c.Bus.P2P = nil }, "p2p section"},
		{"split roles on memory bus", func(c *Config) { c.Roles = []string{RoleAPI} }, "gossip bus"},
		{"split roles on gossip bus", func(c *Config) { c.Roles = []string{RoleWatcher}; c.Bus.Mode = BusGossip }, ""},
		{"no lightning host", func(c *Config) { c.Lightning.Host = "" }, "lightning host"},
		{"bad amount bounds", func(c *Config) { c.Quote.MaxInvoiceAmount = 1 }, "invoice amount bounds"},
		{"fee out of range", func(c *Config) { c.Quote.Fees["BTC"] = 20_000 }, "quote fee for BTC"},
		{"zero timeout", func(c *Config) { c.Quote.TimeoutBlockCount = 0 }, "timeout_block_count"},
		{"no listen addr", func(c *Config) { c.RPC.ListenAddr = "" }, "listen_addr"},
		{"ticker without urls", func(c *Config) { c.Ticker.FiatURL = "" }, "ticker urls"},
		{"disabled ticker", func(c *Config) { c.Ticker.Enabled = false; c.Ticker.FiatURL = "" }, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error does not wrap ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestDataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/lnswapd"

	if got := cfg.DataPath("mnemonic"); got != "/var/lib/lnswapd/mnemonic" {
		t.Errorf("DataPath(relative) = %s", got)
	}
	if got := cfg.DataPath("/etc/lnswapd/mnemonic"); got != "/etc/lnswapd/mnemonic" {
		t.Errorf("DataPath(absolute) = %s", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/.lnswapd"); got != filepath.Join(home, ".lnswapd") {
		t.Errorf("ExpandPath() = %s", got)
	}
	if got := ExpandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("ExpandPath() = %s", got)
	}
}
