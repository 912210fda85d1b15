// Package node runs the libp2p host that carries the coordination bus
// between lnswapd processes.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Namespaces keep mainnet and testnet meshes apart.
const (
	NamespaceMainnet = "mainnet"
	NamespaceTestnet = "testnet"
)

// Config holds the P2P settings of the bus.
type Config struct {
	// Namespace separates peer meshes (mainnet or testnet).
	Namespace string `yaml:"namespace"`

	// KeyFile is the node identity key, relative to the data directory
	// unless absolute.
	KeyFile string `yaml:"key_file"`

	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	EnableMDNS bool `yaml:"enable_mdns"`
	EnableDHT  bool `yaml:"enable_dht"`
	EnableNAT  bool `yaml:"enable_nat"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: NamespaceMainnet,
		KeyFile:   "node.key",
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/4101",
			"/ip4/0.0.0.0/udp/4101/quic-v1",
		},
		BootstrapPeers: []string{},
		EnableMDNS:     false,
		EnableDHT:      true,
		EnableNAT:      false,
		ConnMgr: ConnMgrConfig{
			LowWater:    16,
			HighWater:   64,
			GracePeriod: time.Minute,
		},
	}
}

// DHTPrefix returns the DHT protocol prefix for the namespace.
func (c *Config) DHTPrefix() string {
	return "/lnswap/" + c.Namespace
}

// DiscoveryNamespace returns the rendezvous string for the namespace.
func (c *Config) DiscoveryNamespace() string {
	return "lnswap-" + c.Namespace
}

// Validate checks the multiaddrs and connection limits.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("bus namespace is required")
	}
	for _, addr := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
	}
	for _, addr := range c.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid bootstrap peer %s: %w", addr, err)
		}
	}
	if c.ConnMgr.HighWater < c.ConnMgr.LowWater {
		return fmt.Errorf("conn_mgr high_water (%d) below low_water (%d)", c.ConnMgr.HighWater, c.ConnMgr.LowWater)
	}
	return nil
}

// keyPath resolves KeyFile against dataDir.
func (c *Config) keyPath(dataDir string) string {
	if filepath.IsAbs(c.KeyFile) {
		return c.KeyFile
	}
	return filepath.Join(expandPath(dataDir), c.KeyFile)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
