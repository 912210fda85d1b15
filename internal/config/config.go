// Package config loads the lnswapd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/lnswap/lnswapd/internal/backend"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/lightning"
	"github.com/lnswap/lnswapd/internal/node"
	"github.com/lnswap/lnswapd/internal/quote"
	"github.com/lnswap/lnswapd/internal/rpc"
	"github.com/lnswap/lnswapd/internal/swap"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Bus modes
const (
	BusMemory = "memory"
	BusGossip = "gossip"
)

// Roles select which tasks a process runs. Processes sharing a gossip
// bus may split the roles between them.
const (
	RoleAPI       = "api"
	RoleLightning = "lightning"
	RoleWatcher   = "watcher"
	RoleTicker    = "ticker"
)

var allRoles = []string{RoleAPI, RoleLightning, RoleWatcher, RoleTicker}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ChainConfig connects one on-chain network.
type ChainConfig struct {
	// Network is a chain name known to the chain package, e.g. "testnet".
	Network string `yaml:"network"`

	// Backend is the bitcoind-compatible JSON-RPC node of UTXO chains.
	Backend backend.Config `yaml:"backend,omitempty"`

	// WSURL and ContractAddress apply to account chains.
	WSURL           string `yaml:"ws_url,omitempty"`
	ContractAddress string `yaml:"contract_address,omitempty"`

	// ClaimAddress receives claimed UTXO funds. Empty means the swap key's
	// own address.
	ClaimAddress string `yaml:"claim_address,omitempty"`
}

// WalletConfig locates the mnemonic.
type WalletConfig struct {
	// MnemonicFile is relative to the data directory unless absolute.
	MnemonicFile string `yaml:"mnemonic_file"`

	// PasswordEnv names the environment variable holding the password of
	// a sealed mnemonic file.
	PasswordEnv string `yaml:"password_env"`
}

// BusConfig selects the coordination bus.
type BusConfig struct {
	Mode string       `yaml:"mode"`
	P2P  *node.Config `yaml:"p2p"`

	// Sync enables order catch-up with gossip peers.
	Sync bool `yaml:"sync"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// CachePurgeInterval drops expired cache entries.
	CachePurgeInterval time.Duration `yaml:"cache_purge_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
	JSON bool   `yaml:"json"`
}

// Config is the full daemon configuration.
type Config struct {
	Roles     []string            `yaml:"roles"`
	Chains    []ChainConfig       `yaml:"chains"`
	Wallet    WalletConfig        `yaml:"wallet"`
	Storage   StorageConfig       `yaml:"storage"`
	Bus       BusConfig           `yaml:"bus"`
	Lightning lightning.Config    `yaml:"lightning"`
	RPC       *rpc.Config         `yaml:"rpc"`
	Quote     *quote.Config       `yaml:"quote"`
	Ticker    *quote.TickerConfig `yaml:"ticker"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// DefaultConfig returns a testnet configuration running every role on an
// in-memory bus.
func DefaultConfig() *Config {
	p2p := node.DefaultConfig()
	p2p.Namespace = node.NamespaceTestnet

	return &Config{
		Roles: append([]string(nil), allRoles...),
		Chains: []ChainConfig{
			{
				Network: string(chain.BitcoinTestnet),
				Backend: backend.Config{
					URL:          "http://127.0.0.1:18332",
					Timeout:      30 * time.Second,
					PollInterval: backend.DefaultPollInterval,
				},
			},
		},
		Wallet: WalletConfig{
			MnemonicFile: "mnemonic",
			PasswordEnv:  "LNSWAPD_WALLET_PASSWORD",
		},
		Storage: StorageConfig{
			DataDir:            "~/.lnswapd",
			CachePurgeInterval: 10 * time.Minute,
		},
		Bus: BusConfig{
			Mode: BusMemory,
			P2P:  p2p,
			Sync: true,
		},
		Lightning: lightning.Config{
			Host:            "127.0.0.1:10009",
			TLSCertPath:     "~/.lnd/tls.cert",
			MacaroonPath:    "~/.lnd/data/chain/bitcoin/testnet/admin.macaroon",
			PaymentTimeout:  lightning.DefaultPaymentTimeout,
			FeeLimitPercent: lightning.DefaultFeeLimitPercent,
		},
		RPC:    rpc.DefaultConfig(),
		Quote:  quote.DefaultConfig(),
		Ticker: quote.DefaultTickerConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// HasRole reports whether the process runs role.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if len(c.Roles) == 0 {
		fail("no roles")
	}
	for _, r := range c.Roles {
		if !validRole(r) {
			fail("unknown role %q", r)
		}
	}

	if len(c.Chains) == 0 && (c.HasRole(RoleAPI) || c.HasRole(RoleWatcher)) {
		fail("no chains configured")
	}
	seen := make(map[string]bool)
	for i := range c.Chains {
		if err := c.Chains[i].validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[c.Chains[i].Network] {
			fail("chain %s configured twice", c.Chains[i].Network)
		}
		seen[c.Chains[i].Network] = true
	}

	if c.Storage.DataDir == "" {
		fail("storage data_dir is required")
	}

	switch c.Bus.Mode {
	case BusMemory:
	case BusGossip:
		if c.Bus.P2P == nil {
			fail("bus p2p section is required in gossip mode")
		} else if err := c.Bus.P2P.Validate(); err != nil {
			fail("bus p2p: %v", err)
		}
	default:
		fail("unknown bus mode %q", c.Bus.Mode)
	}
	if c.Bus.Mode == BusMemory && len(c.Roles) < len(allRoles) {
		fail("roles can only be split across processes on the gossip bus")
	}

	if c.HasRole(RoleLightning) || c.HasRole(RoleAPI) {
		if c.Lightning.Host == "" {
			fail("lightning host is required")
		}
		if c.Lightning.FeeLimitPercent < 0 {
			fail("lightning fee_limit_percent must not be negative")
		}
	}

	if c.HasRole(RoleAPI) {
		if c.RPC == nil || c.RPC.ListenAddr == "" {
			fail("rpc listen_addr is required")
		}
		if c.Quote == nil {
			fail("quote section is required")
		} else {
			if c.Quote.TimeoutBlockCount <= 0 {
				fail("quote timeout_block_count must be positive")
			}
			if c.Quote.MinInvoiceAmount <= 0 || c.Quote.MaxInvoiceAmount < c.Quote.MinInvoiceAmount {
				fail("quote invoice amount bounds [%d, %d] are invalid", c.Quote.MinInvoiceAmount, c.Quote.MaxInvoiceAmount)
			}
			for sym, bps := range c.Quote.Fees {
				if bps < 0 || bps > 10_000 {
					fail("quote fee for %s out of range: %d", sym, bps)
				}
			}
		}
	}

	if c.HasRole(RoleTicker) && (c.Ticker == nil || (c.Ticker.Enabled && (c.Ticker.CryptoURL == "" || c.Ticker.FiatURL == ""))) {
		fail("ticker urls are required")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (cc *ChainConfig) validate() error {
	params, ok := chain.Get(chain.Network(cc.Network))
	if !ok {
		return fmt.Errorf("%w: unknown chain %q", ErrInvalidConfig, cc.Network)
	}
	switch {
	case params.IsUTXO():
		if cc.Backend.URL == "" {
			return fmt.Errorf("%w: chain %s needs a backend url", ErrInvalidConfig, cc.Network)
		}
		if cc.ClaimAddress != "" {
			if _, err := swap.ParseAddress(cc.ClaimAddress, params); err != nil {
				return fmt.Errorf("%w: chain %s claim address: %v", ErrInvalidConfig, cc.Network, err)
			}
		}
	case params.IsAccount():
		if cc.WSURL == "" {
			return fmt.Errorf("%w: chain %s needs a ws_url", ErrInvalidConfig, cc.Network)
		}
		if !common.IsHexAddress(cc.ContractAddress) {
			return fmt.Errorf("%w: chain %s contract address %q", ErrInvalidConfig, cc.Network, cc.ContractAddress)
		}
	}
	return nil
}

// Params returns the chain parameters of the configured network.
func (cc *ChainConfig) Params() *chain.Params {
	params, _ := chain.Get(chain.Network(cc.Network))
	return params
}

func validRole(role string) bool {
	for _, r := range allRoles {
		if r == role {
			return true
		}
	}
	return false
}

func parseLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(level), nil
	}
	return "", fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, level)
}

// Load loads dataDir/config.yaml. If the file doesn't exist, it creates
// one with default values.
func Load(dataDir string) (*Config, error) {
	configPath := Path(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads the configuration at path over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# lnswapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// DataPath resolves p against the data directory unless it is absolute.
func (c *Config) DataPath(p string) string {
	p = ExpandPath(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), p)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
