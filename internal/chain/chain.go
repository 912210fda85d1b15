// Package chain defines the on-chain networks a swap can settle on.
// Networks are identified by the names carried in order messages
// ("bitcoin", "testnet", "litecoin", "ltctestnet", "ethereum",
// "eth_rinkeby").
package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// ErrUnknownNetwork is returned for network names that are not registered.
var ErrUnknownNetwork = errors.New("unknown network")

// Network is an on-chain network name as used on the bus.
type Network string

const (
	Bitcoin        Network = "bitcoin"
	BitcoinTestnet Network = "testnet"
	Litecoin       Network = "litecoin"
	LitecoinTest   Network = "ltctestnet"
	Ethereum       Network = "ethereum"
	EthRinkeby     Network = "eth_rinkeby"
)

// Type is the ledger model of a network.
type Type string

const (
	TypeUTXO    Type = "utxo"
	TypeAccount Type = "account"
)

// Params describes one network.
type Params struct {
	Network  Network
	Symbol   string // BTC, LTC, ETH
	Name     string
	Type     Type
	Decimals uint8
	Testnet  bool

	// UTXO networks
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte
	Magic            uint32 // p2p network magic, used to register non-BTC params

	// Account networks
	ChainID uint64

	once     sync.Once
	chaincfg *chaincfg.Params
}

// IsUTXO reports whether the network uses the script-based swap.
func (p *Params) IsUTXO() bool { return p.Type == TypeUTXO }

// IsAccount reports whether the network uses the swap contract.
func (p *Params) IsAccount() bool { return p.Type == TypeAccount }

// ChainParams returns btcd network parameters with this network's
// address prefixes. Only meaningful for UTXO networks.
func (p *Params) ChainParams() *chaincfg.Params {
	p.once.Do(func() {
		var base chaincfg.Params
		if p.Testnet {
			base = chaincfg.TestNet3Params
		} else {
			base = chaincfg.MainNetParams
		}
		if p.Symbol == "BTC" {
			p.chaincfg = &base
			return
		}
		// Litecoin shares the BTC address formats with its own prefixes.
		base.Name = string(p.Network)
		base.PubKeyHashAddrID = p.PubKeyHashAddrID
		base.ScriptHashAddrID = p.ScriptHashAddrID
		base.Bech32HRPSegwit = p.Bech32HRP
		base.PrivateKeyID = p.WIF
		base.HDPrivateKeyID = p.HDPrivateKeyID
		base.HDPublicKeyID = p.HDPublicKeyID
		base.Net = wire.BitcoinNet(p.Magic)
		// Registration makes the bech32 prefix known to btcutil.DecodeAddress.
		if err := chaincfg.Register(&base); err != nil && !errors.Is(err, chaincfg.ErrDuplicateNet) {
			panic(fmt.Sprintf("chain: register %s params: %v", p.Network, err))
		}
		p.chaincfg = &base
	})
	return p.chaincfg
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Network]*Params)
)

// Register adds network params to the registry.
func Register(params *Params) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[params.Network] = params
}

// Get returns params for a network name.
func Get(network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[network]
	return p, ok
}

// Lookup is Get with an error for unknown names.
func Lookup(name string) (*Params, error) {
	p, ok := Get(Network(name))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return p, nil
}

// List returns all registered network names, sorted.
func List() []Network {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Network, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
