// Package wallet derives the service's swap keys from a BIP39 seed.
//
// UTXO swap keys live at m/0'/0/index, one index per order. The account
// chain claim key is the BIP44 key m/44'/60'/0'/0/0.
package wallet

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// Key derivation errors
var (
	ErrInvalidMnemonic      = errors.New("invalid mnemonic")
	ErrExpectedValidIndex   = errors.New("ExpectedValidIndex")
	ErrExpectedValidNetwork = errors.New("ExpectedValidNetwork")
)

// SwapKey is the key pair bound into one order's redeem script.
type SwapKey struct {
	Index         int64
	PrivateKey    *btcec.PrivateKey
	PublicKey     []byte // compressed, 33 bytes
	PublicKeyHash []byte // hash160 of PublicKey
	WIF           string
	P2PKHAddress  string
	P2WPKHAddress string
}

// NewSeed validates a mnemonic and returns its 64-byte BIP39 seed.
func NewSeed(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveSwapKey derives m/0'/0/index for a UTXO network. Indices at or
// above 2^31 yield hardened children.
func DeriveSwapKey(seed []byte, params *chain.Params, index int64) (*SwapKey, error) {
	if index < 0 || index > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrExpectedValidIndex, index)
	}
	if params == nil || !params.IsUTXO() {
		return nil, ErrExpectedValidNetwork
	}

	master, err := hdkeychain.NewMaster(seed, params.ChainParams())
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return deriveSwapKey(master, params, index)
}

func deriveSwapKey(master *hdkeychain.ExtendedKey, params *chain.Params, index int64) (*SwapKey, error) {
	// m/0'
	account, err := master.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}
	// m/0'/0
	external, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive chain: %w", err)
	}
	// m/0'/0/index
	child, err := external.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	cp := params.ChainParams()
	pub := priv.PubKey().SerializeCompressed()
	pkh := btcutil.Hash160(pub)

	wif, err := btcutil.NewWIF(priv, cp, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WIF: %w", err)
	}
	p2pkh, err := btcutil.NewAddressPubKeyHash(pkh, cp)
	if err != nil {
		return nil, err
	}
	p2wpkh, err := btcutil.NewAddressWitnessPubKeyHash(pkh, cp)
	if err != nil {
		return nil, err
	}

	return &SwapKey{
		Index:         index,
		PrivateKey:    priv,
		PublicKey:     pub,
		PublicKeyHash: pkh,
		WIF:           wif.String(),
		P2PKHAddress:  p2pkh.EncodeAddress(),
		P2WPKHAddress: p2wpkh.EncodeAddress(),
	}, nil
}

// Keyring holds the process seed and caches one master key per network.
type Keyring struct {
	seed []byte

	mu      sync.Mutex
	masters map[chain.Network]*hdkeychain.ExtendedKey
}

// NewKeyring creates a keyring from a validated mnemonic.
func NewKeyring(mnemonic, passphrase string) (*Keyring, error) {
	seed, err := NewSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	return NewKeyringFromSeed(seed), nil
}

// NewKeyringFromSeed creates a keyring from a raw seed.
func NewKeyringFromSeed(seed []byte) *Keyring {
	return &Keyring{
		seed:    seed,
		masters: make(map[chain.Network]*hdkeychain.ExtendedKey),
	}
}

// SwapKey derives the swap key for index on a UTXO network.
func (k *Keyring) SwapKey(params *chain.Params, index int64) (*SwapKey, error) {
	if index < 0 || index > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrExpectedValidIndex, index)
	}
	if params == nil || !params.IsUTXO() {
		return nil, ErrExpectedValidNetwork
	}

	k.mu.Lock()
	master, ok := k.masters[params.Network]
	if !ok {
		var err error
		master, err = hdkeychain.NewMaster(k.seed, params.ChainParams())
		if err != nil {
			k.mu.Unlock()
			return nil, fmt.Errorf("failed to create master key: %w", err)
		}
		k.masters[params.Network] = master
	}
	k.mu.Unlock()

	return deriveSwapKey(master, params, index)
}

// AccountKey derives the claim key for an account network.
func (k *Keyring) AccountKey(params *chain.Params) (*AccountKey, error) {
	return DeriveAccountKey(k.seed, params)
}
