package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lnswap/lnswapd/internal/chain"
)

// BIP44 path of the account chain claim key: m/44'/60'/0'/0/0
const (
	bip44Purpose = 44
	ethCoinType  = 60
)

// AccountKey is the key that sends claim transactions on an account chain.
type AccountKey struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// DeriveAccountKey derives the BIP44 m/44'/60'/0'/0/0 key.
func DeriveAccountKey(seed []byte, params *chain.Params) (*AccountKey, error) {
	if params == nil || !params.IsAccount() {
		return nil, ErrExpectedValidNetwork
	}

	// The HD version bytes are irrelevant for account chains.
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + bip44Purpose,
		hdkeychain.HardenedKeyStart + ethCoinType,
		hdkeychain.HardenedKeyStart,
		0,
		0,
	}
	key := master
	for _, idx := range path {
		if key, err = key.Derive(idx); err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}

	btcPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	// btcec keys are dcrd secp256k1 keys.
	var priv *secp256k1.PrivateKey = btcPriv
	raw := priv.Serialize()
	defer SecureClear(raw)
	defer priv.Zero()

	ecKey, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert key: %w", err)
	}
	return &AccountKey{
		PrivateKey: ecKey,
		Address:    crypto.PubkeyToAddress(ecKey.PublicKey),
	}, nil
}
