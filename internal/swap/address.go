package swap

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lnswap/lnswapd/internal/chain"
)

// Address errors
var (
	ErrUnsupportedNetwork = errors.New("network has no script addresses")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Address types reported by ParseAddress.
const (
	AddressP2PKH  = "p2pkh"
	AddressP2SH   = "p2sh"
	AddressP2WPKH = "p2wpkh"
	AddressP2WSH  = "p2wsh"
)

// SwapAddresses are the three encodings of one redeem script. Any of
// them can fund the swap; the claim path differs per type.
type SwapAddresses struct {
	Legacy string // P2SH(script)
	Nested string // P2SH(P2WSH(script)), the default deposit address
	Native string // P2WSH(script)

	LegacyOutputScript []byte
	NestedOutputScript []byte
	NativeOutputScript []byte

	// WitnessProgram is OP_0 <sha256(script)>, the redeem script of the
	// nested address.
	WitnessProgram []byte
}

// AddressDetails describes a decoded address.
type AddressDetails struct {
	Address      string
	Type         string
	Hash         []byte
	Version      byte // base58 prefix or segwit version
	OutputScript []byte
}

// WitnessProgram returns OP_0 <sha256(script)>.
func WitnessProgram(script []byte) []byte {
	h := sha256.Sum256(script)
	// 0x00 0x20 <32 bytes>
	program := make([]byte, 0, 2+len(h))
	program = append(program, txscript.OP_0, txscript.OP_DATA_32)
	return append(program, h[:]...)
}

// DeriveAddresses encodes script as legacy, nested and native segwit
// addresses for the given network.
func DeriveAddresses(script []byte, params *chain.Params) (*SwapAddresses, error) {
	if params == nil || !params.IsUTXO() {
		return nil, ErrUnsupportedNetwork
	}
	cp := params.ChainParams()

	legacy, err := btcutil.NewAddressScriptHash(script, cp)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2SH address: %w", err)
	}

	program := WitnessProgram(script)
	nested, err := btcutil.NewAddressScriptHash(program, cp)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2SH-P2WSH address: %w", err)
	}

	native, err := btcutil.NewAddressWitnessScriptHash(program[2:], cp)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	addrs := &SwapAddresses{
		Legacy:         legacy.EncodeAddress(),
		Nested:         nested.EncodeAddress(),
		Native:         native.EncodeAddress(),
		WitnessProgram: program,
	}
	if addrs.LegacyOutputScript, err = txscript.PayToAddrScript(legacy); err != nil {
		return nil, err
	}
	if addrs.NestedOutputScript, err = txscript.PayToAddrScript(nested); err != nil {
		return nil, err
	}
	if addrs.NativeOutputScript, err = txscript.PayToAddrScript(native); err != nil {
		return nil, err
	}
	return addrs, nil
}

// Contains reports whether address is one of the three encodings.
func (a *SwapAddresses) Contains(address string) bool {
	return address == a.Legacy || address == a.Nested || address == a.Native
}

// ParseAddress decodes a base58 or bech32 address for the network and
// reports its type and hash.
func ParseAddress(address string, params *chain.Params) (*AddressDetails, error) {
	if params == nil || !params.IsUTXO() {
		return nil, ErrUnsupportedNetwork
	}
	cp := params.ChainParams()

	addr, err := btcutil.DecodeAddress(address, cp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(cp) {
		return nil, fmt.Errorf("%w: not a %s address", ErrInvalidAddress, params.Network)
	}

	d := &AddressDetails{Address: addr.EncodeAddress()}
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		d.Type, d.Version = AddressP2PKH, params.PubKeyHashAddrID
		d.Hash = a.Hash160()[:]
	case *btcutil.AddressScriptHash:
		d.Type, d.Version = AddressP2SH, params.ScriptHashAddrID
		d.Hash = a.Hash160()[:]
	case *btcutil.AddressWitnessPubKeyHash:
		d.Type, d.Version = AddressP2WPKH, a.WitnessVersion()
		d.Hash = a.WitnessProgram()
	case *btcutil.AddressWitnessScriptHash:
		d.Type, d.Version = AddressP2WSH, a.WitnessVersion()
		d.Hash = a.WitnessProgram()
	default:
		return nil, fmt.Errorf("%w: unsupported address type %T", ErrInvalidAddress, addr)
	}

	if d.OutputScript, err = txscript.PayToAddrScript(addr); err != nil {
		return nil, err
	}
	return d, nil
}

// OutputScript returns the scriptPubKey paying to address.
func OutputScript(address string, params *chain.Params) ([]byte, error) {
	d, err := ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	return d.OutputScript, nil
}
