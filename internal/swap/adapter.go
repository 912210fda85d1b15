package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/contracts/lnswap"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/wallet"
	"github.com/lnswap/lnswapd/pkg/helpers"
)

// Adapter errors
var (
	ErrSendRawTransactionFailed = errors.New("SendRawTransactionFailed")
	ErrFundingOutputNotFound    = errors.New("funding output not found")
	ErrInvalidPreimage          = errors.New("invalid preimage")
	ErrNetworkMismatch          = errors.New("order belongs to another network")
)

// SwapRequest carries what a chain needs to set up a new deposit.
type SwapRequest struct {
	Invoice             string
	PaymentHash         []byte
	RefundPublicKeyHash []byte // UTXO networks only
	KeyIndex            int64
	TimeoutBlockHeight  uint32
}

// SwapDestination is where the depositor sends funds.
type SwapDestination struct {
	// Address is the default deposit address: nested P2SH-P2WSH on UTXO
	// networks, the swap contract on account networks.
	Address       string
	NativeAddress string
	LegacyAddress string

	RedeemScript         []byte
	DestinationPublicKey []byte
}

// ChainAdapter hides the differences between script swaps and contract
// swaps from the rest of the service.
type ChainAdapter interface {
	Network() chain.Network
	SwapDestination(ctx context.Context, req *SwapRequest) (*SwapDestination, error)
	Claim(ctx context.Context, o *order.Order) (string, error)
}

// UTXONode is the part of a node RPC client the UTXO adapter uses.
type UTXONode interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// UTXOAdapter claims script swaps on a bitcoin-family network.
type UTXOAdapter struct {
	params       *chain.Params
	keys         *wallet.Keyring
	node         UTXONode
	claimAddress string
}

// NewUTXOAdapter creates an adapter that sweeps claims to claimAddress.
func NewUTXOAdapter(params *chain.Params, keys *wallet.Keyring, node UTXONode, claimAddress string) (*UTXOAdapter, error) {
	if params == nil || !params.IsUTXO() {
		return nil, ErrUnsupportedNetwork
	}
	if _, err := OutputScript(claimAddress, params); err != nil {
		return nil, fmt.Errorf("invalid claim address: %w", err)
	}
	return &UTXOAdapter{
		params:       params,
		keys:         keys,
		node:         node,
		claimAddress: claimAddress,
	}, nil
}

func (a *UTXOAdapter) Network() chain.Network { return a.params.Network }

// SwapDestination derives the swap key for req.KeyIndex and returns the
// redeem script and its addresses.
func (a *UTXOAdapter) SwapDestination(ctx context.Context, req *SwapRequest) (*SwapDestination, error) {
	key, err := a.keys.SwapKey(a.params, req.KeyIndex)
	if err != nil {
		return nil, err
	}
	script, err := BuildScript(&ScriptFields{
		PaymentHash:          req.PaymentHash,
		DestinationPublicKey: key.PublicKey,
		RefundPublicKeyHash:  req.RefundPublicKeyHash,
		TimeoutBlockHeight:   req.TimeoutBlockHeight,
	})
	if err != nil {
		return nil, err
	}
	addrs, err := DeriveAddresses(script, a.params)
	if err != nil {
		return nil, err
	}
	return &SwapDestination{
		Address:              addrs.Nested,
		NativeAddress:        addrs.Native,
		LegacyAddress:        addrs.Legacy,
		RedeemScript:         script,
		DestinationPublicKey: key.PublicKey,
	}, nil
}

// Claim spends the order's funding output with the preimage and
// broadcasts the result. The funding transaction is fetched so the
// claim signs over the real output value and script type.
func (a *UTXOAdapter) Claim(ctx context.Context, o *order.Order) (string, error) {
	if chain.Network(o.OnchainNetwork) != a.params.Network {
		return "", fmt.Errorf("%w: %s", ErrNetworkMismatch, o.OnchainNetwork)
	}
	script, err := hex.DecodeString(o.RedeemScript)
	if err != nil {
		return "", fmt.Errorf("invalid redeem script: %w", err)
	}
	preimage, err := helpers.HexToFixed(o.LnPreimage, 32)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}
	key, err := a.keys.SwapKey(a.params, o.SwapKeyIndex)
	if err != nil {
		return "", err
	}

	fundingTx, err := a.node.GetRawTransaction(ctx, o.FundingTxn)
	if err != nil {
		return "", fmt.Errorf("failed to fetch funding transaction: %w", err)
	}
	if int(o.FundingTxnIndex) >= len(fundingTx.TxOut) {
		return "", fmt.Errorf("%w: %s:%d", ErrFundingOutputNotFound, o.FundingTxn, o.FundingTxnIndex)
	}
	out := fundingTx.TxOut[o.FundingTxnIndex]
	outputType, err := DetectOutputType(out.PkScript, script, a.params)
	if err != nil {
		return "", err
	}

	height, err := a.node.GetBlockCount(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get block height: %w", err)
	}

	tx, err := BuildClaimTx(&ClaimParams{
		Network:       a.params,
		FundingTxID:   o.FundingTxn,
		FundingIndex:  o.FundingTxnIndex,
		Amount:        out.Value,
		OutputType:    outputType,
		RedeemScript:  script,
		Preimage:      preimage,
		PrivateKey:    key.PrivateKey,
		ClaimAddress:  a.claimAddress,
		CurrentHeight: uint32(height),
	})
	if err != nil {
		return "", err
	}

	txid, err := a.node.SendRawTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendRawTransactionFailed, err)
	}
	return txid, nil
}

// GasPricer supplies the gas price for contract calls.
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// AccountAdapter claims contract swaps on an account network.
type AccountAdapter struct {
	params   *chain.Params
	contract *lnswap.Contract
	key      *wallet.AccountKey
	gas      GasPricer
}

// NewAccountAdapter creates an adapter that claims through contract
// with key. gas may be nil, in which case the backend suggests a price.
func NewAccountAdapter(params *chain.Params, contract *lnswap.Contract, key *wallet.AccountKey, gas GasPricer) (*AccountAdapter, error) {
	if params == nil || !params.IsAccount() {
		return nil, ErrUnsupportedNetwork
	}
	return &AccountAdapter{
		params:   params,
		contract: contract,
		key:      key,
		gas:      gas,
	}, nil
}

func (a *AccountAdapter) Network() chain.Network { return a.params.Network }

// SwapDestination returns the contract address. Deposits are keyed by
// invoice inside the contract, so there is no per-order script.
func (a *AccountAdapter) SwapDestination(ctx context.Context, req *SwapRequest) (*SwapDestination, error) {
	if len(req.PaymentHash) != PaymentHashSize {
		return nil, ErrInvalidPaymentHash
	}
	return &SwapDestination{
		Address: a.contract.Address().Hex(),
	}, nil
}

// Claim calls claim(invoice, preimage) on the swap contract.
func (a *AccountAdapter) Claim(ctx context.Context, o *order.Order) (string, error) {
	if chain.Network(o.OnchainNetwork) != a.params.Network {
		return "", fmt.Errorf("%w: %s", ErrNetworkMismatch, o.OnchainNetwork)
	}
	raw, err := helpers.HexToFixed(o.LnPreimage, 32)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}
	var preimage [32]byte
	copy(preimage[:], raw)

	auth, err := bind.NewKeyedTransactorWithChainID(a.key.PrivateKey, new(big.Int).SetUint64(a.params.ChainID))
	if err != nil {
		return "", fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = lnswap.ClaimGasLimit
	if a.gas != nil {
		price, err := a.gas.GasPrice(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get gas price: %w", err)
		}
		auth.GasPrice = price
	}

	tx, err := a.contract.Claim(auth, o.Invoice, preimage)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendRawTransactionFailed, err)
	}
	return tx.Hash().Hex(), nil
}
