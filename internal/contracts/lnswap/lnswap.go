// Package lnswap binds the account-chain swap contract. The contract
// takes deposits keyed by Lightning invoice through fund(), releases them
// to the service through claim() once the preimage is known, and lets
// the depositor take them back through refund().
package lnswap

import (
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event and method names as declared in the ABI.
const (
	MethodFund   = "fund"
	MethodClaim  = "claim"
	MethodRefund = "refund"

	EventOrderFunded   = "orderFunded"
	EventOrderClaimed  = "orderClaimed"
	EventOrderRefunded = "orderRefunded"
)

// ClaimGasLimit is the gas limit used for claim transactions.
const ClaimGasLimit uint64 = 300000

var (
	ErrNotFundCall  = errors.New("transaction is not a fund call")
	ErrUnknownEvent = errors.New("unknown contract event")
)

// MetaData contains the swap contract ABI.
var MetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"fund","stateMutability":"payable","inputs":[{"name":"lninvoice","type":"string"},{"name":"paymentHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"lninvoice","type":"string"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"lninvoice","type":"string"}],"outputs":[]},
	{"type":"event","name":"orderFunded","anonymous":false,"inputs":[{"name":"lninvoice","type":"string","indexed":false},{"name":"paymentHash","type":"bytes32","indexed":false},{"name":"onchainAmount","type":"uint256","indexed":false}]},
	{"type":"event","name":"orderClaimed","anonymous":false,"inputs":[{"name":"lninvoice","type":"string","indexed":false},{"name":"preimage","type":"bytes32","indexed":false}]},
	{"type":"event","name":"orderRefunded","anonymous":false,"inputs":[{"name":"lninvoice","type":"string","indexed":false}]}
]`,
}

// OrderFunded is emitted when a deposit is accepted.
type OrderFunded struct {
	Lninvoice     string
	PaymentHash   [32]byte
	OnchainAmount *big.Int
	Raw           types.Log
}

// OrderClaimed is emitted when the service claims a deposit.
type OrderClaimed struct {
	Lninvoice string
	Preimage  [32]byte
	Raw       types.Log
}

// OrderRefunded is emitted when the depositor takes a deposit back.
type OrderRefunded struct {
	Lninvoice string
	Raw       types.Log
}

// FundCall is the decoded calldata of a fund() transaction.
type FundCall struct {
	Lninvoice   string
	PaymentHash [32]byte
}

// Contract is a binding to one deployed swap contract.
type Contract struct {
	address  common.Address
	abi      *abi.ABI
	contract *bind.BoundContract
}

// New binds the contract at address.
func New(address common.Address, backend bind.ContractBackend) (*Contract, error) {
	parsed, err := MetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &Contract{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
	}, nil
}

// ABI returns the parsed contract ABI.
func ABI() *abi.ABI {
	parsed, err := MetaData.GetAbi()
	if err != nil {
		panic(err)
	}
	return parsed
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// Fund deposits opts.Value against an invoice.
func (c *Contract) Fund(opts *bind.TransactOpts, invoice string, paymentHash [32]byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, MethodFund, invoice, paymentHash)
}

// Claim releases an invoice's deposit by revealing the preimage.
func (c *Contract) Claim(opts *bind.TransactOpts, invoice string, preimage [32]byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, MethodClaim, invoice, preimage)
}

// Refund returns an invoice's deposit to the depositor.
func (c *Contract) Refund(opts *bind.TransactOpts, invoice string) (*types.Transaction, error) {
	return c.contract.Transact(opts, MethodRefund, invoice)
}

// FilterQuery returns a log filter for every event of this contract.
func (c *Contract) FilterQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{Addresses: []common.Address{c.address}}
}

// UnpackLog decodes a contract log into *OrderFunded, *OrderClaimed or
// *OrderRefunded.
func (c *Contract) UnpackLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	switch log.Topics[0] {
	case c.abi.Events[EventOrderFunded].ID:
		ev := &OrderFunded{Raw: log}
		if err := c.contract.UnpackLog(ev, EventOrderFunded, log); err != nil {
			return nil, err
		}
		return ev, nil
	case c.abi.Events[EventOrderClaimed].ID:
		ev := &OrderClaimed{Raw: log}
		if err := c.contract.UnpackLog(ev, EventOrderClaimed, log); err != nil {
			return nil, err
		}
		return ev, nil
	case c.abi.Events[EventOrderRefunded].ID:
		ev := &OrderRefunded{Raw: log}
		if err := c.contract.UnpackLog(ev, EventOrderRefunded, log); err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
}

// ParseFund decodes fund() calldata.
func ParseFund(data []byte) (*FundCall, error) {
	if len(data) < 4 {
		return nil, ErrNotFundCall
	}
	parsed := ABI()
	method, err := parsed.MethodById(data[:4])
	if err != nil || method.Name != MethodFund {
		return nil, ErrNotFundCall
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack fund call: %w", err)
	}
	invoice, ok := args[0].(string)
	if !ok {
		return nil, ErrNotFundCall
	}
	hash, ok := args[1].([32]byte)
	if !ok {
		return nil, ErrNotFundCall
	}
	return &FundCall{Lninvoice: invoice, PaymentHash: hash}, nil
}

// PackFund encodes fund() calldata.
func PackFund(invoice string, paymentHash [32]byte) ([]byte, error) {
	return ABI().Pack(MethodFund, invoice, paymentHash)
}

// PackClaim encodes claim() calldata.
func PackClaim(invoice string, preimage [32]byte) ([]byte, error) {
	return ABI().Pack(MethodClaim, invoice, preimage)
}

// PackEvent encodes the non-indexed data of an event, as the contract
// would emit it.
func PackEvent(name string, args ...interface{}) (types.Log, error) {
	parsed := ABI()
	ev, ok := parsed.Events[name]
	if !ok {
		return types.Log{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{Topics: []common.Hash{ev.ID}, Data: data}, nil
}
