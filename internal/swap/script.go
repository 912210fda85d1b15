// Package swap builds and parses the on-chain half of a submarine swap:
// the HTLC redeem script, its deposit addresses and the claim transaction.
package swap

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/txscript"
)

// Script parse errors, one per token position.
var (
	ErrInvalidScriptLength         = errors.New("ExpectedValidScriptLength")
	ErrExpectedInitialOpDup        = errors.New("ExpectedInitialOpDup")
	ErrExpectedSha256              = errors.New("ExpectedSha256")
	ErrExpectedStandardPaymentHash = errors.New("ExpectedStandardPaymentHash")
	ErrExpectedOpEqual             = errors.New("ExpectedOpEqual")
	ErrExpectedOpIf                = errors.New("ExpectedOpIf")
	ErrExpectedOpDrop              = errors.New("ExpectedOpDrop")
	ErrExpectedDestinationKey      = errors.New("ExpectedDestinationKey")
	ErrExpectedOpElse              = errors.New("ExpectedOpElse")
	ErrExpectedCltv                = errors.New("ExpectedCltv")
	ErrExpectedOpCltv              = errors.New("ExpectedOpCltv")
	ErrExpectedOpDup               = errors.New("ExpectedOpDup")
	ErrExpectedOpHash160           = errors.New("ExpectedOpHash160")
	ErrExpectedRefundPublicKeyHash = errors.New("ExpectedRefundPublicKeyHash")
	ErrExpectedOpEqualVerify       = errors.New("ExpectedOpEqualVerify")
	ErrExpectedOpEndIf             = errors.New("ExpectedOpEndIf")
	ErrExpectedCheckSig            = errors.New("ExpectedCheckSig")
)

// Script build errors.
var (
	ErrInvalidPaymentHash         = errors.New("payment hash must be 32 bytes")
	ErrInvalidDestinationKey      = errors.New("destination public key must be a 33 byte compressed key")
	ErrInvalidRefundPublicKeyHash = errors.New("refund public key hash must be 20 bytes")
)

const (
	scriptTokenCount = 17

	PaymentHashSize   = 32
	PublicKeySize     = 33
	PublicKeyHashSize = 20
	maxScriptNumLen   = 5
)

// ScriptFields are the parameters bound into a swap redeem script.
type ScriptFields struct {
	PaymentHash          []byte // sha256 of the Lightning preimage
	DestinationPublicKey []byte // compressed key of the claiming party
	RefundPublicKeyHash  []byte // hash160 of the refunding party's key
	TimeoutBlockHeight   uint32 // absolute CLTV height
}

// BuildScript creates the swap redeem script:
//
//	OP_DUP OP_SHA256 <payment_hash> OP_EQUAL
//	OP_IF
//	    OP_DROP <destination_pubkey>
//	OP_ELSE
//	    <timeout> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund_pubkey_hash> OP_EQUALVERIFY
//	OP_ENDIF
//	OP_CHECKSIG
//
// Claim witness: [sig, preimage, script]. Refund witness after the
// timeout: [sig, refund_pubkey, script].
func BuildScript(f *ScriptFields) ([]byte, error) {
	if len(f.PaymentHash) != PaymentHashSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPaymentHash, len(f.PaymentHash))
	}
	if len(f.DestinationPublicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidDestinationKey, len(f.DestinationPublicKey))
	}
	if !compressedKeyPrefix(f.DestinationPublicKey[0]) {
		return nil, fmt.Errorf("%w: prefix 0x%02x", ErrInvalidDestinationKey, f.DestinationPublicKey[0])
	}
	if len(f.RefundPublicKeyHash) != PublicKeyHashSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidRefundPublicKeyHash, len(f.RefundPublicKeyHash))
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(f.PaymentHash)
	builder.AddOp(txscript.OP_EQUAL)

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(f.DestinationPublicKey)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(f.TimeoutBlockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(f.RefundPublicKeyHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

type scriptToken struct {
	op   byte
	data []byte
}

// ParseScript recovers the fields of a redeem script produced by
// BuildScript. Each misplaced token yields the error for its position.
func ParseScript(script []byte) (*ScriptFields, error) {
	tokens := make([]scriptToken, 0, scriptTokenCount)
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		tokens = append(tokens, scriptToken{op: tokenizer.Opcode(), data: tokenizer.Data()})
	}
	if tokenizer.Err() != nil || len(tokens) != scriptTokenCount {
		return nil, ErrInvalidScriptLength
	}

	expectOp := func(i int, op byte, err error) error {
		if tokens[i].op != op {
			return err
		}
		return nil
	}
	expectData := func(i, size int, err error) ([]byte, error) {
		t := tokens[i]
		if t.op != byte(size) || len(t.data) != size {
			return nil, err
		}
		return t.data, nil
	}

	f := &ScriptFields{}
	var err error

	if err = expectOp(0, txscript.OP_DUP, ErrExpectedInitialOpDup); err != nil {
		return nil, err
	}
	if err = expectOp(1, txscript.OP_SHA256, ErrExpectedSha256); err != nil {
		return nil, err
	}
	if f.PaymentHash, err = expectData(2, PaymentHashSize, ErrExpectedStandardPaymentHash); err != nil {
		return nil, err
	}
	if err = expectOp(3, txscript.OP_EQUAL, ErrExpectedOpEqual); err != nil {
		return nil, err
	}
	if err = expectOp(4, txscript.OP_IF, ErrExpectedOpIf); err != nil {
		return nil, err
	}
	if err = expectOp(5, txscript.OP_DROP, ErrExpectedOpDrop); err != nil {
		return nil, err
	}
	if f.DestinationPublicKey, err = expectData(6, PublicKeySize, ErrExpectedDestinationKey); err != nil {
		return nil, err
	}
	if !compressedKeyPrefix(f.DestinationPublicKey[0]) {
		return nil, ErrExpectedDestinationKey
	}
	if err = expectOp(7, txscript.OP_ELSE, ErrExpectedOpElse); err != nil {
		return nil, err
	}
	if f.TimeoutBlockHeight, err = parseLockTime(tokens[8]); err != nil {
		return nil, err
	}
	if err = expectOp(9, txscript.OP_CHECKLOCKTIMEVERIFY, ErrExpectedOpCltv); err != nil {
		return nil, err
	}
	if err = expectOp(10, txscript.OP_DROP, ErrExpectedOpDrop); err != nil {
		return nil, err
	}
	if err = expectOp(11, txscript.OP_DUP, ErrExpectedOpDup); err != nil {
		return nil, err
	}
	if err = expectOp(12, txscript.OP_HASH160, ErrExpectedOpHash160); err != nil {
		return nil, err
	}
	if f.RefundPublicKeyHash, err = expectData(13, PublicKeyHashSize, ErrExpectedRefundPublicKeyHash); err != nil {
		return nil, err
	}
	if err = expectOp(14, txscript.OP_EQUALVERIFY, ErrExpectedOpEqualVerify); err != nil {
		return nil, err
	}
	if err = expectOp(15, txscript.OP_ENDIF, ErrExpectedOpEndIf); err != nil {
		return nil, err
	}
	if err = expectOp(16, txscript.OP_CHECKSIG, ErrExpectedCheckSig); err != nil {
		return nil, err
	}

	return f, nil
}

func compressedKeyPrefix(b byte) bool {
	return b == 0x02 || b == 0x03
}

// parseLockTime decodes the CLTV operand, which the builder emits as a
// small-int opcode or a minimally encoded script number.
func parseLockTime(t scriptToken) (uint32, error) {
	switch {
	case t.op == txscript.OP_0:
		return 0, nil
	case t.op >= txscript.OP_1 && t.op <= txscript.OP_16:
		return uint32(t.op-txscript.OP_1) + 1, nil
	case t.op >= txscript.OP_DATA_1 && t.op <= txscript.OP_DATA_5:
		return decodeScriptNum(t.data)
	}
	return 0, ErrExpectedCltv
}

// decodeScriptNum reads a minimal little-endian script number that must
// be non-negative and fit in 32 bits.
func decodeScriptNum(data []byte) (uint32, error) {
	if len(data) == 0 || len(data) > maxScriptNumLen {
		return 0, ErrExpectedCltv
	}
	last := data[len(data)-1]
	if last&0x80 != 0 {
		return 0, ErrExpectedCltv
	}
	// A zero top byte is only allowed to clear the sign bit of the byte below.
	if last == 0 && (len(data) == 1 || data[len(data)-2]&0x80 == 0) {
		return 0, ErrExpectedCltv
	}
	var n uint64
	for i, b := range data {
		n |= uint64(b) << (8 * uint(i))
	}
	if n > math.MaxUint32 {
		return 0, ErrExpectedCltv
	}
	return uint32(n), nil
}
