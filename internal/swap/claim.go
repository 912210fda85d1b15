package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lnswap/lnswapd/internal/chain"
)

// ClaimFee is the flat fee, in base units, deducted from a claim.
const ClaimFee int64 = 1000

// Claim errors
var (
	ErrAmountBelowFee    = errors.New("funding amount does not cover the claim fee")
	ErrPreimageMismatch  = errors.New("preimage does not match the script payment hash")
	ErrKeyMismatch       = errors.New("claim key does not match the script destination key")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrUnknownOutputType = errors.New("funding output does not pay to the swap script")
)

// OutputType is the encoding of the funding output being claimed.
type OutputType int

const (
	OutputNested OutputType = iota // P2SH-P2WSH, the default deposit address
	OutputNative                   // P2WSH
	OutputLegacy                   // P2SH
)

func (t OutputType) String() string {
	switch t {
	case OutputNested:
		return "p2sh-p2wsh"
	case OutputNative:
		return "p2wsh"
	case OutputLegacy:
		return "p2sh"
	}
	return fmt.Sprintf("OutputType(%d)", int(t))
}

// ClaimParams contains everything needed to spend a funded swap output
// through the preimage branch.
type ClaimParams struct {
	Network *chain.Params

	// Input (the funded swap output)
	FundingTxID  string
	FundingIndex uint32
	Amount       int64 // full output value; the sighash commits to it
	OutputType   OutputType

	RedeemScript []byte
	Preimage     []byte
	PrivateKey   *btcec.PrivateKey

	// Output
	ClaimAddress string
	Fee          int64 // defaults to ClaimFee

	// CurrentHeight becomes the transaction locktime.
	CurrentHeight uint32
}

// BuildClaimTx creates a signed one-input, one-output transaction that
// moves a funded swap output to the claim address.
//
// Nested:  scriptSig <0x00 0x20 sha256(script)>, witness [sig, preimage, script]
// Native:  empty scriptSig, witness [sig, preimage, script]
// Legacy:  scriptSig <sig> <preimage> <script>
func BuildClaimTx(p *ClaimParams) (*wire.MsgTx, error) {
	if p.PrivateKey == nil {
		return nil, fmt.Errorf("private key required for claim")
	}
	fields, err := ParseScript(p.RedeemScript)
	if err != nil {
		return nil, fmt.Errorf("invalid redeem script: %w", err)
	}
	if h := sha256.Sum256(p.Preimage); !bytes.Equal(h[:], fields.PaymentHash) {
		return nil, ErrPreimageMismatch
	}
	if !bytes.Equal(p.PrivateKey.PubKey().SerializeCompressed(), fields.DestinationPublicKey) {
		return nil, ErrKeyMismatch
	}

	fee := p.Fee
	if fee == 0 {
		fee = ClaimFee
	}
	if p.Amount <= fee {
		return nil, fmt.Errorf("%w: amount %d, fee %d", ErrAmountBelowFee, p.Amount, fee)
	}

	addrs, err := DeriveAddresses(p.RedeemScript, p.Network)
	if err != nil {
		return nil, err
	}
	destScript, err := OutputScript(p.ClaimAddress, p.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid claim address: %w", err)
	}

	txHash, err := chainhash.NewHashFromStr(p.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, p.FundingTxID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, p.FundingIndex), nil, nil)
	// A final sequence would disable the locktime.
	txIn.Sequence = 0
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(p.Amount-fee, destScript))
	tx.LockTime = p.CurrentHeight

	switch p.OutputType {
	case OutputNested, OutputNative:
		prevOut := addrs.NestedOutputScript
		if p.OutputType == OutputNative {
			prevOut = addrs.NativeOutputScript
		}
		prevOutFetcher := txscript.NewCannedPrevOutputFetcher(prevOut, p.Amount)
		sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
		sighash, err := txscript.CalcWitnessSigHash(
			p.RedeemScript,
			sigHashes,
			txscript.SigHashAll,
			tx,
			0,
			p.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to compute sighash: %w", err)
		}
		sig := btcecdsa.Sign(p.PrivateKey, sighash)
		sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

		tx.TxIn[0].Witness = wire.TxWitness{sigBytes, p.Preimage, p.RedeemScript}
		if p.OutputType == OutputNested {
			sigScript, err := txscript.NewScriptBuilder().AddData(addrs.WitnessProgram).Script()
			if err != nil {
				return nil, err
			}
			tx.TxIn[0].SignatureScript = sigScript
		}

	case OutputLegacy:
		sigBytes, err := txscript.RawTxInSignature(tx, 0, p.RedeemScript, txscript.SigHashAll, p.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		sigScript, err := txscript.NewScriptBuilder().
			AddData(sigBytes).
			AddData(p.Preimage).
			AddData(p.RedeemScript).
			Script()
		if err != nil {
			return nil, err
		}
		tx.TxIn[0].SignatureScript = sigScript

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutputType, p.OutputType)
	}

	return tx, nil
}

// DetectOutputType matches a funding output script against the three
// encodings of the redeem script.
func DetectOutputType(pkScript, redeemScript []byte, params *chain.Params) (OutputType, error) {
	addrs, err := DeriveAddresses(redeemScript, params)
	if err != nil {
		return 0, err
	}
	switch {
	case bytes.Equal(pkScript, addrs.NestedOutputScript):
		return OutputNested, nil
	case bytes.Equal(pkScript, addrs.NativeOutputScript):
		return OutputNative, nil
	case bytes.Equal(pkScript, addrs.LegacyOutputScript):
		return OutputLegacy, nil
	}
	return 0, ErrUnknownOutputType
}
