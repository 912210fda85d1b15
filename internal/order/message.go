package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Message codec errors. The texts match the strings other participants
// already log for the same conditions.
var (
	ErrIncompleteParameters = errors.New("Incomplete parameters.")
	ErrInvoiceMissing       = errors.New("invoice is missing.")
	ErrUnknownOrderState    = errors.New("Unknown order state.")
	ErrEmptyMessage         = errors.New("Empty Message.")
	ErrInvalidField         = errors.New("invalid field value")
)

// Delimiter separates positional tokens of an encoded message.
const Delimiter = ":"

// Message announces that an order entered State. Only the fields
// required (or optional) for that state are carried.
type Message struct {
	State          State  `json:"state"`
	Invoice        string `json:"invoice"`
	OnchainNetwork string `json:"onchain_network"`

	LnDestPubKey      string `json:"ln_dest_pub_key,omitempty"`
	LnAmount          int64  `json:"ln_amount,omitempty"`
	OnchainAmount     string `json:"onchain_amount,omitempty"`
	SwapAddress       string `json:"swap_address,omitempty"`
	LnPaymentHash     string `json:"ln_payment_hash,omitempty"`
	FundingTxn        string `json:"funding_txn,omitempty"`
	FundingTxnIndex   uint32 `json:"funding_txn_index,omitempty"`
	FundingBlockHash  string `json:"funding_block_hash,omitempty"`
	LnPreimage        string `json:"ln_preimage,omitempty"`
	ClaimingTxn       string `json:"claiming_txn,omitempty"`
	ClaimingBlockHash string `json:"claiming_block_hash,omitempty"`
	RefundReason      string `json:"refund_reason,omitempty"`
	RefundTxn         string `json:"refund_txn,omitempty"`
	RefundBlockHash   string `json:"refund_block_hash,omitempty"`

	// Terms travel with WaitingForFunding in the bus envelope only; the
	// positional wire form never carries them.
	Terms *Terms `json:"terms,omitempty"`
}

// Terms are the swap terms fixed when a swap is created. A process that
// did not create the swap needs them to claim the deposit.
type Terms struct {
	SwapKeyIndex        int64  `json:"swap_key_index,omitempty"`
	RedeemScript        string `json:"redeem_script,omitempty"`
	RefundAddress       string `json:"refund_address,omitempty"`
	RefundPublicKeyHash string `json:"refund_public_key_hash,omitempty"`
	TimeoutBlockHeight  int64  `json:"timeout_block_height,omitempty"`
}

// field binds a positional token to a Message attribute.
type field struct {
	name string
	get  func(*Message) string
	set  func(*Message, string) error
}

func str(name string, p func(*Message) *string) field {
	return field{
		name: name,
		get:  func(m *Message) string { return *p(m) },
		set:  func(m *Message, v string) error { *p(m) = v; return nil },
	}
}

var (
	fLnDestPubKey = str("lnDestPubKey", func(m *Message) *string { return &m.LnDestPubKey })
	fLnAmount     = field{
		name: "lnAmount",
		get: func(m *Message) string {
			if m.LnAmount <= 0 {
				return ""
			}
			return strconv.FormatInt(m.LnAmount, 10)
		},
		set: func(m *Message, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: lnAmount %q", ErrInvalidField, v)
			}
			m.LnAmount = n
			return nil
		},
	}
	fOnchainAmount   = str("onchainAmount", func(m *Message) *string { return &m.OnchainAmount })
	fSwapAddress     = str("swapAddress", func(m *Message) *string { return &m.SwapAddress })
	fLnPaymentHash   = str("lnPaymentHash", func(m *Message) *string { return &m.LnPaymentHash })
	fFundingTxn      = str("fundingTxn", func(m *Message) *string { return &m.FundingTxn })
	fFundingTxnIndex = field{
		name: "fundingTxnIndex",
		get:  func(m *Message) string { return strconv.FormatUint(uint64(m.FundingTxnIndex), 10) },
		set: func(m *Message, v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: fundingTxnIndex %q", ErrInvalidField, v)
			}
			m.FundingTxnIndex = uint32(n)
			return nil
		},
	}
	fFundingBlockHash  = str("fundingBlockHash", func(m *Message) *string { return &m.FundingBlockHash })
	fLnPreimage        = str("lnPreimage", func(m *Message) *string { return &m.LnPreimage })
	fClaimingTxn       = str("claimingTxn", func(m *Message) *string { return &m.ClaimingTxn })
	fClaimingBlockHash = str("claimingBlockHash", func(m *Message) *string { return &m.ClaimingBlockHash })
	fRefundReason      = str("refundReason", func(m *Message) *string { return &m.RefundReason })
	fRefundTxn         = str("refundTxn", func(m *Message) *string { return &m.RefundTxn })
	fRefundBlockHash   = str("refundBlockHash", func(m *Message) *string { return &m.RefundBlockHash })
)

// stateFields lists the positional fields of a state. Required fields
// come first; optional ones follow and are always emitted. When tail is
// set the last required field swallows the remaining tokens, so it may
// contain the delimiter.
type stateFields struct {
	required []field
	optional []field
	tail     bool
}

var fieldTable = map[State]stateFields{
	Init:                           {required: []field{fLnDestPubKey, fLnAmount}},
	WaitingForFunding:              {required: []field{fOnchainAmount, fSwapAddress, fLnPaymentHash}},
	WaitingForFundingConfirmation:  {required: []field{fFundingTxn}, optional: []field{fFundingTxnIndex}},
	OrderFunded:                    {required: []field{fFundingTxn, fFundingBlockHash}},
	WaitingForPayment:              {},
	WaitingForClaiming:             {required: []field{fLnPreimage}},
	WaitingForClaimingConfirmation: {required: []field{fClaimingTxn}},
	OrderClaimed:                   {required: []field{fClaimingTxn, fClaimingBlockHash}},
	WaitingForRefund:               {required: []field{fRefundReason}, tail: true},
	WaitingForRefundConfirmation:   {required: []field{fRefundTxn}},
	OrderRefunded:                  {required: []field{fRefundTxn, fRefundBlockHash}},
}

// Validate checks the invoice, state and required-field contract.
func (m *Message) Validate() error {
	if m == nil {
		return ErrEmptyMessage
	}
	if m.Invoice == "" {
		return ErrInvoiceMissing
	}
	spec, ok := fieldTable[m.State]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOrderState, m.State)
	}
	if m.OnchainNetwork == "" {
		return fmt.Errorf("%w: onchainNetwork", ErrIncompleteParameters)
	}
	for _, f := range spec.required {
		if f.get(m) == "" {
			return fmt.Errorf("%w: %s", ErrIncompleteParameters, f.name)
		}
	}
	return nil
}

// Encode renders m in the positional wire format
// state:invoice:network:field...
func Encode(m *Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	spec := fieldTable[m.State]

	tokens := []string{string(m.State), m.Invoice, m.OnchainNetwork}
	for _, f := range spec.required {
		tokens = append(tokens, f.get(m))
	}
	for _, f := range spec.optional {
		tokens = append(tokens, f.get(m))
	}

	// Only the trailing free-text field may contain the delimiter.
	last := len(tokens) - 1
	for i, tok := range tokens {
		if spec.tail && i == last {
			continue
		}
		if strings.Contains(tok, Delimiter) {
			return "", fmt.Errorf("%w: token %d contains %q", ErrInvalidField, i, Delimiter)
		}
	}
	return strings.Join(tokens, Delimiter), nil
}

// Decode parses a positional wire message.
func Decode(s string) (*Message, error) {
	if s == "" {
		return nil, ErrEmptyMessage
	}

	tokens := strings.Split(s, Delimiter)
	if len(tokens) < 2 || tokens[1] == "" {
		return nil, ErrInvoiceMissing
	}
	state, err := ParseState(tokens[0])
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 || tokens[2] == "" {
		return nil, fmt.Errorf("%w: onchainNetwork", ErrIncompleteParameters)
	}

	m := &Message{State: state, Invoice: tokens[1], OnchainNetwork: tokens[2]}
	spec := fieldTable[state]
	rest := tokens[3:]

	if spec.tail && len(rest) > len(spec.required) {
		n := len(spec.required) - 1
		rest = append(rest[:n:n], strings.Join(rest[n:], Delimiter))
	}

	for i, f := range spec.required {
		if i >= len(rest) || rest[i] == "" {
			return nil, fmt.Errorf("%w: %s", ErrIncompleteParameters, f.name)
		}
		if err := f.set(m, rest[i]); err != nil {
			return nil, err
		}
	}
	rest = rest[len(spec.required):]
	for i, f := range spec.optional {
		if i >= len(rest) || rest[i] == "" {
			break
		}
		if err := f.set(m, rest[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// String returns the wire form, or a diagnostic for invalid messages.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	s, err := Encode(m)
	if err != nil {
		return fmt.Sprintf("<invalid %s message: %v>", m.State, err)
	}
	return s
}
