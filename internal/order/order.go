package order

import "time"

// Order is the persistent record of one swap, keyed by invoice.
type Order struct {
	Invoice        string
	State          State
	OnchainNetwork string

	// Lightning side
	LnPaymentHash string
	LnDestPubKey  string
	LnAmount      int64
	LnPreimage    string

	// On-chain side. OnchainAmount is a decimal integer in the
	// network's base unit (satoshi or wei).
	OnchainAmount       string
	SwapAddress         string
	SwapKeyIndex        int64
	RedeemScript        string
	RefundAddress       string
	RefundPublicKeyHash string
	TimeoutBlockHeight  int64

	FundingTxn        string
	FundingTxnIndex   uint32
	FundingBlockHash  string
	ClaimingTxn       string
	ClaimingBlockHash string
	RefundTxn         string
	RefundBlockHash   string
	RefundReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Apply moves the record to the message's state and copies every field
// the message carries.
func (o *Order) Apply(m *Message) {
	o.State = m.State
	if m.OnchainNetwork != "" {
		o.OnchainNetwork = m.OnchainNetwork
	}
	setIf(&o.LnDestPubKey, m.LnDestPubKey)
	if m.LnAmount > 0 {
		o.LnAmount = m.LnAmount
	}
	setIf(&o.OnchainAmount, m.OnchainAmount)
	setIf(&o.SwapAddress, m.SwapAddress)
	setIf(&o.LnPaymentHash, m.LnPaymentHash)
	if m.FundingTxn != "" {
		o.FundingTxn = m.FundingTxn
		o.FundingTxnIndex = m.FundingTxnIndex
	}
	setIf(&o.FundingBlockHash, m.FundingBlockHash)
	setIf(&o.LnPreimage, m.LnPreimage)
	setIf(&o.ClaimingTxn, m.ClaimingTxn)
	setIf(&o.ClaimingBlockHash, m.ClaimingBlockHash)
	setIf(&o.RefundReason, m.RefundReason)
	setIf(&o.RefundTxn, m.RefundTxn)
	setIf(&o.RefundBlockHash, m.RefundBlockHash)
	if m.Terms != nil {
		o.fillTerms(m.Terms)
	}
}

func (o *Order) fillTerms(t *Terms) {
	if o.SwapKeyIndex == 0 {
		o.SwapKeyIndex = t.SwapKeyIndex
	}
	fillIf(&o.RedeemScript, t.RedeemScript)
	fillIf(&o.RefundAddress, t.RefundAddress)
	fillIf(&o.RefundPublicKeyHash, t.RefundPublicKeyHash)
	if o.TimeoutBlockHeight == 0 {
		o.TimeoutBlockHeight = t.TimeoutBlockHeight
	}
}

// terms returns the creation terms of the record, or nil when none are
// set.
func (o *Order) terms() *Terms {
	t := Terms{
		SwapKeyIndex:        o.SwapKeyIndex,
		RedeemScript:        o.RedeemScript,
		RefundAddress:       o.RefundAddress,
		RefundPublicKeyHash: o.RefundPublicKeyHash,
		TimeoutBlockHeight:  o.TimeoutBlockHeight,
	}
	if t == (Terms{}) {
		return nil
	}
	return &t
}

// Message builds the state-change message for the record's current
// state, carrying only that state's fields. The WaitingForFunding message
// also carries the creation terms.
func (o *Order) Message() *Message {
	m := &Message{State: o.State, Invoice: o.Invoice, OnchainNetwork: o.OnchainNetwork}
	switch o.State {
	case Init:
		m.LnDestPubKey, m.LnAmount = o.LnDestPubKey, o.LnAmount
	case WaitingForFunding:
		m.OnchainAmount, m.SwapAddress, m.LnPaymentHash = o.OnchainAmount, o.SwapAddress, o.LnPaymentHash
		m.Terms = o.terms()
	case WaitingForFundingConfirmation:
		m.FundingTxn, m.FundingTxnIndex = o.FundingTxn, o.FundingTxnIndex
	case OrderFunded:
		m.FundingTxn, m.FundingBlockHash = o.FundingTxn, o.FundingBlockHash
	case WaitingForClaiming:
		m.LnPreimage = o.LnPreimage
	case WaitingForClaimingConfirmation:
		m.ClaimingTxn = o.ClaimingTxn
	case OrderClaimed:
		m.ClaimingTxn, m.ClaimingBlockHash = o.ClaimingTxn, o.ClaimingBlockHash
	case WaitingForRefund:
		m.RefundReason = o.RefundReason
	case WaitingForRefundConfirmation:
		m.RefundTxn = o.RefundTxn
	case OrderRefunded:
		m.RefundTxn, m.RefundBlockHash = o.RefundTxn, o.RefundBlockHash
	}
	return m
}

// Merge moves the record to other's state, filling every field other
// has set. Swap terms set at creation are only filled when missing.
func (o *Order) Merge(other *Order) {
	o.State = other.State
	fillIf(&o.OnchainNetwork, other.OnchainNetwork)
	fillIf(&o.LnPaymentHash, other.LnPaymentHash)
	fillIf(&o.LnDestPubKey, other.LnDestPubKey)
	if o.LnAmount == 0 {
		o.LnAmount = other.LnAmount
	}
	setIf(&o.LnPreimage, other.LnPreimage)
	fillIf(&o.OnchainAmount, other.OnchainAmount)
	fillIf(&o.SwapAddress, other.SwapAddress)
	if t := other.terms(); t != nil {
		o.fillTerms(t)
	}
	if other.FundingTxn != "" {
		o.FundingTxn = other.FundingTxn
		o.FundingTxnIndex = other.FundingTxnIndex
	}
	setIf(&o.FundingBlockHash, other.FundingBlockHash)
	setIf(&o.ClaimingTxn, other.ClaimingTxn)
	setIf(&o.ClaimingBlockHash, other.ClaimingBlockHash)
	setIf(&o.RefundTxn, other.RefundTxn)
	setIf(&o.RefundBlockHash, other.RefundBlockHash)
	setIf(&o.RefundReason, other.RefundReason)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func fillIf(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
