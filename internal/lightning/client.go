// Package lightning talks to the Lightning node that pays swap invoices
// and runs the task that settles the off-chain leg of each swap.
package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	// ErrDecodeInvoice is returned when the node cannot decode a payment
	// request.
	ErrDecodeInvoice = errors.New("unable to decode invoice")

	// ErrNoRoute is returned when no route to the invoice destination
	// exists for the amount.
	ErrNoRoute = errors.New("no route to destination")

	// ErrPaymentFailed is returned when the node gave up on a payment.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrPaymentUnknown is returned by TrackPayment when the node never
	// attempted the payment.
	ErrPaymentUnknown = errors.New("payment not found")

	// ErrPaymentInProgress is returned by PayInvoice when the node already
	// holds a payment for the hash, in flight or settled.
	ErrPaymentInProgress = errors.New("payment already in progress")

	// ErrPreimageMismatch is returned when a settled payment reports a
	// preimage that does not hash to the invoice's payment hash.
	ErrPreimageMismatch = errors.New("preimage does not match payment hash")
)

// Invoice is a decoded BOLT11 payment request.
type Invoice struct {
	PaymentRequest string
	Destination    string
	PaymentHash    string
	Amount         int64 // satoshis
	Description    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the invoice can no longer be paid at now.
func (i *Invoice) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Route summarizes one candidate path to a destination.
type Route struct {
	TotalFees   int64 `json:"total_fees"`
	TotalAmount int64 `json:"total_amount"`
	Hops        int   `json:"hops"`
}

// Payment is the outcome of a settled payment.
type Payment struct {
	Preimage string // hex
	Fee      int64  // satoshis
}

// Client is the subset of a Lightning node used by the swap service.
type Client interface {
	DecodeInvoice(ctx context.Context, invoice string) (*Invoice, error)
	QueryRoutes(ctx context.Context, destination string, amount int64) ([]Route, error)
	PayInvoice(ctx context.Context, invoice string) (*Payment, error)

	// TrackPayment returns the final outcome of an earlier payment
	// attempt for paymentHash.
	TrackPayment(ctx context.Context, paymentHash string) (*Payment, error)
}

// VerifyPreimage checks that preimage (hex) hashes to paymentHash (hex).
func VerifyPreimage(preimage, paymentHash string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil || len(raw) != sha256.Size {
		return ErrPreimageMismatch
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != strings.ToLower(paymentHash) {
		return ErrPreimageMismatch
	}
	return nil
}
