// Package order defines the swap order record, its finite set of states
// and the messages that announce state changes on the coordination bus.
package order

import "fmt"

// State is the lifecycle position of a swap order.
type State string

const (
	Init                           State = "Init"
	WaitingForFunding              State = "WaitingForFunding"
	WaitingForFundingConfirmation  State = "WaitingForFundingConfirmation"
	OrderFunded                    State = "OrderFunded"
	WaitingForPayment              State = "WaitingForPayment"
	WaitingForClaiming             State = "WaitingForClaiming"
	WaitingForClaimingConfirmation State = "WaitingForClaimingConfirmation"
	OrderClaimed                   State = "OrderClaimed"
	WaitingForRefund               State = "WaitingForRefund"
	WaitingForRefundConfirmation   State = "WaitingForRefundConfirmation"
	OrderRefunded                  State = "OrderRefunded"
)

// States lists every state in protocol order.
var States = []State{
	Init,
	WaitingForFunding,
	WaitingForFundingConfirmation,
	OrderFunded,
	WaitingForPayment,
	WaitingForClaiming,
	WaitingForClaimingConfirmation,
	OrderClaimed,
	WaitingForRefund,
	WaitingForRefundConfirmation,
	OrderRefunded,
}

// Store key prefix and bus channel name shared by every participant.
const (
	KeyPrefix = "SwapOrder"
	Channel   = "OrderStateChannel"
)

// Key returns the store key of the order for an invoice.
func Key(invoice string) string {
	return KeyPrefix + ":" + invoice
}

var transitions = map[State][]State{
	Init:                           {WaitingForFunding, WaitingForRefund},
	WaitingForFunding:              {WaitingForFundingConfirmation, OrderFunded, WaitingForRefund},
	WaitingForFundingConfirmation:  {OrderFunded, WaitingForRefund},
	OrderFunded:                    {WaitingForPayment, WaitingForRefund},
	WaitingForPayment:              {WaitingForClaiming, WaitingForRefund},
	WaitingForClaiming:             {WaitingForClaimingConfirmation},
	WaitingForClaimingConfirmation: {OrderClaimed},
	WaitingForRefund:               {WaitingForRefundConfirmation, OrderRefunded},
	WaitingForRefundConfirmation:   {OrderRefunded},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := fieldTable[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == OrderClaimed || s == OrderRefunded
}

// IsPreClaim reports whether the refund branch is still reachable.
func (s State) IsPreClaim() bool {
	switch s {
	case Init, WaitingForFunding, WaitingForFundingConfirmation, OrderFunded, WaitingForPayment:
		return true
	}
	return false
}

// CanTransition reports whether the protocol allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a wire token into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderState, s)
	}
	return st, nil
}

// Reachable reports whether to can follow from through one or more
// transitions.
func Reachable(from, to State) bool {
	seen := map[State]bool{from: true}
	queue := []State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
