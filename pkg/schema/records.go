package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenKind is the fixed enumeration of gated actions.
type TokenKind string

const (
	TokenWatchAd      TokenKind = "watch_ad"
	TokenPreSpin      TokenKind = "pre_spin"
	TokenSpinResult   TokenKind = "spin_result"
	TokenCompleteTask TokenKind = "complete_task"
	TokenWithdraw     TokenKind = "withdraw"
)

// Issuable reports whether clients may request a token of this kind directly.
// spin_result tokens only come from committing a pre_spin token.
func (k TokenKind) Issuable() bool {
	switch k {
	case TokenWatchAd, TokenPreSpin, TokenCompleteTask, TokenWithdraw:
		return true
	}
	return false
}

// TokenState tags what a token carries.
type TokenState string

const (
	// TokenGate is a plain single-use permission.
	TokenGate TokenState = "gate"
	// TokenCommitted carries a result fixed at phase one of a two-phase action.
	TokenCommitted TokenState = "committed"
)

// SpinPrize is the pre-committed outcome of a spin.
type SpinPrize struct {
	Prize decimal.Decimal `json:"prize"`
	Index int             `json:"index"`
}

// ActionToken is a single-use, time-boxed capability.
type ActionToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      TokenKind  `json:"kind"`
	State     TokenState `json:"state"`
	Payload   *SpinPrize `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Withdrawal is a request to pay out reserved funds.
type Withdrawal struct {
	ID          string           `json:"request_id"`
	UserID      string           `json:"user_id"`
	Amount      decimal.Decimal  `json:"amount"`
	Destination string           `json:"destination"`
	Sealed      bool             `json:"sealed,omitempty"`
	Status      WithdrawalStatus `json:"status"`
	DebitEvent  string           `json:"debit_event"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	// Resolution identifies the resolve call that moved the request out of pending.
	Resolution string `json:"resolution,omitempty"`
}

// CommissionRecord is the append-only trail of a referral commission.
// Its key is the referee's source event id, which makes payment idempotent.
type CommissionRecord struct {
	SourceEventID string          `json:"source_event_id"`
	ReferrerID    string          `json:"referrer_id"`
	RefereeID     string          `json:"referee_id"`
	SourceAmount  decimal.Decimal `json:"source_amount"`
	Amount        decimal.Decimal `json:"amount"`
	CreditEvent   string          `json:"credit_event"`
	CreatedAt     time.Time       `json:"created_at"`
}
