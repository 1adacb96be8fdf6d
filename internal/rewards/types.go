package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

type QuotaView struct {
	Count     int        `json:"count"`
	Cap       int        `json:"cap"`
	Remaining int        `json:"remaining"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}

type UserView struct {
	ID            string          `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	Ads           QuotaView       `json:"ads"`
	Spins         QuotaView       `json:"spins"`
	TaskCompleted bool            `json:"task_completed"`
	ReferredBy    string          `json:"ref_by,omitempty"`
	ReferralCount int             `json:"referrals_count"`
	Banned        bool            `json:"is_banned"`
}

type RegisterResult struct {
	Created bool     `json:"created"`
	User    UserView `json:"user"`
}

type UserState struct {
	UserView
	IsAdmin       bool             `json:"is_admin"`
	MinWithdrawal decimal.Decimal  `json:"min_withdrawal"`
	Withdrawals   []WithdrawalView `json:"withdrawal_history"`
}

type TokenResult struct {
	TokenID   string           `json:"token_id"`
	Kind      schema.TokenKind `json:"kind"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type RewardResult struct {
	EventID string          `json:"event_id"`
	Reward  decimal.Decimal `json:"reward"`
	Balance decimal.Decimal `json:"new_balance"`
	Quota   QuotaView       `json:"quota"`
}

type PreSpinResult struct {
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SpinResult struct {
	RewardResult
	Prize decimal.Decimal `json:"prize"`
	Index int             `json:"prize_index"`
}

type WithdrawalView struct {
	ID          string                  `json:"request_id"`
	UserID      string                  `json:"user_id"`
	Amount      decimal.Decimal         `json:"amount"`
	Destination string                  `json:"destination,omitempty"`
	Status      schema.WithdrawalStatus `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	ResolvedBy  string                  `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time              `json:"resolved_at,omitempty"`
}

func withdrawalView(w schema.Withdrawal) WithdrawalView {
	v := WithdrawalView{
		ID:         w.ID,
		UserID:     w.UserID,
		Amount:     w.Amount,
		Status:     w.Status,
		CreatedAt:  w.CreatedAt,
		ResolvedBy: w.ResolvedBy,
		ResolvedAt: w.ResolvedAt,
	}
	if !w.Sealed {
		v.Destination = w.Destination
	}
	return v
}

type WithdrawResult struct {
	Withdrawal WithdrawalView  `json:"withdrawal"`
	Balance    decimal.Decimal `json:"new_balance"`
}

type CommissionResult struct {
	Paid            bool             `json:"paid"`
	Duplicate       bool             `json:"duplicate,omitempty"`
	Skipped         string           `json:"skipped,omitempty"`
	ReferrerID      string           `json:"referrer_id,omitempty"`
	SourceEventID   string           `json:"source_event_id"`
	Amount          decimal.Decimal  `json:"amount"`
	ReferrerBalance *decimal.Decimal `json:"referrer_balance,omitempty"`
}
