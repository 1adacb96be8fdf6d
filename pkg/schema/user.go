// Package schema defines the records the reward service keeps in the ledger store.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// App IDs under which records live. The persona is always the owning user,
// except audit entries which live under the system persona.
const (
	AppAccount     = "account"
	AppTokens      = "tokens"
	AppWithdrawals = "withdrawals"
	AppCommissions = "commissions"
	AppAudit       = "audit"

	// AccountKey is the single key holding a user's record in AppAccount.
	AccountKey = "state"
)

// MaxEvents bounds User.Events.
const MaxEvents = 64

// User is a rewardable account. It is only ever written with SetIfVersion,
// so every field below moves together.
type User struct {
	ID             string                 `json:"id"`
	Balance        decimal.Decimal        `json:"balance"`
	Quotas         map[string]QuotaWindow `json:"quotas,omitempty"`
	TaskCompleted  bool                   `json:"task_completed"`
	Banned         bool                   `json:"is_banned"`
	BannedBy       string                 `json:"banned_by,omitempty"`
	BannedAt       *time.Time             `json:"banned_at,omitempty"`
	ReferredBy     string                 `json:"ref_by,omitempty"`
	ReferralCount  int                    `json:"referrals_count"`
	LastActivityAt *time.Time             `json:"last_activity_at,omitempty"`
	LastLoginAt    time.Time              `json:"last_login"`
	CreatedAt      time.Time              `json:"created_at"`
	// Events holds the most recent ledger mutations, newest last.
	Events []RewardEvent `json:"events,omitempty"`
}

// QuotaWindow is a rolling cap anchored to the moment the cap was hit.
type QuotaWindow struct {
	Count        int        `json:"count"`
	CapReachedAt *time.Time `json:"cap_reached_at,omitempty"`
}

// EventKind names what moved a balance.
type EventKind string

const (
	EventAd               EventKind = "ad"
	EventSpin             EventKind = "spin"
	EventTask             EventKind = "task"
	EventCommission       EventKind = "commission"
	EventWithdrawalDebit  EventKind = "withdrawal_debit"
	EventWithdrawalRefund EventKind = "withdrawal_refund"
)

// RewardEvent is one applied ledger mutation.
type RewardEvent struct {
	ID     string          `json:"id"`
	Kind   EventKind       `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

// Quota returns the window for an action kind (zero value when unused).
func (u *User) Quota(kind string) QuotaWindow {
	return u.Quotas[kind]
}

// SetQuota stores the window for an action kind.
func (u *User) SetQuota(kind string, w QuotaWindow) {
	if u.Quotas == nil {
		u.Quotas = make(map[string]QuotaWindow)
	}
	u.Quotas[kind] = w
}

// AppendEvent records a mutation, dropping the oldest beyond MaxEvents.
func (u *User) AppendEvent(e RewardEvent) {
	u.Events = append(u.Events, e)
	if len(u.Events) > MaxEvents {
		u.Events = append([]RewardEvent(nil), u.Events[len(u.Events)-MaxEvents:]...)
	}
}

// Event finds a recorded mutation by id.
func (u *User) Event(id string) (RewardEvent, bool) {
	for _, e := range u.Events {
		if e.ID == id {
			return e, true
		}
	}
	return RewardEvent{}, false
}

// AuditLog represents a standardized event log entry.
type AuditLog struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	AppID     string    `json:"app_id"`
	PersonaID string    `json:"persona_id"`
	Details   string    `json:"details"`
}
