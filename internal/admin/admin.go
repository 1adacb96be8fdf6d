// Package admin decides who may perform privileged operations.
package admin

import "errors"

// Action names a privileged operation.
type Action string

const (
	ListWithdrawals   Action = "list_withdrawals"
	ResolveWithdrawal Action = "resolve_withdrawal"
	SetBan            Action = "set_ban"
)

var (
	ErrNotAuthorized = errors.New("not authorized")
	// ErrSelfTarget is returned when an admin action targets the admin itself.
	ErrSelfTarget = errors.New("admin cannot target themselves")
)

// Policy is the capability check every admin-gated operation calls first.
type Policy interface {
	IsAuthorized(userID string, action Action) bool
}

// SingleAdmin grants every action to one configured id. An empty id denies all.
type SingleAdmin struct {
	ID string
}

func (s SingleAdmin) IsAuthorized(userID string, _ Action) bool {
	return s.IsAdmin(userID)
}

// IsAdmin is a plain equality check that fails closed.
func (s SingleAdmin) IsAdmin(userID string) bool {
	return s.ID != "" && userID == s.ID
}

// Authorize returns ErrNotAuthorized unless p allows the action.
func Authorize(p Policy, userID string, action Action) error {
	if p == nil || userID == "" || !p.IsAuthorized(userID, action) {
		return ErrNotAuthorized
	}
	return nil
}
