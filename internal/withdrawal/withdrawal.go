// Package withdrawal runs the lifecycle of withdrawal requests:
// created pending with the amount already debited, then resolved exactly once
// by an admin as completed, or as rejected with a compensating refund.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/metrics"
	"github.com/celerix-dev/celerix-rewards/internal/vault"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

var (
	ErrBelowMinimum    = errors.New("amount below minimum withdrawal")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrNoDestination   = errors.New("destination is required")
	ErrInvalidDecision = errors.New("decision must be complete or reject")
	ErrNotFound        = errors.New("withdrawal not found")
	ErrAlreadyResolved = errors.New("withdrawal already resolved")
	ErrInconsistent    = errors.New("withdrawal could not be recorded")
	ErrRefundFailed    = errors.New("refund could not be applied")
)

const (
	insertAttempts  = 3
	resolveAttempts = 16
)

// Decision is the admin's verdict on a pending request.
type Decision string

const (
	Complete Decision = "complete"
	Reject   Decision = "reject"
)

func (d Decision) status() (schema.WithdrawalStatus, bool) {
	switch d {
	case Complete:
		return schema.WithdrawalCompleted, true
	case Reject:
		return schema.WithdrawalRejected, true
	}
	return "", false
}

// DefaultMinimum is the smallest amount that may be withdrawn.
var DefaultMinimum = decimal.NewFromInt(400)

type Options struct {
	Minimum decimal.Decimal
}

// Manager creates and resolves withdrawal requests.
type Manager struct {
	store   sdk.Store
	ledger  *ledger.Ledger
	policy  admin.Policy
	sealer  *vault.Sealer
	audit   *audit.Recorder
	minimum decimal.Decimal
	log     *zap.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func New(store sdk.Store, l *ledger.Ledger, policy admin.Policy, sealer *vault.Sealer, rec *audit.Recorder, opts Options, log *zap.Logger) *Manager {
	if opts.Minimum.IsZero() {
		opts.Minimum = DefaultMinimum
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:   store,
		ledger:  l,
		policy:  policy,
		sealer:  sealer,
		audit:   rec,
		minimum: opts.Minimum,
		log:     log,
		Now:     time.Now,
	}
}

// Minimum reports the configured minimum amount.
func (m *Manager) Minimum() decimal.Decimal {
	return m.minimum
}

// Create debits amount from the user and records a pending request. If the
// record cannot be written the debit is refunded before returning.
func (m *Manager) Create(ctx context.Context, userID string, amount decimal.Decimal, destination string) (schema.Withdrawal, error) {
	if !amount.IsPositive() {
		return schema.Withdrawal{}, ErrInvalidAmount
	}
	if amount.LessThan(m.minimum) {
		return schema.Withdrawal{}, fmt.Errorf("%w of %s", ErrBelowMinimum, m.minimum)
	}
	if destination == "" {
		return schema.Withdrawal{}, ErrNoDestination
	}

	dest, sealed, err := m.sealer.Seal(destination)
	if err != nil {
		return schema.Withdrawal{}, fmt.Errorf("seal destination: %w", err)
	}

	id := uuid.NewString()
	if _, _, err := m.ledger.Debit(ctx, userID, amount, id); err != nil {
		return schema.Withdrawal{}, err
	}

	w := schema.Withdrawal{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Destination: dest,
		Sealed:      sealed,
		Status:      schema.WithdrawalPending,
		DebitEvent:  id,
		CreatedAt:   m.Now(),
	}

	if err := m.insert(w); err != nil {
		m.log.Warn("withdrawal record not written, refunding debit",
			zap.String("user_id", userID), zap.String("request_id", id), zap.Error(err))

		if _, _, rerr := m.ledger.Refund(ctx, userID, amount, id+":compensation"); rerr != nil {
			m.log.Error("withdrawal compensation failed, balance needs manual correction",
				zap.String("user_id", userID),
				zap.String("request_id", id),
				zap.String("amount", amount.String()),
				zap.NamedError("insert_error", err),
				zap.NamedError("refund_error", rerr))
		}
		metrics.Withdrawals.WithLabelValues("failed").Inc()
		return schema.Withdrawal{}, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}

	metrics.Withdrawals.WithLabelValues(string(schema.WithdrawalPending)).Inc()
	m.audit.Log(ctx, userID, audit.ActionWithdrawalCreated, userID,
		fmt.Sprintf("request_id=%s amount=%s", id, amount))

	w.Destination = destination
	w.Sealed = false
	return w, nil
}

// insert writes a new record, retrying transport failures. An earlier attempt
// that landed without a reply shows up as an existing record.
func (m *Manager) insert(w schema.Withdrawal) error {
	scope := sdk.App(m.store, w.UserID, schema.AppWithdrawals)
	var err error
	for i := 0; i < insertAttempts; i++ {
		err = scope.Insert(w.ID, w)
		if err == nil {
			return nil
		}
		if errors.Is(err, sdk.ErrVersionConflict) {
			if existing, gerr := sdk.Get[schema.Withdrawal](m.store, w.UserID, schema.AppWithdrawals, w.ID); gerr == nil && existing.DebitEvent == w.DebitEvent {
				return nil
			}
			return err
		}
	}
	return err
}

func (m *Manager) locate(requestID string) (string, error) {
	if uuid.Validate(requestID) != nil {
		return "", ErrNotFound
	}
	_, userID, err := m.store.GetGlobal(schema.AppWithdrawals, requestID)
	if errors.Is(err, sdk.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("locate withdrawal: %w", err)
	}
	return userID, nil
}

// transition moves a request out of pending with compare-and-swap, so only one
// of several concurrent resolutions can succeed.
func (m *Manager) transition(userID, requestID, adminID string, to schema.WithdrawalStatus, at time.Time) (schema.Withdrawal, uint64, error) {
	resolution := uuid.NewString()
	for i := 0; i < resolveAttempts; i++ {
		w, ver, err := sdk.GetVersioned[schema.Withdrawal](m.store, userID, schema.AppWithdrawals, requestID)
		if errors.Is(err, sdk.ErrKeyNotFound) || errors.Is(err, sdk.ErrAppNotFound) || errors.Is(err, sdk.ErrPersonaNotFound) {
			return w, 0, ErrNotFound
		}
		if err != nil {
			return w, 0, fmt.Errorf("read withdrawal: %w", err)
		}
		if w.Status != schema.WithdrawalPending {
			if w.Resolution == resolution {
				// Our own write from an attempt whose reply was lost.
				return w, ver, nil
			}
			return w, 0, ErrAlreadyResolved
		}

		w.Status = to
		w.ResolvedBy = adminID
		resolvedAt := at
		w.ResolvedAt = &resolvedAt
		w.Resolution = resolution

		newVer, err := m.store.SetIfVersion(userID, schema.AppWithdrawals, requestID, w, ver)
		switch {
		case err == nil:
			return w, newVer, nil
		case errors.Is(err, sdk.ErrVersionConflict):
			metrics.CASConflicts.WithLabelValues("withdrawal").Inc()
		case errors.Is(err, sdk.ErrIndeterminate):
			m.log.Warn("withdrawal write outcome unknown, re-reading", zap.String("request_id", requestID))
		default:
			return w, 0, fmt.Errorf("write withdrawal: %w", err)
		}
	}
	return schema.Withdrawal{}, 0, ledger.ErrContention
}

// Resolve completes or rejects a pending request. Rejection refunds the amount
// exactly once; if the refund cannot be applied the request goes back to pending.
func (m *Manager) Resolve(ctx context.Context, adminID, requestID string, decision Decision) (schema.Withdrawal, error) {
	if err := admin.Authorize(m.policy, adminID, admin.ResolveWithdrawal); err != nil {
		return schema.Withdrawal{}, err
	}
	to, ok := decision.status()
	if !ok {
		return schema.Withdrawal{}, ErrInvalidDecision
	}

	userID, err := m.locate(requestID)
	if err != nil {
		return schema.Withdrawal{}, err
	}

	w, ver, err := m.transition(userID, requestID, adminID, to, m.Now())
	if err != nil {
		return schema.Withdrawal{}, err
	}

	if to == schema.WithdrawalRejected {
		if err := m.refund(ctx, w, ver); err != nil {
			return schema.Withdrawal{}, err
		}
	}

	metrics.Withdrawals.WithLabelValues(string(to)).Inc()
	m.audit.Log(ctx, adminID, audit.ActionWithdrawalResolved, userID,
		fmt.Sprintf("request_id=%s status=%s amount=%s", requestID, to, w.Amount))

	m.open(&w)
	return w, nil
}

// refund credits a rejected request back to its owner. When the refund
// reports failure the account is read again: a refund event already on the
// record counts as success, a confirmed miss reverts the request to pending,
// and an unreadable account leaves it rejected so it can never also be
// completed.
func (m *Manager) refund(ctx context.Context, w schema.Withdrawal, ver uint64) error {
	eventID := w.ID + ":refund"
	_, _, err := m.ledger.Refund(ctx, w.UserID, w.Amount, eventID)
	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("user_id", w.UserID),
		zap.String("request_id", w.ID),
		zap.String("amount", w.Amount.String()),
		zap.Error(err),
	}
	u, gerr := m.ledger.Get(w.UserID)
	if gerr != nil {
		m.log.Error("refund outcome unknown, leaving withdrawal rejected",
			append(fields, zap.NamedError("read_error", gerr))...)
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	if _, ok := u.Event(eventID); ok {
		m.log.Warn("refund landed despite error", fields...)
		return nil
	}

	m.log.Error("refund for rejected withdrawal failed, reverting to pending", fields...)
	m.revert(w, ver)
	return fmt.Errorf("%w: %v", ErrRefundFailed, err)
}

func (m *Manager) revert(w schema.Withdrawal, ver uint64) {
	w.Status = schema.WithdrawalPending
	w.ResolvedBy = ""
	w.ResolvedAt = nil
	w.Resolution = ""
	if _, err := m.store.SetIfVersion(w.UserID, schema.AppWithdrawals, w.ID, w, ver); err != nil {
		m.log.Error("could not revert withdrawal to pending",
			zap.String("user_id", w.UserID), zap.String("request_id", w.ID), zap.Error(err))
	}
}

func (m *Manager) open(w *schema.Withdrawal) {
	dest, err := m.sealer.Open(w.Destination, w.Sealed)
	if err != nil {
		m.log.Warn("cannot open withdrawal destination", zap.String("request_id", w.ID), zap.Error(err))
		return
	}
	w.Destination = dest
	w.Sealed = false
}

// ListPending returns every pending request, oldest first.
func (m *Manager) ListPending(adminID string) ([]schema.Withdrawal, error) {
	if err := admin.Authorize(m.policy, adminID, admin.ListWithdrawals); err != nil {
		return nil, err
	}
	dump, err := m.store.DumpApp(schema.AppWithdrawals)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}

	var out []schema.Withdrawal
	for _, raw := range dump {
		for _, w := range sdk.DecodeAll[schema.Withdrawal](raw) {
			if w.Status == schema.WithdrawalPending {
				m.open(&w)
				out = append(out, w)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// History returns a user's requests, newest first.
func (m *Manager) History(userID string) ([]schema.Withdrawal, error) {
	raw, err := sdk.App(m.store, userID, schema.AppWithdrawals).All()
	if err != nil {
		return nil, fmt.Errorf("withdrawal history: %w", err)
	}
	out := make([]schema.Withdrawal, 0, len(raw))
	for _, w := range sdk.DecodeAll[schema.Withdrawal](raw) {
		m.open(&w)
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
