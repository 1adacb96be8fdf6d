// Package ledger applies every balance-affecting mutation to a user record.
//
// The store has no transactions, so each mutation is an optimistic
// compare-and-swap over the whole user record: read at a version, run the
// guards, write back only if the version is unchanged, otherwise retry. Guards
// and the write therefore always see the same state, and concurrent mutations
// of one user never lose updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/metrics"
	"github.com/celerix-dev/celerix-rewards/internal/quota"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

var (
	ErrNotFound          = errors.New("user not found")
	ErrExists            = errors.New("user already exists")
	ErrBanned            = errors.New("user is banned")
	ErrCapReached        = errors.New("quota cap reached")
	ErrInsufficientFunds = errors.New("insufficient balance")
	// ErrContention means the retry budget ran out under concurrent writers.
	ErrContention = errors.New("too much contention on user record")
)

// PaceError rejects a mutation that came too soon after the previous one.
type PaceError struct {
	Wait time.Duration
}

func (e *PaceError) Error() string {
	return fmt.Sprintf("too fast, retry in %s", e.Wait.Round(time.Millisecond))
}

const (
	DefaultPacing      = 3 * time.Second
	defaultMaxAttempts = 32
	baseBackoff        = 2 * time.Millisecond
	maxBackoff         = 100 * time.Millisecond
)

// Mutation describes one ledger change. Every reward path is a Mutation with a
// different kind and delta; the checks they share live in Apply.
type Mutation struct {
	Kind schema.EventKind
	// EventID identifies the mutation. Empty means a fresh one is generated.
	EventID string
	// Delta is added to the balance. Negative deltas are debits.
	Delta decimal.Decimal
	// Quota names the quota window this mutation consumes, if any.
	Quota string
	// Pace enforces the minimum interval since the last paced mutation.
	Pace bool
	// IgnoreBan lets compensating credits through for banned users.
	IgnoreBan bool
	// Guard runs after the shared checks and may veto the mutation.
	Guard func(u *schema.User) error
	// Effect makes additional changes to the record in the same write.
	Effect func(u *schema.User)
}

// Options configures a Ledger.
type Options struct {
	Quotas      map[string]quota.Policy
	Pacing      time.Duration
	MaxAttempts int
}

// Ledger owns every user's account record.
type Ledger struct {
	store       sdk.Store
	quotas      map[string]quota.Policy
	pacing      time.Duration
	maxAttempts int
	log         *zap.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// New creates a Ledger. Zero Pacing disables pacing.
func New(store sdk.Store, opts Options, log *zap.Logger) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:       store,
		quotas:      opts.Quotas,
		pacing:      opts.Pacing,
		maxAttempts: opts.MaxAttempts,
		log:         log,
		Now:         time.Now,
	}
}

// Policy returns the quota policy for an action kind.
func (l *Ledger) Policy(kind string) (quota.Policy, bool) {
	p, ok := l.quotas[kind]
	return p, ok
}

func (l *Ledger) read(userID string) (schema.User, uint64, error) {
	u, ver, err := sdk.GetVersioned[schema.User](l.store, userID, schema.AppAccount, schema.AccountKey)
	if errors.Is(err, sdk.ErrKeyNotFound) || errors.Is(err, sdk.ErrAppNotFound) || errors.Is(err, sdk.ErrPersonaNotFound) {
		return schema.User{}, 0, ErrNotFound
	}
	if err != nil {
		return schema.User{}, 0, fmt.Errorf("read user: %w", err)
	}
	return u, ver, nil
}

// Get returns the current user record.
func (l *Ledger) Get(userID string) (schema.User, error) {
	u, _, err := l.read(userID)
	return u, err
}

// Create inserts a new user record. It fails with ErrExists if one is present.
func (l *Ledger) Create(u schema.User) error {
	_, err := l.store.SetIfVersion(u.ID, schema.AppAccount, schema.AccountKey, u, 0)
	if errors.Is(err, sdk.ErrVersionConflict) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (l *Ledger) backoff(ctx context.Context, attempt int) error {
	d := baseBackoff << min(attempt, 6)
	if d > maxBackoff {
		d = maxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(rand.Int63n(int64(d))) + time.Millisecond):
		return nil
	}
}

// update runs fn inside the compare-and-swap loop. fn returns false to skip the
// write. applied, when set, recognises a record that already carries this
// update; it is how a write with an unknown outcome gets resolved.
func (l *Ledger) update(ctx context.Context, userID string, fn func(u *schema.User, now time.Time) (bool, error), applied func(u *schema.User) bool) (schema.User, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return schema.User{}, err
		}

		u, ver, err := l.read(userID)
		if err != nil {
			return schema.User{}, err
		}
		if applied != nil && applied(&u) {
			return u, nil
		}

		write, err := fn(&u, l.Now())
		if err != nil || !write {
			return u, err
		}

		_, err = l.store.SetIfVersion(userID, schema.AppAccount, schema.AccountKey, u, ver)
		switch {
		case err == nil:
			return u, nil
		case errors.Is(err, sdk.ErrVersionConflict):
			metrics.CASConflicts.WithLabelValues("user").Inc()
		case errors.Is(err, sdk.ErrIndeterminate) && applied != nil:
			// The next read tells whether the write landed.
			l.log.Warn("user write outcome unknown, re-reading", zap.String("user_id", userID))
		default:
			return schema.User{}, fmt.Errorf("write user: %w", err)
		}

		if err := l.backoff(ctx, attempt); err != nil {
			return schema.User{}, err
		}
	}
	return schema.User{}, ErrContention
}

// Update applies an arbitrary change to the user record. It is meant for
// non-monetary fields; balance changes go through Apply.
func (l *Ledger) Update(ctx context.Context, userID string, fn func(u *schema.User, now time.Time) (bool, error)) (schema.User, error) {
	return l.update(ctx, userID, fn, nil)
}

func (l *Ledger) check(u *schema.User, m *Mutation, now time.Time) (quota.Policy, schema.QuotaWindow, error) {
	var (
		p quota.Policy
		w schema.QuotaWindow
	)
	if u.Banned && !m.IgnoreBan {
		return p, w, ErrBanned
	}
	if m.Pace && l.pacing > 0 && u.LastActivityAt != nil {
		if elapsed := now.Sub(*u.LastActivityAt); elapsed < l.pacing {
			return p, w, &PaceError{Wait: l.pacing - elapsed}
		}
	}
	if m.Quota != "" {
		var ok bool
		p, ok = l.quotas[m.Quota]
		if !ok {
			return p, w, fmt.Errorf("no quota policy for %q", m.Quota)
		}
		w = u.Quota(m.Quota)
		if _, remaining := p.CheckAndMaybeReset(&w, now); remaining == 0 {
			return p, w, ErrCapReached
		}
	}
	if m.Guard != nil {
		if err := m.Guard(u); err != nil {
			return p, w, err
		}
	}
	return p, w, nil
}

// Check runs Apply's checks against the current record without writing.
func (l *Ledger) Check(userID string, m Mutation) (schema.User, error) {
	u, _, err := l.read(userID)
	if err != nil {
		return schema.User{}, err
	}
	_, _, err = l.check(&u, &m, l.Now())
	return u, err
}

// Apply performs a mutation: ban, pacing, quota and guard checks, then the
// balance change, quota use, event record and activity stamp in one write.
func (l *Ledger) Apply(ctx context.Context, userID string, m Mutation) (schema.User, schema.RewardEvent, error) {
	if m.EventID == "" {
		m.EventID = uuid.NewString()
	}
	var ev schema.RewardEvent

	u, err := l.update(ctx, userID, func(u *schema.User, now time.Time) (bool, error) {
		p, w, err := l.check(u, &m, now)
		if err != nil {
			return false, err
		}

		balance := u.Balance.Add(m.Delta)
		if balance.IsNegative() {
			return false, ErrInsufficientFunds
		}
		u.Balance = balance

		if m.Quota != "" {
			p.RecordUse(&w, now)
			u.SetQuota(m.Quota, w)
		}
		if m.Pace {
			at := now
			u.LastActivityAt = &at
		}
		if m.Effect != nil {
			m.Effect(u)
		}

		ev = schema.RewardEvent{ID: m.EventID, Kind: m.Kind, Amount: m.Delta, At: now}
		u.AppendEvent(ev)
		return true, nil
	}, func(u *schema.User) bool {
		if e, ok := u.Event(m.EventID); ok {
			ev = e
			return true
		}
		return false
	})
	if err != nil {
		return schema.User{}, schema.RewardEvent{}, err
	}

	metrics.RewardsGranted.WithLabelValues(string(m.Kind)).Inc()
	if m.Delta.IsPositive() {
		metrics.RewardsCredit.WithLabelValues(string(m.Kind)).Add(m.Delta.InexactFloat64())
	}
	return u, ev, nil
}

// Debit reserves amount from the balance. eventID makes the debit recognisable
// if the write outcome is unknown.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, eventID string) (schema.User, schema.RewardEvent, error) {
	return l.Apply(ctx, userID, Mutation{
		Kind:    schema.EventWithdrawalDebit,
		EventID: eventID,
		Delta:   amount.Neg(),
	})
}

// Refund returns amount to the balance. It is a compensation and applies to
// banned users as well.
func (l *Ledger) Refund(ctx context.Context, userID string, amount decimal.Decimal, eventID string) (schema.User, schema.RewardEvent, error) {
	return l.Apply(ctx, userID, Mutation{
		Kind:      schema.EventWithdrawalRefund,
		EventID:   eventID,
		Delta:     amount,
		IgnoreBan: true,
	})
}

// RefreshQuotas applies any due quota resets and persists them.
func (l *Ledger) RefreshQuotas(ctx context.Context, userID string) (schema.User, error) {
	return l.Update(ctx, userID, func(u *schema.User, now time.Time) (bool, error) {
		changed := false
		for kind, p := range l.quotas {
			w := u.Quota(kind)
			before := w
			p.CheckAndMaybeReset(&w, now)
			if w.Count != before.Count || (w.CapReachedAt == nil) != (before.CapReachedAt == nil) {
				u.SetQuota(kind, w)
				changed = true
			}
		}
		return changed, nil
	})
}
