// Package audit keeps an append-only journal of privileged and monetary events.
package audit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

// Actions recorded in the journal.
const (
	ActionBan                = "ban"
	ActionUnban              = "unban"
	ActionWithdrawalCreated  = "withdrawal_created"
	ActionWithdrawalResolved = "withdrawal_resolved"
	ActionCommissionPaid     = "commission_paid"
)

// Journal stores audit entries.
type Journal interface {
	Record(ctx context.Context, entry schema.AuditLog) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]schema.AuditLog, error)
}

// StoreJournal keeps entries under the system persona of the ledger store.
type StoreJournal struct {
	store sdk.Store
}

func NewStoreJournal(store sdk.Store) *StoreJournal {
	return &StoreJournal{store: store}
}

func (j *StoreJournal) Record(_ context.Context, entry schema.AuditLog) error {
	return sdk.App(j.store, sdk.SystemPersona, schema.AppAudit).Insert(uuid.NewString(), entry)
}

func (j *StoreJournal) Recent(_ context.Context, limit int) ([]schema.AuditLog, error) {
	raw, err := sdk.App(j.store, sdk.SystemPersona, schema.AppAudit).All()
	if err != nil {
		return nil, err
	}
	out := make([]schema.AuditLog, 0, len(raw))
	for _, e := range sdk.DecodeAll[schema.AuditLog](raw) {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.After(out[k].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recorder writes entries without ever failing the caller.
type Recorder struct {
	journal Journal
	log     *zap.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func NewRecorder(j Journal, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{journal: j, log: log, Now: time.Now}
}

// Log records an event. Failures are logged and swallowed.
func (r *Recorder) Log(ctx context.Context, actor, action, personaID, details string) {
	if r == nil || r.journal == nil {
		return
	}
	entry := schema.AuditLog{
		Timestamp: r.Now().UTC(),
		Actor:     actor,
		Action:    action,
		AppID:     appFor(action),
		PersonaID: personaID,
		Details:   details,
	}
	if err := r.journal.Record(ctx, entry); err != nil {
		r.log.Error("audit write failed",
			zap.String("action", action),
			zap.String("actor", actor),
			zap.String("persona_id", personaID),
			zap.Error(err))
	}
}

func appFor(action string) string {
	switch action {
	case ActionWithdrawalCreated, ActionWithdrawalResolved:
		return schema.AppWithdrawals
	case ActionCommissionPaid:
		return schema.AppCommissions
	}
	return schema.AppAccount
}
