package audit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

func TestStoreJournalRecent(t *testing.T) {
	j := NewStoreJournal(engine.NewMemStore(nil, nil))
	rec := NewRecorder(j, nil)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{ActionBan, ActionWithdrawalCreated, ActionCommissionPaid} {
		at := base.Add(time.Duration(i) * time.Minute)
		rec.Now = func() time.Time { return at }
		rec.Log(context.Background(), "admin", action, "u1", "")
	}

	entries, err := j.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ActionCommissionPaid, entries[0].Action)
	require.Equal(t, schema.AppCommissions, entries[0].AppID)
	require.Equal(t, ActionWithdrawalCreated, entries[1].Action)
}

func TestEmptyJournal(t *testing.T) {
	entries, err := NewStoreJournal(engine.NewMemStore(nil, nil)).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

type failingJournal struct{ calls int }

func (f *failingJournal) Record(context.Context, schema.AuditLog) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingJournal) Recent(context.Context, int) ([]schema.AuditLog, error) {
	return nil, nil
}

func TestRecorderSwallowsFailures(t *testing.T) {
	f := &failingJournal{}
	NewRecorder(f, nil).Log(context.Background(), "admin", ActionUnban, "u1", "")
	require.Equal(t, 1, f.calls)

	var nilRecorder *Recorder
	nilRecorder.Log(context.Background(), "admin", ActionUnban, "u1", "")
}

func TestPostgresJournal(t *testing.T) {
	dsn := os.Getenv("REWARDS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REWARDS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	j, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer j.Close()

	entry := schema.AuditLog{
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Actor:     "admin",
		Action:    ActionBan,
		AppID:     schema.AppAccount,
		PersonaID: "u-pg",
	}
	require.NoError(t, j.Record(ctx, entry))

	entries, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "u-pg", entries[0].PersonaID)
}
