package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/membership"
	"github.com/celerix-dev/celerix-rewards/internal/quota"
	"github.com/celerix-dev/celerix-rewards/internal/token"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

const (
	adminID = "900"
	window  = 6 * time.Hour
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc     *Service
	clock   *testClock
	ledger  *ledger.Ledger
	oracle  membership.Static
	journal *audit.StoreJournal
}

func newHarness(t *testing.T, adCap int, pacing time.Duration) *harness {
	t.Helper()
	store := engine.NewMemStore(nil, nil)
	clk := &testClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}

	l := ledger.New(store, ledger.Options{
		Quotas: map[string]quota.Policy{
			quota.KindAd:   {Cap: adCap, Period: window},
			quota.KindSpin: {Cap: 2, Period: window},
		},
		Pacing: pacing,
	}, nil)
	l.Now = clk.Now

	tokens := token.NewAuthority(store, time.Minute, nil)
	tokens.Now = clk.Now

	journal := audit.NewStoreJournal(store)
	rec := audit.NewRecorder(journal, nil)
	policy := admin.SingleAdmin{ID: adminID}

	wm := withdrawal.New(store, l, policy, nil, rec, withdrawal.Options{Minimum: decimal.NewFromInt(10)}, nil)
	wm.Now = clk.Now

	oracle := membership.Static{}
	svc := New(Deps{
		Store:       store,
		Ledger:      l,
		Tokens:      tokens,
		Withdrawals: wm,
		Policy:      policy,
		Oracle:      oracle,
		Audit:       rec,
	}, Config{
		AdReward:       decimal.NewFromInt(3),
		TaskReward:     decimal.NewFromInt(50),
		CommissionRate: decimal.RequireFromString("0.05"),
		Epsilon:        decimal.RequireFromString("0.0001"),
		TaskChannel:    "@rewards",
	})
	return &harness{svc: svc, clock: clk, ledger: l, oracle: oracle, journal: journal}
}

func (h *harness) register(t *testing.T, id, ref string) {
	t.Helper()
	_, err := h.svc.Register(context.Background(), id, ref)
	require.NoError(t, err)
}

func (h *harness) token(t *testing.T, id string, kind schema.TokenKind) string {
	t.Helper()
	res, err := h.svc.IssueToken(id, kind)
	require.NoError(t, err)
	return res.TokenID
}

func (h *harness) credit(t *testing.T, id string, amount int64) {
	t.Helper()
	_, _, err := h.ledger.Refund(context.Background(), id, decimal.NewFromInt(amount), "")
	require.NoError(t, err)
}

func TestAdRewardToCapAndReset(t *testing.T) {
	h := newHarness(t, 3, 0)
	ctx := context.Background()
	h.register(t, "u1", "")

	res, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(decimal.NewFromInt(3)))
	require.Equal(t, 1, res.Quota.Count)

	for i := 0; i < 2; i++ {
		_, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
		require.NoError(t, err)
	}
	_, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.ErrorIs(t, err, ledger.ErrCapReached)

	h.clock.Advance(window + time.Millisecond)
	res, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)
	require.Equal(t, 1, res.Quota.Count)
	require.True(t, res.Balance.Equal(decimal.NewFromInt(12)))
}

func TestTokenReplayRejected(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")

	tok := h.token(t, "u1", schema.TokenWatchAd)
	_, err := h.svc.WatchAd(ctx, "u1", tok)
	require.NoError(t, err)
	_, err = h.svc.WatchAd(ctx, "u1", tok)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestPacingBetweenRewards(t *testing.T) {
	h := newHarness(t, 10, 3*time.Second)
	ctx := context.Background()
	h.register(t, "u1", "")

	_, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	_, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	var pe *ledger.PaceError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 3*time.Second, pe.Wait)
}

func TestPacedSpinKeepsPrize(t *testing.T) {
	h := newHarness(t, 10, 3*time.Second)
	ctx := context.Background()
	h.register(t, "u1", "")
	h.svc.Draw = func(int) (int, error) { return 60, nil }

	_, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	tok := h.token(t, "u1", schema.TokenPreSpin)
	_, err = h.svc.PreSpin(ctx, "u1", tok)
	require.NoError(t, err)

	_, err = h.svc.SpinResult(ctx, "u1", tok)
	var pe *ledger.PaceError
	require.True(t, errors.As(err, &pe), "got %v", err)
	require.Equal(t, 2*time.Second, pe.Wait)

	h.clock.Advance(pe.Wait)
	res, err := h.svc.SpinResult(ctx, "u1", tok)
	require.NoError(t, err)
	require.True(t, res.Prize.Equal(decimal.NewFromInt(15)))
	require.True(t, res.Balance.Equal(decimal.NewFromInt(18)))
}

func TestSpinRestoredWhenPacedAtWrite(t *testing.T) {
	h := newHarness(t, 10, 3*time.Second)
	ctx := context.Background()
	h.register(t, "u1", "")
	h.svc.Draw = func(int) (int, error) { return 60, nil }

	_, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	tok := h.token(t, "u1", schema.TokenPreSpin)
	_, err = h.svc.PreSpin(ctx, "u1", tok)
	require.NoError(t, err)

	// Another paced reward lands between the check and the write.
	reads := 0
	h.ledger.Now = func() time.Time {
		reads++
		if reads == 1 {
			return h.clock.Now()
		}
		return h.clock.Now().Add(-4 * time.Second)
	}
	_, err = h.svc.SpinResult(ctx, "u1", tok)
	var pe *ledger.PaceError
	require.True(t, errors.As(err, &pe), "got %v", err)

	h.ledger.Now = h.clock.Now
	res, err := h.svc.SpinResult(ctx, "u1", tok)
	require.NoError(t, err)
	require.True(t, res.Prize.Equal(decimal.NewFromInt(15)))
}

func TestPacedAdKeepsToken(t *testing.T) {
	h := newHarness(t, 10, 3*time.Second)
	ctx := context.Background()
	h.register(t, "u1", "")

	_, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	tok := h.token(t, "u1", schema.TokenWatchAd)
	_, err = h.svc.WatchAd(ctx, "u1", tok)
	var pe *ledger.PaceError
	require.True(t, errors.As(err, &pe), "got %v", err)

	h.clock.Advance(pe.Wait)
	_, err = h.svc.WatchAd(ctx, "u1", tok)
	require.NoError(t, err)
}

func TestConcurrentAdsAgainstCap(t *testing.T) {
	const n, c = 25, 8
	h := newHarness(t, c, 0)
	h.register(t, "u1", "")

	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = h.token(t, "u1", schema.TokenWatchAd)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		capped   int
	)
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			_, err := h.svc.WatchAd(context.Background(), "u1", tok)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, ledger.ErrCapReached) {
				capped++
			}
		}(tok)
	}
	wg.Wait()

	require.Equal(t, c, accepted)
	require.Equal(t, n-c, capped)
	u, err := h.ledger.Get("u1")
	require.NoError(t, err)
	require.True(t, u.Balance.Equal(decimal.NewFromInt(3*c)))
}

func TestSpinTwoPhase(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")
	h.svc.Draw = func(int) (int, error) { return 60, nil } // third sector: 30+25 <= 60 < 70

	tok := h.token(t, "u1", schema.TokenPreSpin)
	pre, err := h.svc.PreSpin(ctx, "u1", tok)
	require.NoError(t, err)
	require.Equal(t, tok, pre.TokenID)

	// The pre_spin gate is gone; only the committed carrier remains.
	_, err = h.svc.PreSpin(ctx, "u1", tok)
	require.ErrorIs(t, err, token.ErrInvalidToken)

	res, err := h.svc.SpinResult(ctx, "u1", tok)
	require.NoError(t, err)
	require.True(t, res.Prize.Equal(decimal.NewFromInt(15)))
	require.Equal(t, 2, res.Index)
	require.True(t, res.Balance.Equal(decimal.NewFromInt(15)))

	_, err = h.svc.SpinResult(ctx, "u1", tok)
	require.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestPreSpinRespectsSpinCap(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")

	for i := 0; i < 2; i++ {
		tok := h.token(t, "u1", schema.TokenPreSpin)
		_, err := h.svc.PreSpin(ctx, "u1", tok)
		require.NoError(t, err)
		_, err = h.svc.SpinResult(ctx, "u1", tok)
		require.NoError(t, err)
	}
	_, err := h.svc.PreSpin(ctx, "u1", h.token(t, "u1", schema.TokenPreSpin))
	require.ErrorIs(t, err, ledger.ErrCapReached)
}

func TestDrawSectorCoversWheel(t *testing.T) {
	h := newHarness(t, 10, 0)
	want := []int{0, 0, 1, 2, 3, 4}
	for i, n := range []int{0, 29, 30, 55, 70, 99} {
		n := n
		h.svc.Draw = func(int) (int, error) { return n, nil }
		p, err := h.svc.drawSector()
		require.NoError(t, err)
		require.Equal(t, want[i], p.Index, "draw %d", n)
	}
}

func TestCompleteTask(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")

	_, err := h.svc.CompleteTask(ctx, "u1", h.token(t, "u1", schema.TokenCompleteTask))
	require.ErrorIs(t, err, ErrMembershipUnavailable)

	h.oracle["u1"] = membership.NotMember
	_, err = h.svc.CompleteTask(ctx, "u1", h.token(t, "u1", schema.TokenCompleteTask))
	require.ErrorIs(t, err, ErrNotMember)

	h.oracle["u1"] = membership.Member
	res, err := h.svc.CompleteTask(ctx, "u1", h.token(t, "u1", schema.TokenCompleteTask))
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(decimal.NewFromInt(50)))

	_, err = h.svc.CompleteTask(ctx, "u1", h.token(t, "u1", schema.TokenCompleteTask))
	require.ErrorIs(t, err, ErrTaskCompleted)
}

func TestRegisterReferral(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()

	h.register(t, "ref", "")
	res, err := h.svc.Register(ctx, "u1", "ref")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "ref", res.User.ReferredBy)

	// A second register only refreshes the login.
	res, err = h.svc.Register(ctx, "u1", "other")
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, "ref", res.User.ReferredBy)

	referrer, err := h.ledger.Get("ref")
	require.NoError(t, err)
	require.Equal(t, 1, referrer.ReferralCount)

	res, err = h.svc.Register(ctx, "u2", "u2")
	require.NoError(t, err)
	require.Empty(t, res.User.ReferredBy)

	res, err = h.svc.Register(ctx, "u3", "ghost")
	require.NoError(t, err)
	require.Empty(t, res.User.ReferredBy)

	_, err = h.svc.Register(ctx, "", "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCommissionPaysOncePerEvent(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "ref", "")
	h.register(t, "u1", "ref")

	ad, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	req := CommissionRequest{RefereeID: "u1", SourceEventID: ad.EventID}
	res, err := h.svc.Commission(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Paid)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("0.15")))

	res, err = h.svc.Commission(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Paid)
	require.True(t, res.Duplicate)

	referrer, err := h.ledger.Get("ref")
	require.NoError(t, err)
	require.True(t, referrer.Balance.Equal(decimal.RequireFromString("0.15")))

	_, err = h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: "nope"})
	require.ErrorIs(t, err, ErrSourceEventNotFound)

	_, err = h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: ad.EventID, ReferrerID: "someone"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCommissionOnlyWithinEventRing(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "ref", "")
	h.register(t, "u1", "ref")

	first, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)
	second, err := h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)

	for i := 0; i < schema.MaxEvents-2; i++ {
		h.credit(t, "u1", 1)
	}
	u, err := h.ledger.Get("u1")
	require.NoError(t, err)
	require.Len(t, u.Events, schema.MaxEvents)
	_, ok := u.Event(first.EventID)
	require.True(t, ok)

	// One more mutation pushes the oldest reward out.
	h.credit(t, "u1", 1)

	_, err = h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: first.EventID})
	require.ErrorIs(t, err, ErrSourceEventNotFound)

	res, err := h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: second.EventID})
	require.NoError(t, err)
	require.True(t, res.Paid)
}

func TestCommissionSkips(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "ref", "")
	h.register(t, "u1", "ref")
	h.register(t, "loner", "")

	ad, err := h.svc.WatchAd(ctx, "loner", h.token(t, "loner", schema.TokenWatchAd))
	require.NoError(t, err)
	res, err := h.svc.Commission(ctx, CommissionRequest{RefereeID: "loner", SourceEventID: ad.EventID})
	require.NoError(t, err)
	require.Equal(t, "no referrer", res.Skipped)

	_, err = h.svc.AdminSetBan(ctx, adminID, "ref", true)
	require.NoError(t, err)
	ad, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)
	res, err = h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: ad.EventID})
	require.NoError(t, err)
	require.Equal(t, "referrer banned", res.Skipped)

	h.svc.cfg.CommissionRate = decimal.RequireFromString("0.00001")
	_, err = h.svc.AdminSetBan(ctx, adminID, "ref", false)
	require.NoError(t, err)
	ad, err = h.svc.WatchAd(ctx, "u1", h.token(t, "u1", schema.TokenWatchAd))
	require.NoError(t, err)
	res, err = h.svc.Commission(ctx, CommissionRequest{RefereeID: "u1", SourceEventID: ad.EventID})
	require.NoError(t, err)
	require.Equal(t, "below epsilon", res.Skipped)
}

func TestWithdrawRoundTrip(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")
	h.credit(t, "u1", 100)

	tok := h.token(t, "u1", schema.TokenWithdraw)
	_, err := h.svc.Withdraw(ctx, "u1", tok, decimal.NewFromInt(5), "dest")
	require.ErrorIs(t, err, withdrawal.ErrBelowMinimum)

	// The rejected request did not burn the token.
	res, err := h.svc.Withdraw(ctx, "u1", tok, decimal.NewFromInt(40), "dest")
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(decimal.NewFromInt(60)))

	_, err = h.svc.Withdraw(ctx, "u1", tok, decimal.NewFromInt(40), "dest")
	require.ErrorIs(t, err, token.ErrInvalidToken)

	pending, err := h.svc.AdminListWithdrawals(adminID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.svc.AdminResolveWithdrawal(ctx, adminID, res.Withdrawal.ID, withdrawal.Reject)
	require.NoError(t, err)
	u, err := h.ledger.Get("u1")
	require.NoError(t, err)
	require.True(t, u.Balance.Equal(decimal.NewFromInt(100)))

	_, err = h.svc.AdminResolveWithdrawal(ctx, adminID, res.Withdrawal.ID, withdrawal.Reject)
	require.ErrorIs(t, err, withdrawal.ErrAlreadyResolved)
	u, err = h.ledger.Get("u1")
	require.NoError(t, err)
	require.True(t, u.Balance.Equal(decimal.NewFromInt(100)))

	state, err := h.svc.State(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, state.Withdrawals, 1)
	require.Equal(t, schema.WithdrawalRejected, state.Withdrawals[0].Status)
	require.False(t, state.IsAdmin)
}

func TestAdminSetBan(t *testing.T) {
	h := newHarness(t, 10, 0)
	ctx := context.Background()
	h.register(t, "u1", "")
	h.register(t, adminID, "")

	_, err := h.svc.AdminSetBan(ctx, "u1", adminID, true)
	require.ErrorIs(t, err, admin.ErrNotAuthorized)

	_, err = h.svc.AdminSetBan(ctx, adminID, adminID, true)
	require.ErrorIs(t, err, admin.ErrSelfTarget)

	_, err = h.svc.AdminSetBan(ctx, adminID, "ghost", true)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	view, err := h.svc.AdminSetBan(ctx, adminID, "u1", true)
	require.NoError(t, err)
	require.True(t, view.Banned)

	_, err = h.svc.State(ctx, "u1")
	require.ErrorIs(t, err, ledger.ErrBanned)
	_, err = h.svc.IssueToken("u1", schema.TokenWatchAd)
	require.ErrorIs(t, err, ledger.ErrBanned)

	state, err := h.svc.State(ctx, adminID)
	require.NoError(t, err)
	require.True(t, state.IsAdmin)

	entries, err := h.journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionBan, entries[0].Action)
}

func TestIssueTokenValidation(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.register(t, "u1", "")

	_, err := h.svc.IssueToken("u1", schema.TokenSpinResult)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.IssueToken("ghost", schema.TokenWatchAd)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
