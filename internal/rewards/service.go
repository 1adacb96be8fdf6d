// Package rewards implements the user-facing operations. Each method checks
// its token first, then hands the balance change to the ledger, so every
// reward kind shares the same ban, pacing and quota path.
package rewards

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/membership"
	"github.com/celerix-dev/celerix-rewards/internal/quota"
	"github.com/celerix-dev/celerix-rewards/internal/token"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

var (
	// ErrInvalidInput marks malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTaskCompleted is returned for a second completion of the one-time task.
	ErrTaskCompleted = errors.New("task already completed")
	// ErrNotMember means the membership oracle said no.
	ErrNotMember = errors.New("not a member of the task channel")
	// ErrMembershipUnavailable means the oracle could not answer. It is a denial.
	ErrMembershipUnavailable = errors.New("membership could not be verified")
	// ErrSourceEventNotFound means the referee has no such recent reward.
	ErrSourceEventNotFound = errors.New("source reward event not found")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Sector is one slice of the prize wheel.
type Sector struct {
	Prize  decimal.Decimal
	Weight int
}

// Config holds the reward rules.
type Config struct {
	AdReward       decimal.Decimal
	TaskReward     decimal.Decimal
	CommissionRate decimal.Decimal
	Epsilon        decimal.Decimal
	Sectors        []Sector
	// TaskChannel is the chat the one-time task requires membership of.
	TaskChannel string
}

// DefaultSectors is the stock prize wheel.
func DefaultSectors() []Sector {
	prizes := []int64{5, 10, 15, 20, 5}
	weights := []int{30, 25, 15, 5, 25}
	out := make([]Sector, len(prizes))
	for i := range prizes {
		out[i] = Sector{Prize: decimal.NewFromInt(prizes[i]), Weight: weights[i]}
	}
	return out
}

// Service wires the components behind the request kinds.
type Service struct {
	store       sdk.Store
	ledger      *ledger.Ledger
	tokens      *token.Authority
	withdrawals *withdrawal.Manager
	policy      admin.Policy
	oracle      membership.Oracle
	audit       *audit.Recorder
	cfg         Config
	log         *zap.Logger

	// Draw returns a uniform integer in [0, n). Tests replace it.
	Draw func(n int) (int, error)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store       sdk.Store
	Ledger      *ledger.Ledger
	Tokens      *token.Authority
	Withdrawals *withdrawal.Manager
	Policy      admin.Policy
	Oracle      membership.Oracle
	Audit       *audit.Recorder
	Logger      *zap.Logger
}

func New(d Deps, cfg Config) *Service {
	if len(cfg.Sectors) == 0 {
		cfg.Sectors = DefaultSectors()
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:       d.Store,
		ledger:      d.Ledger,
		tokens:      d.Tokens,
		withdrawals: d.Withdrawals,
		policy:      d.Policy,
		oracle:      d.Oracle,
		audit:       d.Audit,
		cfg:         cfg,
		log:         log,
		Draw:        cryptoDraw,
	}
}

func cryptoDraw(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

func (s *Service) now() time.Time {
	return s.ledger.Now()
}

// --- Accounts ---

// Register creates the user on first contact and refreshes the login time
// afterwards. A referrer is only recorded at creation, and only if it exists
// and is not the user itself.
func (s *Service) Register(ctx context.Context, userID, referrerID string) (RegisterResult, error) {
	if userID == "" {
		return RegisterResult{}, invalid("missing user_id")
	}

	now := s.now()
	u := schema.User{ID: userID, LastLoginAt: now, CreatedAt: now}
	if referrerID != "" && referrerID != userID {
		if _, err := s.ledger.Get(referrerID); err == nil {
			u.ReferredBy = referrerID
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return RegisterResult{}, err
		}
	}

	err := s.ledger.Create(u)
	if errors.Is(err, ledger.ErrExists) {
		u, err = s.ledger.Update(ctx, userID, func(u *schema.User, now time.Time) (bool, error) {
			u.LastLoginAt = now
			return true, nil
		})
		if err != nil {
			return RegisterResult{}, err
		}
		return RegisterResult{Created: false, User: s.view(u)}, nil
	}
	if err != nil {
		return RegisterResult{}, err
	}

	if u.ReferredBy != "" {
		_, err := s.ledger.Update(ctx, u.ReferredBy, func(r *schema.User, _ time.Time) (bool, error) {
			r.ReferralCount++
			return true, nil
		})
		if err != nil {
			s.log.Warn("referral count not updated",
				zap.String("user_id", userID), zap.String("referrer_id", u.ReferredBy), zap.Error(err))
		}
	}

	s.log.Info("user registered", zap.String("user_id", userID), zap.String("referrer_id", u.ReferredBy))
	return RegisterResult{Created: true, User: s.view(u)}, nil
}

// State returns the user's balance, quotas and withdrawal history, applying
// any quota resets that are due.
func (s *Service) State(ctx context.Context, userID string) (UserState, error) {
	u, err := s.ledger.RefreshQuotas(ctx, userID)
	if err != nil {
		return UserState{}, err
	}
	if u.Banned {
		return UserState{}, ledger.ErrBanned
	}

	history, err := s.withdrawals.History(userID)
	if err != nil {
		return UserState{}, err
	}

	st := UserState{
		UserView:      s.view(u),
		IsAdmin:       s.policy != nil && s.policy.IsAuthorized(userID, admin.ListWithdrawals),
		MinWithdrawal: s.withdrawals.Minimum(),
		Withdrawals:   make([]WithdrawalView, 0, len(history)),
	}
	for _, w := range history {
		st.Withdrawals = append(st.Withdrawals, withdrawalView(w))
	}
	return st, nil
}

func (s *Service) view(u schema.User) UserView {
	v := UserView{
		ID:            u.ID,
		Balance:       u.Balance,
		TaskCompleted: u.TaskCompleted,
		ReferredBy:    u.ReferredBy,
		ReferralCount: u.ReferralCount,
		Banned:        u.Banned,
	}
	v.Ads = s.quotaView(u, quota.KindAd)
	v.Spins = s.quotaView(u, quota.KindSpin)
	return v
}

func (s *Service) quotaView(u schema.User, kind string) QuotaView {
	w := u.Quota(kind)
	p, ok := s.ledger.Policy(kind)
	if !ok {
		return QuotaView{Count: w.Count}
	}
	_, remaining := p.CheckAndMaybeReset(&w, s.now())
	qv := QuotaView{Count: w.Count, Cap: p.Cap, Remaining: remaining}
	if at, ok := p.ResetsAt(w); ok && w.Count >= p.Cap {
		qv.ResetsAt = &at
	}
	return qv
}

// --- Tokens ---

// IssueToken hands out a gate token for kind to an existing, unbanned user.
func (s *Service) IssueToken(userID string, kind schema.TokenKind) (TokenResult, error) {
	if !kind.Issuable() {
		return TokenResult{}, invalid("unknown action type %q", kind)
	}
	u, err := s.ledger.Get(userID)
	if err != nil {
		return TokenResult{}, err
	}
	if u.Banned {
		return TokenResult{}, ledger.ErrBanned
	}

	id, err := s.tokens.Issue(userID, kind)
	if err != nil {
		return TokenResult{}, err
	}
	return TokenResult{TokenID: id, Kind: kind, ExpiresAt: s.now().Add(s.tokens.TTL())}, nil
}

// --- Rewards ---

func (s *Service) rewardResult(u schema.User, ev schema.RewardEvent, kind string) RewardResult {
	return RewardResult{
		EventID: ev.ID,
		Reward:  ev.Amount,
		Balance: u.Balance,
		Quota:   s.quotaView(u, kind),
	}
}

// WatchAd credits the fixed ad reward against the ad quota.
// A paced or capped user keeps the token.
func (s *Service) WatchAd(ctx context.Context, userID, tokenID string) (RewardResult, error) {
	m := ledger.Mutation{
		Kind:  schema.EventAd,
		Delta: s.cfg.AdReward,
		Quota: quota.KindAd,
		Pace:  true,
	}
	if _, err := s.ledger.Check(userID, m); err != nil {
		return RewardResult{}, err
	}
	if err := s.tokens.ValidateAndConsume(userID, tokenID, schema.TokenWatchAd); err != nil {
		return RewardResult{}, err
	}
	u, ev, err := s.ledger.Apply(ctx, userID, m)
	if err != nil {
		return RewardResult{}, err
	}
	s.log.Info("ad reward applied", zap.String("user_id", userID), zap.String("event_id", ev.ID))
	return s.rewardResult(u, ev, quota.KindAd), nil
}

// PreSpin spends a pre_spin token, draws the prize and binds it to the same
// token id as a spin_result carrier. The prize is revealed on redemption.
func (s *Service) PreSpin(ctx context.Context, userID, tokenID string) (PreSpinResult, error) {
	if err := s.tokens.ValidateAndConsume(userID, tokenID, schema.TokenPreSpin); err != nil {
		return PreSpinResult{}, err
	}
	if _, err := s.ledger.Check(userID, ledger.Mutation{Kind: schema.EventSpin, Quota: quota.KindSpin}); err != nil {
		return PreSpinResult{}, err
	}

	prize, err := s.drawSector()
	if err != nil {
		return PreSpinResult{}, err
	}
	if err := s.tokens.Commit(userID, tokenID, schema.TokenSpinResult, prize); err != nil {
		return PreSpinResult{}, err
	}
	return PreSpinResult{TokenID: tokenID, ExpiresAt: s.now().Add(s.tokens.TTL())}, nil
}

func (s *Service) drawSector() (schema.SpinPrize, error) {
	total := 0
	for _, sec := range s.cfg.Sectors {
		total += sec.Weight
	}
	if total <= 0 {
		return schema.SpinPrize{}, errors.New("prize wheel has no weight")
	}
	n, err := s.Draw(total)
	if err != nil {
		return schema.SpinPrize{}, fmt.Errorf("draw prize: %w", err)
	}
	for i, sec := range s.cfg.Sectors {
		if n < sec.Weight {
			return schema.SpinPrize{Prize: sec.Prize, Index: i}, nil
		}
		n -= sec.Weight
	}
	last := len(s.cfg.Sectors) - 1
	return schema.SpinPrize{Prize: s.cfg.Sectors[last].Prize, Index: last}, nil
}

// SpinResult redeems a committed spin and credits its prize. A spin refused
// for pacing keeps its committed prize, so the call can be repeated once the
// wait has passed.
func (s *Service) SpinResult(ctx context.Context, userID, tokenID string) (SpinResult, error) {
	m := ledger.Mutation{Kind: schema.EventSpin, Quota: quota.KindSpin, Pace: true}
	if _, err := s.ledger.Check(userID, m); err != nil {
		return SpinResult{}, err
	}
	prize, err := s.tokens.ValidateConsumeAndExtract(userID, tokenID, schema.TokenSpinResult)
	if err != nil {
		return SpinResult{}, err
	}
	m.Delta = prize.Prize
	u, ev, err := s.ledger.Apply(ctx, userID, m)
	var pe *ledger.PaceError
	if errors.As(err, &pe) {
		if cerr := s.tokens.Commit(userID, tokenID, schema.TokenSpinResult, prize); cerr != nil {
			s.log.Error("could not restore paced spin",
				zap.String("user_id", userID), zap.String("token_id", tokenID), zap.Error(cerr))
		}
	}
	if err != nil {
		return SpinResult{}, err
	}
	s.log.Info("spin reward applied",
		zap.String("user_id", userID), zap.String("event_id", ev.ID), zap.String("prize", prize.Prize.String()))
	return SpinResult{
		RewardResult: s.rewardResult(u, ev, quota.KindSpin),
		Prize:        prize.Prize,
		Index:        prize.Index,
	}, nil
}

// CompleteTask pays the one-time task reward once membership is confirmed.
func (s *Service) CompleteTask(ctx context.Context, userID, tokenID string) (RewardResult, error) {
	m := ledger.Mutation{
		Kind:  schema.EventTask,
		Delta: s.cfg.TaskReward,
		Pace:  true,
		Guard: func(u *schema.User) error {
			if u.TaskCompleted {
				return ErrTaskCompleted
			}
			return nil
		},
		Effect: func(u *schema.User) { u.TaskCompleted = true },
	}
	if _, err := s.ledger.Check(userID, m); err != nil {
		return RewardResult{}, err
	}
	if err := s.tokens.ValidateAndConsume(userID, tokenID, schema.TokenCompleteTask); err != nil {
		return RewardResult{}, err
	}

	if s.oracle == nil {
		return RewardResult{}, ErrMembershipUnavailable
	}
	switch s.oracle.Check(userID, s.cfg.TaskChannel) {
	case membership.Member:
	case membership.NotMember:
		return RewardResult{}, ErrNotMember
	default:
		return RewardResult{}, ErrMembershipUnavailable
	}

	u, ev, err := s.ledger.Apply(ctx, userID, m)
	if err != nil {
		return RewardResult{}, err
	}
	s.log.Info("task reward applied", zap.String("user_id", userID), zap.String("event_id", ev.ID))
	return RewardResult{EventID: ev.ID, Reward: ev.Amount, Balance: u.Balance}, nil
}

// --- Withdrawals ---

// Withdraw spends a withdraw token and creates a pending request.
// Field validation happens first so a malformed request keeps its token.
func (s *Service) Withdraw(ctx context.Context, userID, tokenID string, amount decimal.Decimal, destination string) (WithdrawResult, error) {
	if !amount.IsPositive() {
		return WithdrawResult{}, invalid("amount must be positive")
	}
	if amount.LessThan(s.withdrawals.Minimum()) {
		return WithdrawResult{}, fmt.Errorf("%w of %s", withdrawal.ErrBelowMinimum, s.withdrawals.Minimum())
	}
	if destination == "" {
		return WithdrawResult{}, withdrawal.ErrNoDestination
	}
	if err := s.tokens.ValidateAndConsume(userID, tokenID, schema.TokenWithdraw); err != nil {
		return WithdrawResult{}, err
	}

	w, err := s.withdrawals.Create(ctx, userID, amount, destination)
	if err != nil {
		return WithdrawResult{}, err
	}
	u, err := s.ledger.Get(userID)
	if err != nil {
		return WithdrawResult{}, err
	}
	return WithdrawResult{Withdrawal: withdrawalView(w), Balance: u.Balance}, nil
}

// --- Admin ---

// AdminListWithdrawals lists pending requests, oldest first.
func (s *Service) AdminListWithdrawals(adminID string) ([]WithdrawalView, error) {
	pending, err := s.withdrawals.ListPending(adminID)
	if err != nil {
		return nil, err
	}
	out := make([]WithdrawalView, 0, len(pending))
	for _, w := range pending {
		out = append(out, withdrawalView(w))
	}
	return out, nil
}

// AdminResolveWithdrawal completes or rejects a pending request.
func (s *Service) AdminResolveWithdrawal(ctx context.Context, adminID, requestID string, decision withdrawal.Decision) (WithdrawalView, error) {
	if requestID == "" {
		return WithdrawalView{}, invalid("missing request_id")
	}
	w, err := s.withdrawals.Resolve(ctx, adminID, requestID, decision)
	if err != nil {
		return WithdrawalView{}, err
	}
	return withdrawalView(w), nil
}

// AdminSetBan bans or unbans a user. Admins cannot target themselves.
func (s *Service) AdminSetBan(ctx context.Context, adminID, targetID string, banned bool) (UserView, error) {
	if err := admin.Authorize(s.policy, adminID, admin.SetBan); err != nil {
		return UserView{}, err
	}
	if targetID == "" {
		return UserView{}, invalid("missing target_user_id")
	}
	if targetID == adminID {
		return UserView{}, admin.ErrSelfTarget
	}

	u, err := s.ledger.Update(ctx, targetID, func(u *schema.User, now time.Time) (bool, error) {
		if u.Banned == banned {
			return false, nil
		}
		u.Banned = banned
		if banned {
			at := now
			u.BannedBy = adminID
			u.BannedAt = &at
		} else {
			u.BannedBy = ""
			u.BannedAt = nil
		}
		return true, nil
	})
	if err != nil {
		return UserView{}, err
	}

	action := audit.ActionUnban
	if banned {
		action = audit.ActionBan
	}
	s.audit.Log(ctx, adminID, action, targetID, "")
	s.log.Info("ban state changed",
		zap.String("admin_id", adminID), zap.String("user_id", targetID), zap.Bool("banned", banned))
	return s.view(u), nil
}
