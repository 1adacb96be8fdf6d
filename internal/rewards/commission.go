package rewards

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

// CommissionRequest asks for the referral share of one referee reward.
type CommissionRequest struct {
	RefereeID     string
	SourceEventID string
	// ReferrerID is optional. When set it must match the referee's referrer.
	ReferrerID string
}

// Commission pays the referrer a share of one referee reward event.
//
// The commission record keyed by the source event is inserted before the
// credit, so each event pays at most once no matter how often the call is
// repeated. A missing or banned referrer and an amount below epsilon are
// skipped, not errors.
func (s *Service) Commission(ctx context.Context, req CommissionRequest) (CommissionResult, error) {
	if req.RefereeID == "" || req.SourceEventID == "" {
		return CommissionResult{}, invalid("missing referee_id or source_event_id")
	}

	referee, err := s.ledger.Get(req.RefereeID)
	if err != nil {
		return CommissionResult{}, err
	}
	ev, ok := referee.Event(req.SourceEventID)
	if !ok {
		return CommissionResult{}, ErrSourceEventNotFound
	}
	switch ev.Kind {
	case schema.EventAd, schema.EventSpin, schema.EventTask:
	default:
		return CommissionResult{}, invalid("event %s is not a reward", ev.ID)
	}

	referrerID := referee.ReferredBy
	if req.ReferrerID != "" && req.ReferrerID != referrerID {
		return CommissionResult{}, invalid("referrer_id does not match the referee's referrer")
	}

	res := CommissionResult{ReferrerID: referrerID, SourceEventID: ev.ID}
	skip := func(reason string) (CommissionResult, error) {
		s.log.Info("commission skipped",
			zap.String("referee_id", req.RefereeID),
			zap.String("referrer_id", referrerID),
			zap.String("source_event_id", ev.ID),
			zap.String("reason", reason))
		res.Skipped = reason
		return res, nil
	}

	if referrerID == "" {
		return skip("no referrer")
	}
	amount := ev.Amount.Mul(s.cfg.CommissionRate)
	if amount.LessThan(s.cfg.Epsilon) {
		return skip("below epsilon")
	}
	res.Amount = amount

	referrer, err := s.ledger.Get(referrerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return skip("referrer not found")
	}
	if err != nil {
		return CommissionResult{}, err
	}
	if referrer.Banned {
		return skip("referrer banned")
	}

	creditEvent := "commission:" + ev.ID
	record := schema.CommissionRecord{
		SourceEventID: ev.ID,
		ReferrerID:    referrerID,
		RefereeID:     req.RefereeID,
		SourceAmount:  ev.Amount,
		Amount:        amount,
		CreditEvent:   creditEvent,
		CreatedAt:     s.now(),
	}
	scope := sdk.App(s.store, referrerID, schema.AppCommissions)
	if err := scope.Insert(ev.ID, record); errors.Is(err, sdk.ErrVersionConflict) {
		res.Duplicate = true
		return res, nil
	} else if err != nil {
		return CommissionResult{}, fmt.Errorf("record commission: %w", err)
	}

	u, _, err := s.ledger.Apply(ctx, referrerID, ledger.Mutation{
		Kind:    schema.EventCommission,
		EventID: creditEvent,
		Delta:   amount,
	})
	if err != nil {
		if _, terr := scope.Take(ev.ID); terr != nil {
			s.log.Error("commission record left without credit",
				zap.String("referrer_id", referrerID),
				zap.String("source_event_id", ev.ID),
				zap.NamedError("credit_error", err),
				zap.NamedError("cleanup_error", terr))
		}
		if errors.Is(err, ledger.ErrBanned) {
			return skip("referrer banned")
		}
		return CommissionResult{}, err
	}

	s.audit.Log(ctx, "service", audit.ActionCommissionPaid, referrerID,
		fmt.Sprintf("referee_id=%s source_event_id=%s amount=%s", req.RefereeID, ev.ID, amount))
	res.Paid = true
	res.ReferrerBalance = &u.Balance
	return res, nil
}
