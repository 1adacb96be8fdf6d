// Package token issues and consumes single-use action tokens.
//
// A token is either a gate (permission to perform one action of a kind) or a
// committed carrier holding a result fixed before the action was redeemed.
// Consumption is a single atomic Take on the store, so of any number of
// concurrent presentations of one id exactly one succeeds.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/metrics"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

var (
	// ErrInvalidToken covers unknown, expired, consumed and mismatched tokens alike.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrMissingPayload means a committed token arrived without its result.
	ErrMissingPayload = errors.New("token carries no committed result")
	// ErrNotIssuable is returned for kinds that only exist through Commit.
	ErrNotIssuable = errors.New("token kind cannot be requested")
)

// DefaultTTL is how long an issued or committed token stays live.
const DefaultTTL = 60 * time.Second

// Authority owns the tokens app of every user.
type Authority struct {
	store sdk.Store
	ttl   time.Duration
	log   *zap.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewAuthority creates an Authority. A non-positive ttl means DefaultTTL.
func NewAuthority(store sdk.Store, ttl time.Duration, log *zap.Logger) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authority{store: store, ttl: ttl, log: log, Now: time.Now}
}

// TTL reports the validity window.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// Issue creates a live gate token for (userID, kind) and returns its id.
func (a *Authority) Issue(userID string, kind schema.TokenKind) (string, error) {
	if !kind.Issuable() {
		return "", ErrNotIssuable
	}

	now := a.Now()
	tok := schema.ActionToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		State:     schema.TokenGate,
		CreatedAt: now,
	}
	if err := sdk.App(a.store, userID, schema.AppTokens).Insert(tok.ID, tok); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	metrics.ActionTokens.WithLabelValues("issued").Inc()

	a.sweep(userID, kind, tok.ID, now)
	return tok.ID, nil
}

// sweep drops expired tokens of the same user and kind. Failures are ignored.
func (a *Authority) sweep(userID string, kind schema.TokenKind, keep string, now time.Time) {
	scope := sdk.App(a.store, userID, schema.AppTokens)
	all, err := scope.All()
	if err != nil {
		a.log.Debug("token sweep skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for id, tok := range sdk.DecodeAll[schema.ActionToken](all) {
		if id == keep || tok.Kind != kind || !a.expired(tok, now) {
			continue
		}
		if _, err := scope.Take(id); err == nil {
			metrics.ActionTokens.WithLabelValues("swept").Inc()
		}
	}
}

func (a *Authority) expired(tok schema.ActionToken, now time.Time) bool {
	return now.Sub(tok.CreatedAt) > a.ttl
}

// consume takes the token out of the store and checks it against the
// expectation. A token taken with the wrong kind or state is put back so the
// rightful holder can still use it; an expired one stays gone.
func (a *Authority) consume(userID, tokenID string, kind schema.TokenKind, state schema.TokenState) (schema.ActionToken, error) {
	if uuid.Validate(tokenID) != nil {
		metrics.ActionTokens.WithLabelValues("rejected").Inc()
		return schema.ActionToken{}, ErrInvalidToken
	}

	tok, err := sdk.Take[schema.ActionToken](a.store, userID, schema.AppTokens, tokenID)
	switch {
	case errors.Is(err, sdk.ErrKeyNotFound), errors.Is(err, sdk.ErrAppNotFound), errors.Is(err, sdk.ErrPersonaNotFound):
		metrics.ActionTokens.WithLabelValues("rejected").Inc()
		return schema.ActionToken{}, ErrInvalidToken
	case err != nil:
		return schema.ActionToken{}, fmt.Errorf("consume token: %w", err)
	}

	if tok.Kind != kind || tok.State != state || tok.UserID != userID {
		if err := sdk.App(a.store, userID, schema.AppTokens).Insert(tokenID, tok); err != nil {
			a.log.Warn("could not restore mismatched token",
				zap.String("user_id", userID), zap.String("token_id", tokenID), zap.Error(err))
		}
		metrics.ActionTokens.WithLabelValues("rejected").Inc()
		return schema.ActionToken{}, ErrInvalidToken
	}

	if a.expired(tok, a.Now()) {
		metrics.ActionTokens.WithLabelValues("expired").Inc()
		return schema.ActionToken{}, ErrInvalidToken
	}

	metrics.ActionTokens.WithLabelValues("consumed").Inc()
	return tok, nil
}

// ValidateAndConsume spends a live gate token of the expected kind.
func (a *Authority) ValidateAndConsume(userID, tokenID string, kind schema.TokenKind) error {
	_, err := a.consume(userID, tokenID, kind, schema.TokenGate)
	return err
}

// ValidateConsumeAndExtract spends a committed token and returns its result.
func (a *Authority) ValidateConsumeAndExtract(userID, tokenID string, kind schema.TokenKind) (schema.SpinPrize, error) {
	tok, err := a.consume(userID, tokenID, kind, schema.TokenCommitted)
	if err != nil {
		return schema.SpinPrize{}, err
	}
	if tok.Payload == nil {
		a.log.Warn("committed token without payload",
			zap.String("user_id", userID), zap.String("token_id", tokenID))
		return schema.SpinPrize{}, ErrMissingPayload
	}
	return *tok.Payload, nil
}

// Commit binds a result to an already consumed token id under a new kind, with
// a fresh validity window. It fails if a token with that id is still live.
func (a *Authority) Commit(userID, tokenID string, kind schema.TokenKind, payload schema.SpinPrize) error {
	tok := schema.ActionToken{
		ID:        tokenID,
		UserID:    userID,
		Kind:      kind,
		State:     schema.TokenCommitted,
		Payload:   &payload,
		CreatedAt: a.Now(),
	}
	err := sdk.App(a.store, userID, schema.AppTokens).Insert(tokenID, tok)
	if errors.Is(err, sdk.ErrVersionConflict) {
		return fmt.Errorf("commit token %s: %w", tokenID, ErrInvalidToken)
	}
	if err != nil {
		return fmt.Errorf("commit token: %w", err)
	}
	metrics.ActionTokens.WithLabelValues("committed").Inc()
	return nil
}
