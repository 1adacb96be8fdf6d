package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/identity"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/rewards"
	"github.com/celerix-dev/celerix-rewards/internal/token"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
)

// Request kinds.
const (
	KindRegister       = "register"
	KindFetchUserState = "fetch-user-state"
	KindWatchAd        = "watch-ad"
	KindGenerateToken  = "generate-action-token"
	KindPreSpin        = "pre-spin"
	KindSpinResult     = "spin-result"
	KindCompleteTask   = "complete-task"
	KindCommission     = "request-commission"
	KindWithdraw       = "withdraw"
	KindAdminList      = "admin-list-withdrawals"
	KindAdminResolve   = "admin-resolve-withdrawal"
	KindAdminSetBan    = "admin-set-ban"
)

// Error categories carried in the envelope.
const (
	StatusBadRequest      = "bad_request"
	StatusUnauthenticated = "unauthenticated"
	StatusForbidden       = "forbidden"
	StatusRateLimited     = "rate_limited"
	StatusConflict        = "conflict"
	StatusNotFound        = "not_found"
	StatusInternal        = "internal"
)

// ID accepts a numeric user id as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s != "" {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				return errors.New("id must be an integer")
			}
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return errors.New("id must be an integer or string")
	}
	*id = ID(n.String())
	return nil
}

// Request is the single envelope every operation arrives in.
type Request struct {
	Type     string `json:"type"`
	UserID   ID     `json:"user_id"`
	InitData string `json:"init_data"`

	TokenID    string `json:"token_id"`
	ActionType string `json:"action_type"`
	RefBy      ID     `json:"ref_by"`

	Amount      decimal.NullDecimal `json:"amount"`
	Destination string              `json:"destination"`

	RequestID    string `json:"request_id"`
	Decision     string `json:"decision"`
	TargetUserID ID     `json:"target_user_id"`
	Banned       *bool  `json:"banned"`

	RefereeID     ID     `json:"referee_id"`
	SourceEventID string `json:"source_event_id"`
	ReferrerID    ID     `json:"referrer_id"`
}

// Response is either {"ok":true,"data":...} or {"ok":false,"error":...,"status":...}.
type Response struct {
	OK           bool   `json:"ok"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	Status       string `json:"status,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{OK: true, Data: data})
}

func failure(c *gin.Context, code int, category, msg string) {
	c.JSON(code, Response{Error: msg, Status: category})
}

// classified is an error mapped onto the response taxonomy.
type classified struct {
	code       int
	category   string
	message    string
	retryAfter int64
}

func classify(err error) classified {
	var pe *ledger.PaceError
	switch {
	case errors.As(err, &pe):
		return classified{http.StatusTooManyRequests, StatusRateLimited, err.Error(), pe.Wait.Milliseconds()}

	case errors.Is(err, rewards.ErrInvalidInput),
		errors.Is(err, withdrawal.ErrBelowMinimum),
		errors.Is(err, withdrawal.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrNoDestination),
		errors.Is(err, withdrawal.ErrInvalidDecision),
		errors.Is(err, token.ErrNotIssuable):
		return classified{http.StatusBadRequest, StatusBadRequest, err.Error(), 0}

	case errors.Is(err, identity.ErrMissing),
		errors.Is(err, identity.ErrInvalid),
		errors.Is(err, identity.ErrExpired),
		errors.Is(err, identity.ErrMismatch),
		errors.Is(err, errServiceAuth):
		return classified{http.StatusUnauthorized, StatusUnauthenticated, err.Error(), 0}

	case errors.Is(err, ledger.ErrBanned),
		errors.Is(err, admin.ErrNotAuthorized),
		errors.Is(err, admin.ErrSelfTarget),
		errors.Is(err, rewards.ErrNotMember):
		return classified{http.StatusForbidden, StatusForbidden, err.Error(), 0}

	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrMissingPayload),
		errors.Is(err, ledger.ErrCapReached),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, withdrawal.ErrAlreadyResolved),
		errors.Is(err, rewards.ErrTaskCompleted):
		return classified{http.StatusConflict, StatusConflict, err.Error(), 0}

	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, withdrawal.ErrNotFound),
		errors.Is(err, rewards.ErrSourceEventNotFound):
		return classified{http.StatusNotFound, StatusNotFound, err.Error(), 0}

	case errors.Is(err, rewards.ErrMembershipUnavailable):
		return classified{http.StatusInternalServerError, StatusInternal, err.Error(), 0}
	}
	return classified{http.StatusInternalServerError, StatusInternal, "internal error", 0}
}
