// Package handler exposes the reward operations over HTTP as a single
// envelope endpoint.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/identity"
	"github.com/celerix-dev/celerix-rewards/internal/rewards"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
)

// ServiceSubject is the JWT subject of the commission caller.
const ServiceSubject = "commission"

var errServiceAuth = errors.New("invalid service credential")

type Handler struct {
	svc      *rewards.Service
	verifier *identity.Verifier
	secret   []byte
	log      *zap.Logger

	// StrictAdmin also requires valid init data on admin kinds.
	StrictAdmin bool
}

// New creates a Handler. An empty serviceSecret leaves the commission call
// unauthenticated, for deployments that only expose it on a private network.
func New(svc *rewards.Service, verifier *identity.Verifier, serviceSecret string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{svc: svc, verifier: verifier, log: log}
	if serviceSecret != "" {
		h.secret = []byte(serviceSecret)
	}
	return h
}

// Handle is the POST /api endpoint.
func (h *Handler) Handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Type == "" {
		failure(c, http.StatusBadRequest, StatusBadRequest, `missing "type" field`)
		return
	}
	c.Set("request_type", req.Type)

	if err := h.authenticate(c, &req); err != nil {
		h.fail(c, &req, err)
		return
	}

	data, err := h.dispatch(c, &req)
	if err != nil {
		h.fail(c, &req, err)
		return
	}
	success(c, data)
}

func (h *Handler) authenticate(c *gin.Context, req *Request) error {
	switch req.Type {
	case KindCommission:
		return h.checkService(c)
	case KindAdminList, KindAdminResolve, KindAdminSetBan:
		if req.UserID == "" {
			return errMissingUser
		}
		if !h.StrictAdmin {
			return nil
		}
	}
	if req.UserID == "" {
		return errMissingUser
	}
	_, err := h.verifier.VerifyFor(req.InitData, string(req.UserID))
	return err
}

var errMissingUser = fmt.Errorf("%w: missing user_id", rewards.ErrInvalidInput)

func (h *Handler) checkService(c *gin.Context) error {
	if h.secret == nil {
		return nil
	}
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return errServiceAuth
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(ServiceSubject), jwt.WithExpirationRequired())
	if err != nil {
		h.log.Warn("service credential rejected", zap.Error(err))
		return errServiceAuth
	}
	return nil
}

func (h *Handler) fail(c *gin.Context, req *Request, err error) {
	cl := classify(err)
	if cl.code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("type", req.Type),
			zap.String("user_id", string(req.UserID)),
			zap.Error(err))
	} else {
		h.log.Debug("request rejected",
			zap.String("type", req.Type),
			zap.String("user_id", string(req.UserID)),
			zap.String("status", cl.category),
			zap.Error(err))
	}
	c.JSON(cl.code, Response{Error: cl.message, Status: cl.category, RetryAfterMS: cl.retryAfter})
}

func (h *Handler) dispatch(c *gin.Context, req *Request) (any, error) {
	ctx := c.Request.Context()
	userID := string(req.UserID)

	switch req.Type {
	case KindRegister:
		return h.svc.Register(ctx, userID, string(req.RefBy))

	case KindFetchUserState:
		return h.svc.State(ctx, userID)

	case KindGenerateToken:
		if req.ActionType == "" {
			return nil, fmt.Errorf("%w: missing action_type", rewards.ErrInvalidInput)
		}
		return h.svc.IssueToken(userID, schema.TokenKind(req.ActionType))

	case KindWatchAd:
		return h.svc.WatchAd(ctx, userID, req.TokenID)

	case KindPreSpin:
		return h.svc.PreSpin(ctx, userID, req.TokenID)

	case KindSpinResult:
		return h.svc.SpinResult(ctx, userID, req.TokenID)

	case KindCompleteTask:
		return h.svc.CompleteTask(ctx, userID, req.TokenID)

	case KindWithdraw:
		if !req.Amount.Valid {
			return nil, fmt.Errorf("%w: missing amount", rewards.ErrInvalidInput)
		}
		return h.svc.Withdraw(ctx, userID, req.TokenID, req.Amount.Decimal, req.Destination)

	case KindCommission:
		return h.svc.Commission(ctx, rewards.CommissionRequest{
			RefereeID:     string(req.RefereeID),
			SourceEventID: req.SourceEventID,
			ReferrerID:    string(req.ReferrerID),
		})

	case KindAdminList:
		pending, err := h.svc.AdminListWithdrawals(userID)
		if err != nil {
			return nil, err
		}
		return gin.H{"pending_withdrawals": pending}, nil

	case KindAdminResolve:
		return h.svc.AdminResolveWithdrawal(ctx, userID, req.RequestID, withdrawal.Decision(req.Decision))

	case KindAdminSetBan:
		banned := true
		if req.Banned != nil {
			banned = *req.Banned
		}
		return h.svc.AdminSetBan(ctx, userID, string(req.TargetUserID), banned)
	}
	return nil, fmt.Errorf("%w: unknown request type %q", rewards.ErrInvalidInput, req.Type)
}
