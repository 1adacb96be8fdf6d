package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/identity"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/membership"
	"github.com/celerix-dev/celerix-rewards/internal/quota"
	"github.com/celerix-dev/celerix-rewards/internal/rewards"
	"github.com/celerix-dev/celerix-rewards/internal/token"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
	"github.com/celerix-dev/celerix-rewards/pkg/engine"
)

const (
	botToken = "42:test-bot"
	secret   = "service-secret"
	adminID  = "900"
)

type testEnv struct {
	router   *gin.Engine
	handler  *Handler
	verifier *identity.Verifier
	ledger   *ledger.Ledger
}

func setupTestRouter(t *testing.T, pacing time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := engine.NewMemStore(nil, nil)
	l := ledger.New(store, ledger.Options{
		Quotas: map[string]quota.Policy{
			quota.KindAd:   {Cap: 2, Period: time.Hour},
			quota.KindSpin: {Cap: 2, Period: time.Hour},
		},
		Pacing: pacing,
	}, nil)
	tokens := token.NewAuthority(store, time.Minute, nil)
	policy := admin.SingleAdmin{ID: adminID}
	rec := audit.NewRecorder(audit.NewStoreJournal(store), nil)
	wm := withdrawal.New(store, l, policy, nil, rec, withdrawal.Options{Minimum: decimal.NewFromInt(5)}, nil)

	svc := rewards.New(rewards.Deps{
		Store:       store,
		Ledger:      l,
		Tokens:      tokens,
		Withdrawals: wm,
		Policy:      policy,
		Oracle:      membership.Static{},
		Audit:       rec,
	}, rewards.Config{
		AdReward:       decimal.NewFromInt(3),
		TaskReward:     decimal.NewFromInt(50),
		CommissionRate: decimal.RequireFromString("0.1"),
		Epsilon:        decimal.RequireFromString("0.0001"),
		TaskChannel:    "@rewards",
	})

	verifier := identity.NewVerifier(botToken, 0)
	h := New(svc, verifier, secret, nil)
	return &testEnv{router: NewRouter(h, nil, zap.NewNop()), handler: h, verifier: verifier, ledger: l}
}

func (e *testEnv) initData(userID string) string {
	values := url.Values{}
	values.Set("user", `{"id":`+userID+`,"first_name":"T"}`)
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("hash", e.verifier.Sign(values))
	return values.Encode()
}

func (e *testEnv) post(t *testing.T, body map[string]any, header http.Header) (int, Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, "/api", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

// call sends an authenticated end-user request.
func (e *testEnv) call(t *testing.T, kind, userID string, fields map[string]any) (int, Response) {
	t.Helper()
	body := map[string]any{"type": kind, "user_id": userID, "init_data": e.initData(userID)}
	for k, v := range fields {
		body[k] = v
	}
	return e.post(t, body, nil)
}

func field(t *testing.T, resp Response, name string) any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m[name]
}

func serviceToken(t *testing.T, key, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	s, err := tok.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestWatchAdFlow(t *testing.T) {
	env := setupTestRouter(t, 0)

	code, resp := env.call(t, KindRegister, "101", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.OK)

	for i := 0; i < 2; i++ {
		_, resp = env.call(t, KindGenerateToken, "101", map[string]any{"action_type": "watch_ad"})
		require.True(t, resp.OK)
		tokenID := field(t, resp, "token_id").(string)

		code, resp = env.call(t, KindWatchAd, "101", map[string]any{"token_id": tokenID})
		require.Equal(t, http.StatusOK, code, resp.Error)
		require.Equal(t, strconv.Itoa(3*(i+1)), field(t, resp, "new_balance"))
	}

	_, resp = env.call(t, KindGenerateToken, "101", map[string]any{"action_type": "watch_ad"})
	tokenID := field(t, resp, "token_id").(string)
	code, resp = env.call(t, KindWatchAd, "101", map[string]any{"token_id": tokenID})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, StatusConflict, resp.Status)
	require.False(t, resp.OK)
}

func TestTokenReplayIsConflict(t *testing.T) {
	env := setupTestRouter(t, 0)
	env.call(t, KindRegister, "102", nil)

	_, resp := env.call(t, KindGenerateToken, "102", map[string]any{"action_type": "watch_ad"})
	tokenID := field(t, resp, "token_id").(string)

	code, _ := env.call(t, KindWatchAd, "102", map[string]any{"token_id": tokenID})
	require.Equal(t, http.StatusOK, code)
	code, resp = env.call(t, KindWatchAd, "102", map[string]any{"token_id": tokenID})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, StatusConflict, resp.Status)
}

func TestPacingReportsRetryAfter(t *testing.T) {
	env := setupTestRouter(t, time.Hour)
	env.call(t, KindRegister, "103", nil)

	for i := 0; i < 2; i++ {
		_, resp := env.call(t, KindGenerateToken, "103", map[string]any{"action_type": "watch_ad"})
		tokenID := field(t, resp, "token_id").(string)
		code, resp := env.call(t, KindWatchAd, "103", map[string]any{"token_id": tokenID})
		if i == 0 {
			require.Equal(t, http.StatusOK, code)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, code)
		require.Equal(t, StatusRateLimited, resp.Status)
		require.Positive(t, resp.RetryAfterMS)
	}
}

func TestAuthentication(t *testing.T) {
	env := setupTestRouter(t, 0)

	t.Run("missing init data", func(t *testing.T) {
		code, resp := env.post(t, map[string]any{"type": KindFetchUserState, "user_id": "104"}, nil)
		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, StatusUnauthenticated, resp.Status)
	})

	t.Run("init data for another user", func(t *testing.T) {
		code, _ := env.post(t, map[string]any{
			"type":      KindFetchUserState,
			"user_id":   "104",
			"init_data": env.initData("105"),
		}, nil)
		require.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("numeric user id", func(t *testing.T) {
		code, resp := env.post(t, map[string]any{
			"type":      KindRegister,
			"user_id":   106,
			"init_data": env.initData("106"),
		}, nil)
		require.Equal(t, http.StatusOK, code, resp.Error)
	})
}

func TestEnvelopeErrors(t *testing.T) {
	env := setupTestRouter(t, 0)

	req, _ := http.NewRequest(http.MethodPost, "/api", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	code, resp := env.post(t, map[string]any{"user_id": "1"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, StatusBadRequest, resp.Status)

	code, resp = env.call(t, "launch-rocket", "1", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, resp.Error, "launch-rocket")

	req, _ = http.NewRequest(http.MethodGet, "/api", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMalformedIDs(t *testing.T) {
	env := setupTestRouter(t, 0)

	code, resp := env.call(t, KindRegister, "500", map[string]any{"ref_by": "1 2"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, StatusBadRequest, resp.Status)

	code, _ = env.post(t, map[string]any{
		"type":           KindAdminSetBan,
		"user_id":        adminID,
		"target_user_id": "501\nSET 501 account state {}",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = env.call(t, KindRegister, "500", nil)
	require.Equal(t, http.StatusOK, code)

	smuggled := "x\nSET 500 account state {\"id\":\"500\",\"balance\":\"1000000\"}"
	code, resp = env.call(t, KindWatchAd, "500", map[string]any{"token_id": smuggled})
	require.Equal(t, http.StatusConflict, code, resp.Error)

	u, err := env.ledger.Get("500")
	require.NoError(t, err)
	require.True(t, u.Balance.IsZero(), u.Balance.String())
}

func TestFetchUnknownUser(t *testing.T) {
	env := setupTestRouter(t, 0)
	code, resp := env.call(t, KindFetchUserState, "107", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, StatusNotFound, resp.Status)
}

func TestCommissionRequiresServiceCredential(t *testing.T) {
	env := setupTestRouter(t, 0)
	env.call(t, KindRegister, "200", nil)
	env.call(t, KindRegister, "201", map[string]any{"ref_by": "200"})

	_, resp := env.call(t, KindGenerateToken, "201", map[string]any{"action_type": "watch_ad"})
	tokenID := field(t, resp, "token_id").(string)
	_, resp = env.call(t, KindWatchAd, "201", map[string]any{"token_id": tokenID})
	eventID := field(t, resp, "event_id").(string)

	body := map[string]any{
		"type":            KindCommission,
		"referee_id":      "201",
		"source_event_id": eventID,
	}

	code, _ := env.post(t, body, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.post(t, body, http.Header{"Authorization": {"Bearer " + serviceToken(t, secret, "someone-else")}})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.post(t, body, http.Header{"Authorization": {"Bearer " + serviceToken(t, "wrong", ServiceSubject)}})
	require.Equal(t, http.StatusUnauthorized, code)

	auth := http.Header{"Authorization": {"Bearer " + serviceToken(t, secret, ServiceSubject)}}
	code, resp = env.post(t, body, auth)
	require.Equal(t, http.StatusOK, code, resp.Error)
	require.Equal(t, true, field(t, resp, "paid"))

	code, resp = env.post(t, body, auth)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, field(t, resp, "duplicate"))

	u, err := env.ledger.Get("200")
	require.NoError(t, err)
	require.True(t, u.Balance.Equal(decimal.RequireFromString("0.3")), u.Balance.String())
}

func TestAdminKinds(t *testing.T) {
	env := setupTestRouter(t, 0)
	env.call(t, KindRegister, "300", nil)

	code, resp := env.post(t, map[string]any{"type": KindAdminSetBan, "user_id": "300", "target_user_id": "301"}, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, StatusForbidden, resp.Status)

	code, resp = env.post(t, map[string]any{"type": KindAdminSetBan, "user_id": adminID, "target_user_id": "300"}, nil)
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, _ = env.call(t, KindFetchUserState, "300", nil)
	require.Equal(t, http.StatusForbidden, code)

	code, resp = env.post(t, map[string]any{"type": KindAdminList, "user_id": adminID}, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, field(t, resp, "pending_withdrawals"))
}

func TestWithdrawValidation(t *testing.T) {
	env := setupTestRouter(t, 0)
	env.call(t, KindRegister, "400", nil)

	_, resp := env.call(t, KindGenerateToken, "400", map[string]any{"action_type": "withdraw"})
	tokenID := field(t, resp, "token_id").(string)

	code, resp := env.call(t, KindWithdraw, "400", map[string]any{"token_id": tokenID, "amount": "1", "destination": "UQ-wallet"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, StatusBadRequest, resp.Status)

	code, resp = env.call(t, KindWithdraw, "400", map[string]any{"token_id": tokenID, "amount": "10", "destination": "UQ-wallet"})
	require.Equal(t, http.StatusConflict, code, resp.Error)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestRouter(t, 0)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/metrics", nil)
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")
}

func TestStrictAdminRequiresInitData(t *testing.T) {
	env := setupTestRouter(t, 0)
	env.handler.StrictAdmin = true

	code, _ := env.post(t, map[string]any{"type": KindAdminList, "user_id": adminID}, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, resp := env.call(t, KindAdminList, adminID, nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
}
