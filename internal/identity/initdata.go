// Package identity verifies Telegram WebApp init data.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissing = errors.New("missing init data")
	ErrInvalid = errors.New("invalid init data signature")
	ErrExpired = errors.New("init data expired")
	// ErrMismatch means the signed user is not the user the request names.
	ErrMismatch = errors.New("init data belongs to another user")
)

// DefaultFreshness is the maximum age of accepted init data.
const DefaultFreshness = 20 * time.Minute

// Assertion is what a valid init data payload vouches for.
type Assertion struct {
	UserID   string
	Username string
	IssuedAt time.Time
}

// Verifier checks init data signed with a bot token.
type Verifier struct {
	secret    []byte
	freshness time.Duration

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewVerifier derives the signing secret from botToken.
func NewVerifier(botToken string, freshness time.Duration) *Verifier {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return &Verifier{secret: mac.Sum(nil), freshness: freshness, Now: time.Now}
}

// Sign produces the hash Telegram would attach to values. Used by tests and tooling.
func (v *Verifier) Sign(values url.Values) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(dataCheckString(values)))
	return hex.EncodeToString(h.Sum(nil))
}

func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+values.Get(key))
	}
	return strings.Join(parts, "\n")
}

// Verify validates the signature and freshness of initData.
func (v *Verifier) Verify(initData string) (Assertion, error) {
	if initData == "" {
		return Assertion{}, ErrMissing
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return Assertion{}, ErrInvalid
	}

	got, err := hex.DecodeString(values.Get("hash"))
	if err != nil || len(got) == 0 {
		return Assertion{}, ErrInvalid
	}
	want, _ := hex.DecodeString(v.Sign(values))
	if !hmac.Equal(got, want) {
		return Assertion{}, ErrInvalid
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return Assertion{}, ErrInvalid
	}
	issued := time.Unix(authDate, 0)
	if v.Now().Sub(issued) > v.freshness {
		return Assertion{}, ErrExpired
	}

	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return Assertion{}, ErrInvalid
	}

	return Assertion{
		UserID:   strconv.FormatInt(user.ID, 10),
		Username: user.Username,
		IssuedAt: issued,
	}, nil
}

// VerifyFor validates initData and requires it to assert userID.
func (v *Verifier) VerifyFor(initData, userID string) (Assertion, error) {
	a, err := v.Verify(initData)
	if err != nil {
		return a, err
	}
	if a.UserID != userID {
		return Assertion{}, ErrMismatch
	}
	return a, nil
}
