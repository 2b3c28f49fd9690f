// Package csrf issues and validates signed, single-use, action-scoped tokens.
//
// Wire format: base64(json{ts,nonce,fp,action}) + "." + hex(hmac_sha256(b64, secret)).
// A token is bound to the requester's fingerprint at mint time, expires after
// the configured TTL, and is consumed exactly once on successful validation.
package csrf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"abusegate/internal/crypto"
	"abusegate/internal/kvstore"
	"abusegate/internal/metrics"
)

// ErrRateLimited is returned by Generate when the fingerprint's issuance
// ceiling is exceeded. Maps to HTTP 429 at the transport layer.
var ErrRateLimited = errors.New("csrf: token issuance rate limit exceeded")

const (
	noncePrefix   = "csrf:nonce:"
	counterPrefix = "csrf:issued:"
)

type payload struct {
	TS     int64  `json:"ts"`
	Nonce  string `json:"nonce"`
	FP     string `json:"fp"`
	Action string `json:"action"`
}

type Service struct {
	secret          []byte
	ttl             time.Duration
	issuanceCeiling int
	issuanceWindow  time.Duration
	store           kvstore.Store
	log             zerolog.Logger
	nowFunc         func() time.Time
}

func NewService(secret []byte, ttl time.Duration, ceiling int, window time.Duration, store kvstore.Store, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ceiling <= 0 {
		ceiling = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		secret:          secret,
		ttl:             ttl,
		issuanceCeiling: ceiling,
		issuanceWindow:  window,
		store:           store,
		log:             log,
		nowFunc:         time.Now,
	}
}

// Generate mints a token for the given fingerprint and action. The
// per-fingerprint issuance counter is checked and incremented first; minting
// itself is the throttled operation, distinct from consuming tokens.
func (s *Service) Generate(ctx context.Context, fp, action string) (string, error) {
	n, err := s.store.Incr(ctx, counterPrefix+fp, s.issuanceWindow)
	if err != nil {
		return "", fmt.Errorf("csrf: issuance counter: %w", err)
	}
	if n > int64(s.issuanceCeiling) {
		s.log.Warn().
			Str("fingerprint", truncate(fp)).
			Str("action", action).
			Int64("issued", n).
			Msg("csrf token issuance ceiling exceeded")
		return "", ErrRateLimited
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}
	p := payload{
		TS:     s.nowFunc().Unix(),
		Nonce:  hex.EncodeToString(nonceBytes),
		FP:     fp,
		Action: action,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	b64 := base64.StdEncoding.EncodeToString(raw)
	sig := crypto.Sign([]byte(b64), s.secret)
	metrics.CsrfIssued.Inc()
	return b64 + "." + sig, nil
}

// Validate checks a token against the presenting request's fingerprint and,
// when expectedAction is non-empty, the action it was minted for. It fails
// closed on every defect and consumes the nonce only when the token is
// otherwise fully valid, so failed validations never waste unused tokens.
func (s *Service) Validate(ctx context.Context, token, fp, expectedAction string) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.reject("malformed", zerolog.WarnLevel, "malformed csrf token", nil)
		return false
	}
	if !crypto.Verify([]byte(parts[0]), parts[1], s.secret) {
		s.reject("bad_signature", zerolog.WarnLevel, "csrf token signature mismatch", nil)
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		s.reject("malformed", zerolog.WarnLevel, "csrf token payload not base64", nil)
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.Nonce == "" {
		s.reject("malformed", zerolog.WarnLevel, "csrf token payload not json", nil)
		return false
	}

	now := s.nowFunc()
	age := now.Unix() - p.TS
	if age > int64(s.ttl.Seconds()) {
		// Expiry is routine, not an attack signal.
		s.reject("expired", zerolog.InfoLevel, "csrf token expired", map[string]string{"nonce": truncate(p.Nonce)})
		return false
	}
	if age < 0 {
		s.reject("future_ts", zerolog.WarnLevel, "csrf token issued in the future", nil)
		return false
	}
	if p.FP != fp {
		s.reject("fingerprint_mismatch", zerolog.WarnLevel, "csrf token fingerprint mismatch", nil)
		return false
	}
	if expectedAction != "" && p.Action != expectedAction {
		s.reject("action_mismatch", zerolog.WarnLevel, "csrf token action mismatch", map[string]string{"expected": expectedAction})
		return false
	}

	// Single-use enforcement. SetNX is the atomic check-and-set: of two
	// concurrent validations of the same token, exactly one wins. Retain the
	// consumed marker for the full TTL so the token can never come back.
	ok, err := s.store.SetNX(ctx, noncePrefix+p.Nonce, "1", s.ttl)
	if err != nil {
		s.log.Error().Err(err).Msg("csrf nonce store unavailable, failing closed")
		metrics.CsrfRejected.WithLabelValues("store_error").Inc()
		return false
	}
	if !ok {
		s.reject("replay", zerolog.WarnLevel, "csrf token replayed", map[string]string{"nonce": truncate(p.Nonce)})
		return false
	}

	metrics.CsrfConsumed.Inc()
	return true
}

func (s *Service) reject(reason string, level zerolog.Level, msg string, fields map[string]string) {
	ev := s.log.WithLevel(level).Str("reason", reason)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg)
	metrics.CsrfRejected.WithLabelValues(reason).Inc()
}

// truncate keeps enough of a nonce or fingerprint for forensic correlation
// without logging the full value.
func truncate(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// TokenFromRequest extracts the token from an inbound request, in priority
// order: X-CSRF-Token header, X-XSRF-TOKEN header, csrf_token form field,
// csrf_token query parameter. Reading the form field parses (and drains) a
// form-encoded request body; downstream handlers must use r.PostForm rather
// than re-reading r.Body.
func TokenFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-CSRF-Token"); t != "" {
		return t
	}
	if t := r.Header.Get("X-XSRF-TOKEN"); t != "" {
		return t
	}
	if t := r.PostFormValue("csrf_token"); t != "" {
		return t
	}
	return r.URL.Query().Get("csrf_token")
}
