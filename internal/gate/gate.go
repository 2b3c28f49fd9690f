// Package gate is the abuse-prevention middleware for public state-changing
// endpoints. Checks run cheapest-first: list overrides and the rate limiter,
// then the CSRF token, then the proof-of-work solution, with a third-party
// captcha demanded only from clients that keep failing. Any failing stage
// short-circuits with a structured error envelope before the business handler
// runs.
package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"abusegate/internal/captcha"
	"abusegate/internal/config"
	"abusegate/internal/csrf"
	"abusegate/internal/fingerprint"
	"abusegate/internal/httputil"
	"abusegate/internal/kvstore"
	"abusegate/internal/metrics"
	"abusegate/internal/pow"
	"abusegate/internal/ratelimit"
)

// Error codes surfaced in the response envelope.
const (
	CodeCsrfMissing       = "CSRF_TOKEN_MISSING"
	CodeCsrfInvalid       = "CSRF_TOKEN_INVALID"
	CodePowInvalid        = "POW_INVALID"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeCaptchaInvalid    = "CAPTCHA_INVALID"
)

const (
	// PowSolutionHeader carries the client's solution as JSON.
	PowSolutionHeader = "X-POW-Solution"

	failurePrefix = "gate:failures:"
	failureTTL    = time.Hour
)

// powSolution is the X-POW-Solution payload. Token, when present, is the
// signed challenge issued alongside the tuple and is the trusted path.
type powSolution struct {
	Challenge  string `json:"challenge"`
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  int64  `json:"expires_at"`
	Token      string `json:"token,omitempty"`
}

type errorEnvelope struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Data     errorData `json:"data"`
	HTTPCode int       `json:"http_code"`
}

type errorData struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type Gate struct {
	cfg     *config.Config
	secret  []byte
	csrf    *csrf.Service
	pow     *pow.Service
	limiter *ratelimit.Limiter
	captcha *captcha.Verifier
	store   kvstore.Store
	log     zerolog.Logger
}

func New(cfg *config.Config, secret []byte, csrfSvc *csrf.Service, powSvc *pow.Service, limiter *ratelimit.Limiter, verifier *captcha.Verifier, store kvstore.Store, log zerolog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		secret:  secret,
		csrf:    csrfSvc,
		pow:     powSvc,
		limiter: limiter,
		captcha: verifier,
		store:   store,
		log:     log,
	}
}

// Middleware wraps next with the gate. Requests whose path matches no
// configured route pass through untouched.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := g.routeFor(r.URL.Path)
		if rule == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		defer func() {
			metrics.GateDuration.Observe(time.Since(start).Seconds())
		}()

		ctx := r.Context()
		ip := fingerprint.ClientIP(r, g.cfg.Server.TrustedProxyCIDRs)
		fp := fingerprint.Compute(ip, r.Header.Get("User-Agent"), g.secret)

		// List overrides first: blacklist rejects everything, whitelist
		// skips the rate limiter and CSRF (not PoW, unless configured).
		if g.limiter.IsBlacklisted(ctx, fp) {
			metrics.GateDecision.WithLabelValues("blacklist", "deny").Inc()
			g.deny(w, r, CodeRateLimitExceeded, http.StatusForbidden, 0)
			return
		}
		whitelisted := g.limiter.IsWhitelisted(ctx, fp)

		if !whitelisted && !g.limiter.Check(ctx, rule.Action, fp) {
			metrics.GateDecision.WithLabelValues("ratelimit", "deny").Inc()
			g.deny(w, r, CodeRateLimitExceeded, http.StatusTooManyRequests,
				g.limiter.RetryAfter(ctx, rule.Action, fp))
			return
		}

		if rule.Csrf && !whitelisted {
			token := csrf.TokenFromRequest(r)
			if token == "" {
				metrics.GateDecision.WithLabelValues("csrf", "deny").Inc()
				g.recordFailure(ctx, fp)
				g.deny(w, r, CodeCsrfMissing, http.StatusForbidden, 0)
				return
			}
			if !g.csrf.Validate(ctx, token, fp, rule.Action) {
				metrics.GateDecision.WithLabelValues("csrf", "deny").Inc()
				g.recordFailure(ctx, fp)
				g.deny(w, r, CodeCsrfInvalid, http.StatusForbidden, 0)
				return
			}
		}

		if rule.Pow && !(whitelisted && g.cfg.RateLimit.WhitelistSkipsPow) {
			if !g.checkPow(r, rule) {
				metrics.GateDecision.WithLabelValues("pow", "deny").Inc()
				g.recordFailure(ctx, fp)
				g.deny(w, r, CodePowInvalid, http.StatusForbidden, 0)
				return
			}
		}

		// Escalation: clients with a history of failed checks must also
		// present a captcha response, when the fallback is configured.
		if g.captcha.Enabled() && g.failureCount(ctx, fp) >= int64(g.cfg.Captcha.EscalateAfter) {
			if !g.captcha.Verify(ctx, captcha.ResponseFromRequest(r), ip) {
				metrics.GateDecision.WithLabelValues("captcha", "deny").Inc()
				g.deny(w, r, CodeCaptchaInvalid, http.StatusForbidden, 0)
				return
			}
			// A solved captcha clears the history.
			if err := g.store.Delete(ctx, failurePrefix+fp); err != nil {
				g.log.Error().Err(err).Msg("failed to clear escalation counter")
			}
		}

		// All checks passed and the guarded operation proceeds: only now
		// does the attempt count against the rate limit.
		g.limiter.Record(rule.Action, fp)
		metrics.GateDecision.WithLabelValues("gate", "allow").Inc()
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) routeFor(path string) *config.RouteCfg {
	for i := range g.cfg.Routes {
		if g.cfg.Routes[i].Re.MatchString(path) {
			return &g.cfg.Routes[i]
		}
	}
	return nil
}

func (g *Gate) checkPow(r *http.Request, rule *config.RouteCfg) bool {
	raw := r.Header.Get(PowSolutionHeader)
	if raw == "" {
		metrics.PowRejected.WithLabelValues("missing").Inc()
		return false
	}
	var sol powSolution
	if err := json.Unmarshal([]byte(raw), &sol); err != nil {
		metrics.PowRejected.WithLabelValues("malformed").Inc()
		return false
	}
	if sol.Token != "" {
		// Signed path: difficulty and expiry come from the signature, but the
		// signature only proves we issued the challenge, not that it meets
		// this route's bar.
		ok, difficulty, reason := g.pow.VerifyToken(sol.Token, sol.Nonce)
		if !ok {
			metrics.PowRejected.WithLabelValues(reason).Inc()
			return false
		}
		if difficulty < rule.Difficulty {
			metrics.PowRejected.WithLabelValues("difficulty_too_low").Inc()
			return false
		}
	} else {
		// Raw tuple path; a client cannot under-declare the difficulty the
		// route demands.
		if sol.Difficulty < rule.Difficulty {
			metrics.PowRejected.WithLabelValues("difficulty_too_low").Inc()
			return false
		}
		if !g.pow.VerifySolution(sol.Challenge, sol.Nonce, sol.Difficulty, sol.ExpiresAt) {
			metrics.PowRejected.WithLabelValues("invalid_solution").Inc()
			return false
		}
	}
	metrics.PowSolved.Inc()
	return true
}

func (g *Gate) failureCount(ctx context.Context, fp string) int64 {
	v, err := g.store.Get(ctx, failurePrefix+fp)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func (g *Gate) recordFailure(ctx context.Context, fp string) {
	if _, err := g.store.Incr(ctx, failurePrefix+fp, failureTTL); err != nil {
		g.log.Error().Err(err).Msg("failed to record gate failure")
	}
}

// deny writes the error envelope and ends the request. Messages give retry
// guidance without revealing which internal detail tripped the check.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, code string, httpCode int, retryAfter time.Duration) {
	logger := httputil.GetLogger(r.Context())
	logger.Warn().
		Str("error_code", code).
		Int("http_code", httpCode).
		Msg("request rejected by gate")

	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	httputil.WriteJSON(w, httpCode, errorEnvelope{
		Status:   "error",
		Message:  messageFor(code),
		Data:     errorData{ErrorCode: code, Message: guidanceFor(code)},
		HTTPCode: httpCode,
	})
}

func messageFor(code string) string {
	switch code {
	case CodeCsrfMissing:
		return "security token missing"
	case CodeCsrfInvalid:
		return "security token invalid or expired"
	case CodePowInvalid:
		return "verification challenge failed"
	case CodeRateLimitExceeded:
		return "too many attempts"
	case CodeCaptchaInvalid:
		return "captcha verification failed"
	default:
		return "request rejected"
	}
}

func guidanceFor(code string) string {
	switch code {
	case CodeCsrfMissing, CodeCsrfInvalid:
		return "please refresh the page and try again"
	case CodePowInvalid:
		return "please request a new challenge and try again"
	case CodeRateLimitExceeded:
		return "please wait before trying again"
	case CodeCaptchaInvalid:
		return "please complete the captcha and try again"
	default:
		return "please try again later"
	}
}
