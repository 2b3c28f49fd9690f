// Package captcha adapts a third-party captcha provider's siteverify API.
//
// The verifier fails OPEN on provider outage: registration and login must not
// depend on a third party's uptime. Only a definitive "success": false
// verdict from the provider rejects a request.
package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"abusegate/internal/metrics"
)

type Verifier struct {
	siteKey   string
	secretKey string
	verifyURL string
	client    *http.Client
	brk       *breaker
	log       zerolog.Logger
}

// verifyResponse is the provider's siteverify reply (hcaptcha-compatible).
type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// NewVerifier builds a verifier. Empty keys produce a disabled verifier,
// which is a valid non-error state.
func NewVerifier(siteKey, secretKey, verifyURL string, timeout time.Duration, log zerolog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		siteKey:   siteKey,
		secretKey: secretKey,
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
		brk:       newBreaker(),
		log:       log,
	}
}

// Enabled reports whether a site/secret key pair is configured.
func (v *Verifier) Enabled() bool {
	return v.siteKey != "" && v.secretKey != ""
}

// Verify checks a client-supplied response token with the provider. The
// request is bounded by the client timeout and aborts on ctx cancellation.
// Network or API failure returns true (fail-open), logged at error level.
func (v *Verifier) Verify(ctx context.Context, responseToken, remoteIP string) bool {
	if !v.Enabled() {
		return true
	}
	if responseToken == "" {
		metrics.CaptchaVerify.WithLabelValues("fail").Inc()
		return false
	}
	if !v.brk.allow() {
		v.log.Error().Msg("captcha provider circuit open, failing open")
		metrics.CaptchaVerify.WithLabelValues("fail_open").Inc()
		return true
	}

	form := url.Values{
		"secret":   {v.secretKey},
		"response": {responseToken},
		"sitekey":  {v.siteKey},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		v.failOpen(err)
		return true
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		v.brk.recordFailure()
		v.failOpen(err)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		v.brk.recordFailure()
		v.log.Error().Int("status", resp.StatusCode).Msg("captcha provider error, failing open")
		metrics.CaptchaVerify.WithLabelValues("fail_open").Inc()
		return true
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		v.brk.recordFailure()
		v.failOpen(err)
		return true
	}
	v.brk.recordSuccess()

	if !vr.Success {
		v.log.Warn().Strs("error_codes", vr.ErrorCodes).Msg("captcha verification rejected")
		metrics.CaptchaVerify.WithLabelValues("fail").Inc()
		return false
	}
	metrics.CaptchaVerify.WithLabelValues("pass").Inc()
	return true
}

func (v *Verifier) failOpen(err error) {
	v.log.Error().Err(err).Msg("captcha provider unreachable, failing open")
	metrics.CaptchaVerify.WithLabelValues("fail_open").Inc()
}

// ResponseFromRequest extracts the captcha response token: X-Captcha-Response
// header first, then the provider's conventional form field. The form
// fallback parses (and drains) a form-encoded request body; downstream
// handlers must use r.PostForm rather than re-reading r.Body.
func ResponseFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Captcha-Response"); t != "" {
		return t
	}
	return r.PostFormValue("h-captcha-response")
}
