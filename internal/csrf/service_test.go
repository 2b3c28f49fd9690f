package csrf

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"abusegate/internal/kvstore"
)

var (
	testSecret = []byte("csrf-test-secret-0123456789abcdef")
	fpA        = "fingerprint-aaaa"
	fpB        = "fingerprint-bbbb"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	return NewService(testSecret, time.Hour, 10, time.Hour, store, zerolog.Nop())
}

func TestGenerateValidate_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, err := s.Generate(ctx, fpA, "register")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(tok, ".") {
		t.Fatalf("token missing signature separator: %q", tok)
	}
	if !s.Validate(ctx, tok, fpA, "register") {
		t.Error("valid token rejected")
	}
}

func TestValidate_SingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, _ := s.Generate(ctx, fpA, "register")
	if !s.Validate(ctx, tok, fpA, "register") {
		t.Fatal("first validation must succeed")
	}
	for i := 0; i < 3; i++ {
		if s.Validate(ctx, tok, fpA, "register") {
			t.Fatal("replayed token must be rejected")
		}
	}
}

func TestValidate_FailureDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, _ := s.Generate(ctx, fpA, "register")

	// A failed check (wrong action) must not burn the nonce.
	if s.Validate(ctx, tok, fpA, "login") {
		t.Fatal("action mismatch must fail")
	}
	if !s.Validate(ctx, tok, fpA, "register") {
		t.Error("token should still be usable after an unrelated failure")
	}
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued := time.Unix(1_700_000_000, 0)
	s.nowFunc = func() time.Time { return issued }
	tok, _ := s.Generate(ctx, fpA, "register")

	// Just inside the TTL.
	s.nowFunc = func() time.Time { return issued.Add(time.Hour - time.Second) }
	if !s.Validate(ctx, tok, fpA, "register") {
		t.Error("token one second inside TTL must validate")
	}

	s.nowFunc = func() time.Time { return issued }
	tok2, _ := s.Generate(ctx, fpA, "register")

	// Just past the TTL.
	s.nowFunc = func() time.Time { return issued.Add(time.Hour + time.Second) }
	if s.Validate(ctx, tok2, fpA, "register") {
		t.Error("token one second past TTL must fail")
	}
}

func TestValidate_FutureTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	issued := time.Unix(1_700_000_000, 0)
	s.nowFunc = func() time.Time { return issued }
	tok, _ := s.Generate(ctx, fpA, "register")

	s.nowFunc = func() time.Time { return issued.Add(-time.Minute) }
	if s.Validate(ctx, tok, fpA, "register") {
		t.Error("token with a future ts must fail")
	}
}

func TestValidate_TamperDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, _ := s.Generate(ctx, fpA, "register")
	parts := strings.SplitN(tok, ".", 2)

	flip := func(in string, i int) string {
		b := []byte(in)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		return string(b)
	}

	for i := 0; i < len(parts[0]); i += 7 {
		if s.Validate(ctx, flip(parts[0], i)+"."+parts[1], fpA, "register") {
			t.Fatalf("tampered payload at %d accepted", i)
		}
	}
	for i := 0; i < len(parts[1]); i += 5 {
		if s.Validate(ctx, parts[0]+"."+flip(parts[1], i), fpA, "register") {
			t.Fatalf("tampered signature at %d accepted", i)
		}
	}
}

func TestValidate_MalformedInput(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for _, tok := range []string{"", ".", "nodot", "a.b", "!!!.deadbeef"} {
		if s.Validate(ctx, tok, fpA, "") {
			t.Errorf("malformed token %q accepted", tok)
		}
	}
}

func TestValidate_FingerprintBinding(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, _ := s.Generate(ctx, fpA, "register")
	if s.Validate(ctx, tok, fpB, "register") {
		t.Error("token minted for fingerprint A accepted under fingerprint B")
	}
}

func TestValidate_ActionScoping(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	tok, _ := s.Generate(ctx, fpA, "register")
	if s.Validate(ctx, tok, fpA, "login") {
		t.Error("register token accepted for login")
	}
	// Empty expected action skips the scope check.
	if !s.Validate(ctx, tok, fpA, "") {
		t.Error("token rejected when no action expected")
	}
}

func TestGenerate_IssuanceCeiling(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	defer store.Close()
	s := NewService(testSecret, time.Hour, 3, time.Hour, store, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := s.Generate(ctx, fpA, "register"); err != nil {
			t.Fatalf("mint #%d failed: %v", i+1, err)
		}
	}
	if _, err := s.Generate(ctx, fpA, "register"); err != ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	// Ceilings are per fingerprint.
	if _, err := s.Generate(ctx, fpB, "register"); err != nil {
		t.Errorf("other fingerprint should still mint: %v", err)
	}
}

func TestTokenFromRequest_Priority(t *testing.T) {
	form := url.Values{"csrf_token": {"from-form"}}
	r := httptest.NewRequest("POST", "/x?csrf_token=from-query", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if got := TokenFromRequest(r); got != "from-form" {
		t.Errorf("form should beat query, got %q", got)
	}

	r.Header.Set("X-XSRF-TOKEN", "from-xsrf")
	if got := TokenFromRequest(r); got != "from-xsrf" {
		t.Errorf("X-XSRF-TOKEN should beat form, got %q", got)
	}

	r.Header.Set("X-CSRF-Token", "from-csrf")
	if got := TokenFromRequest(r); got != "from-csrf" {
		t.Errorf("X-CSRF-Token is highest priority, got %q", got)
	}
}
