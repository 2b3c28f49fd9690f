package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"abusegate/internal/captcha"
	"abusegate/internal/config"
	"abusegate/internal/csrf"
	"abusegate/internal/fingerprint"
	"abusegate/internal/gate"
	"abusegate/internal/httputil"
	"abusegate/internal/kvstore"
	"abusegate/internal/metrics"
	"abusegate/internal/pow"
	"abusegate/internal/ratelimit"
)

const maxJSONBytes = 4 * 1024 // body cap for the token/challenge endpoints

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides ABUSEGATE_CONFIG env var)")
	flag.Parse()

	// Config path: CLI flag > env var > local file if present.
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("ABUSEGATE_CONFIG")
	}
	if cfgPath == "" {
		if _, err := os.Stat("./config.yaml"); err == nil {
			cfgPath = "./config.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("listen", cfg.Server.Listen).
		Str("store_backend", cfg.Store.Backend).
		Str("log_level", cfg.Logging.Level).
		Msg("server configuration")
	log.Info().
		Int("csrf_ttl_sec", cfg.Csrf.TTLSec).
		Int("issuance_ceiling", cfg.Csrf.IssuanceCeiling).
		Int("pow_difficulty", cfg.Pow.DefaultDifficulty).
		Int("pow_ttl_sec", cfg.Pow.TTLSec).
		Bool("captcha_enabled", cfg.CaptchaEnabled()).
		Int("routes", len(cfg.Routes)).
		Msg("gate configuration")

	// The signing secret covers CSRF tokens, PoW challenge tokens, and
	// fingerprint hashes. Without one, every token dies with the process.
	secret := []byte(cfg.Secret.Key)
	if len(secret) == 0 {
		log.Warn().Msg("secret.key not set; generating ephemeral secret (tokens will not survive restart)")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatal().Err(err).Msg("failed to generate ephemeral secret")
		}
	}

	var store kvstore.Store
	switch cfg.Store.Backend {
	case "redis":
		store, err = kvstore.NewRedis(context.Background(), cfg.Store.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Info().Msg("using redis store")
	default:
		store = kvstore.NewMemory()
	}
	defer store.Close()

	csrfSvc := csrf.NewService(secret, cfg.CsrfTTL(), cfg.Csrf.IssuanceCeiling, cfg.IssuanceWindow(), store, log.Logger)
	powSvc := pow.NewService(secret, cfg.PowTTL())

	tables := make(map[string][]ratelimit.Window, len(cfg.RateLimit.Actions))
	for action, windows := range cfg.RateLimit.Actions {
		for _, w := range windows {
			tables[action] = append(tables[action], ratelimit.Window{MaxAttempts: w.MaxAttempts, Seconds: w.WindowSec})
		}
	}
	limiter := ratelimit.NewLimiter(tables, store, time.Duration(cfg.RateLimit.SweepIntervalSec)*time.Second, log.Logger)
	defer limiter.Close()

	var verifier *captcha.Verifier
	if cfg.CaptchaEnabled() {
		verifier = captcha.NewVerifier(cfg.Captcha.SiteKey, cfg.Captcha.SecretKey, cfg.Captcha.VerifyURL, cfg.CaptchaTimeout(), log.Logger)
		log.Info().Str("verify_url", cfg.Captcha.VerifyURL).Msg("captcha fallback enabled")
	} else {
		verifier = captcha.NewVerifier("", "", "", cfg.CaptchaTimeout(), log.Logger)
	}

	g := gate.New(cfg, secret, csrfSvc, powSvc, limiter, verifier, store, log.Logger)

	mux := http.NewServeMux()

	// Token issuance endpoints sit outside the gate.
	mux.Handle("/v1/csrf/token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCsrfToken(w, r, cfg, csrfSvc, secret)
	}))
	mux.Handle("/v1/pow/challenge", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePowChallenge(w, r, cfg, powSvc)
	}))

	// Admin list management. Bind behind a private interface or auth proxy.
	mux.Handle("/admin/blacklist", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleBlacklist(w, r, limiter)
	}))
	mux.Handle("/admin/whitelist", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWhitelist(w, r, limiter)
	}))

	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, cfg, store)
	}))
	metrics.MustRegister()
	mux.Handle("/metrics", promhttp.Handler())

	// Everything else passes through the gate. The gated upstream here just
	// acknowledges; in front of a real application this is a reverse-proxy
	// auth hop (nginx auth_request or equivalent).
	mux.Handle("/", g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	handler := httputil.RequestIDMiddleware(log.Logger)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("abusegate listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		log.Info().Msg("shutdown complete")
	}
}

func handleCsrfToken(w http.ResponseWriter, r *http.Request, cfg *config.Config, svc *csrf.Service, secret []byte) {
	logger := httputil.GetLogger(r.Context())
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
		return
	}
	if req.Action == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_action"})
		return
	}

	fp := fingerprint.FromRequest(r, secret, cfg.Server.TrustedProxyCIDRs)
	token, err := svc.Generate(r.Context(), fp, req.Action)
	if err != nil {
		if err == csrf.ErrRateLimited {
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		logger.Error().Err(err).Msg("failed to issue csrf token")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().Add(cfg.CsrfTTL()).UTC().Format(time.RFC3339),
	})
}

func handlePowChallenge(w http.ResponseWriter, r *http.Request, cfg *config.Config, svc *pow.Service) {
	logger := httputil.GetLogger(r.Context())
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	difficulty := cfg.Pow.DefaultDifficulty
	var req struct {
		Difficulty int `json:"difficulty"`
	}
	// Empty body is fine; the default difficulty applies.
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Difficulty != 0 {
		difficulty = req.Difficulty
	}

	ch, err := svc.GenerateChallenge(difficulty)
	if err != nil {
		if err == pow.ErrInvalidDifficulty {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_difficulty"})
			return
		}
		logger.Error().Err(err).Msg("failed to generate challenge")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	signed, err := svc.IssueToken(ch)
	if err != nil {
		logger.Error().Err(err).Msg("failed to sign challenge")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	metrics.PowIssued.Inc()

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"challenge":      ch.Challenge,
		"difficulty":     ch.Difficulty,
		"expires_at":     ch.ExpiresAt,
		"estimated_time": pow.EstimatedTime(ch.Difficulty),
		"token":          signed,
	})
}

func handleBlacklist(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter) {
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req struct {
		Fingerprint string `json:"fingerprint"`
		TTLSec      int    `json:"ttl_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" || req.TTLSec <= 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	if err := limiter.AddToBlacklist(r.Context(), req.Fingerprint, time.Duration(req.TTLSec)*time.Second); err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleWhitelist(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	var err error
	switch r.Method {
	case http.MethodPost:
		err = limiter.AddToWhitelist(r.Context(), req.Fingerprint)
	case http.MethodDelete:
		err = limiter.RemoveFromWhitelist(r.Context(), req.Fingerprint)
	default:
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleHealth(w http.ResponseWriter, r *http.Request, cfg *config.Config, store kvstore.Store) {
	status := struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}{
		Status:     "ok",
		Components: map[string]string{"gate": "ok"},
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	probe := "healthz:" + time.Now().UTC().Format(time.RFC3339Nano)
	if err := store.Set(ctx, probe, "1", time.Second); err != nil {
		status.Status = "degraded"
		status.Components["store"] = err.Error()
	} else {
		status.Components["store"] = "ok"
	}
	status.Components["captcha"] = map[bool]string{true: "configured", false: "disabled"}[cfg.CaptchaEnabled()]

	httputil.WriteJSON(w, http.StatusOK, status)
}
