// Package pow issues computational challenges and verifies client solutions.
//
// A solution is valid iff sha256(nonce + challenge) has `difficulty` leading
// zero hex digits and the challenge has not expired. Verification is a pure
// recomputation from the submitted fields: no server-side challenge storage,
// so the service scales horizontally. Because of that statelessness the
// (difficulty, expires_at) tuple must be tamper-evident; challenges are
// therefore also issued as an HS256-signed token binding the full tuple.
package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidDifficulty is returned for difficulties outside [3,6].
var ErrInvalidDifficulty = errors.New("pow: difficulty must be in [3,6]")

const (
	MinDifficulty = 3
	MaxDifficulty = 6
)

// Challenge is the tuple handed to the client.
type Challenge struct {
	Challenge  string `json:"challenge"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  int64  `json:"expires_at"`
}

type challengeClaims struct {
	Challenge  string `json:"c"`
	Difficulty int    `json:"d"`
	jwt.RegisteredClaims
}

type Service struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{secret: secret, ttl: ttl, nowFunc: time.Now}
}

// GenerateChallenge mints a challenge: 128 bits of crypto-random hex,
// expiring after the configured TTL.
func (s *Service) GenerateChallenge(difficulty int) (Challenge, error) {
	if difficulty < MinDifficulty || difficulty > MaxDifficulty {
		return Challenge{}, ErrInvalidDifficulty
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Challenge:  hex.EncodeToString(b),
		Difficulty: difficulty,
		ExpiresAt:  s.nowFunc().Add(s.ttl).Unix(),
	}, nil
}

// VerifySolution recomputes the hash from the submitted fields and checks it
// against the difficulty and expiry. Pure apart from the clock.
func (s *Service) VerifySolution(challenge, nonce string, difficulty int, expiresAt int64) bool {
	if challenge == "" || difficulty < MinDifficulty || difficulty > MaxDifficulty {
		return false
	}
	if s.nowFunc().Unix() > expiresAt {
		return false
	}
	sum := sha256.Sum256([]byte(nonce + challenge))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}

// IssueToken signs the challenge tuple so the client cannot forge a lower
// difficulty or a far-future expiry on submission.
func (s *Service) IssueToken(ch Challenge) (string, error) {
	claims := challengeClaims{
		Challenge:  ch.Challenge,
		Difficulty: ch.Difficulty,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Unix(ch.ExpiresAt, 0)),
			IssuedAt:  jwt.NewNumericDate(s.nowFunc()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken checks the token's signature and expiry, then verifies the
// submitted nonce against the signed tuple. Returns (ok, difficulty, reason);
// difficulty is the signed value so callers can hold it against their own
// minimum — a validly signed easy challenge is not automatically sufficient.
func (s *Service) VerifyToken(tokenStr, nonce string) (bool, int, string) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.nowFunc),
	)
	var claims challengeClaims
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return false, 0, "expired"
		}
		return false, 0, "invalid_token"
	}
	if claims.ExpiresAt == nil {
		return false, 0, "invalid_token"
	}
	if !s.VerifySolution(claims.Challenge, nonce, claims.Difficulty, claims.ExpiresAt.Unix()) {
		return false, claims.Difficulty, "invalid_solution"
	}
	return true, claims.Difficulty, "ok"
}

// EstimatedTime returns human solve-time guidance for a difficulty. This is
// calibration for clients, not a correctness contract.
func EstimatedTime(difficulty int) string {
	switch difficulty {
	case 3:
		return "under a second"
	case 4:
		return "1-5 seconds"
	case 5:
		return "5-30 seconds"
	case 6:
		return "30-120 seconds"
	default:
		return "unknown"
	}
}

// Solve brute-forces a nonce for the given challenge, for tests and client
// reference. Returns an error after maxAttempts candidates.
func Solve(challenge string, difficulty int, maxAttempts int) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		nonce := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(nonce + challenge))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty)) {
			return nonce, nil
		}
	}
	return "", fmt.Errorf("pow: no solution within %d attempts", maxAttempts)
}
