package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RoleAdmin is required for replay and retention endpoints.
const RoleAdmin = "admin"

// maxAdminTokenTTL bounds how long an exchanged admin token lives.
const maxAdminTokenTTL = time.Hour

// JWTManager issues and validates admin tokens. With a configured secret it
// signs HS256 so tokens survive restarts and replicas agree; without one it
// falls back to an ephemeral Ed25519 key pair.
type JWTManager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	ttl       time.Duration
}

// NewJWTManager creates a manager. secret may be empty.
func NewJWTManager(secret string, ttl time.Duration) (*JWTManager, error) {
	if ttl <= 0 || ttl > maxAdminTokenTTL {
		ttl = maxAdminTokenTTL
	}
	if secret != "" {
		key := []byte(secret)
		return &JWTManager{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key, ttl: ttl}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	slog.Warn("auth: no JWT secret configured, using ephemeral signing key; admin tokens will not survive a restart")
	return &JWTManager{method: jwt.SigningMethodEdDSA, signKey: priv, verifyKey: pub, ttl: ttl}, nil
}

// IssueAdminToken mints a signed admin token for the given subject.
func (m *JWTManager) IssueAdminToken(subject string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.ttl)
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "shepard",
			Audience:  jwt.ClaimStrings{"shepard"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAdminToken parses and validates a token, requiring the admin role.
func (m *JWTManager) VerifyAdminToken(token string) (*AdminClaims, error) {
	var claims AdminClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.verifyKey, nil
	},
		jwt.WithIssuer("shepard"),
		jwt.WithAudience("shepard"),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("auth: admin role required")
	}
	return &claims, nil
}
