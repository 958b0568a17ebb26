// token.go -- Signed identity tokens (HS256 JWT).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/manublog/manu/internal/store"
	"github.com/oklog/ulid/v2"
)

// TokenIssuer is the iss claim on every token.
const TokenIssuer = "manu-blog"

// MinSecretLen is the minimum HMAC secret length in bytes.
const MinSecretLen = 32

// ErrWeakSecret is returned by NewTokenService for short secrets.
var ErrWeakSecret = fmt.Errorf("token secret must be at least %d bytes", MinSecretLen)

// Claims is the token payload.
type Claims struct {
	UserID   string `json:"uid"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
	jwt.RegisteredClaims
}

// TokenService signs and parses identity tokens with one HMAC secret.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a TokenService. secret must be at least MinSecretLen bytes.
func NewTokenService(secret []byte) (*TokenService, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	return &TokenService{secret: secret, now: time.Now}, nil
}

// Issue signs a token for u valid for ttl. Verified is taken from u.OTPVerified.
func (s *TokenService) Issue(u *store.User, ttl time.Duration) (string, error) {
	now := s.now()
	c := Claims{
		UserID:   u.ID.String(),
		Email:    u.Email,
		Name:     u.Username,
		Verified: u.OTPVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   u.ID.String(),
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, algorithm, issuer and expiry, and returns the claims.
func (s *TokenService) Parse(token string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if c.UserID == "" || c.UserID != c.Subject {
		return nil, errors.New("parsing token: subject mismatch")
	}
	return &c, nil
}
