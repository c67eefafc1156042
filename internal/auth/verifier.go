// Package auth verifies the bearer tokens issued by the platform's identity
// service. Tokens are HS256-signed JWTs whose subject is the user ID and
// whose custom claim carries the workshop the token was minted for.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier-level errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the verified identity extracted from a token.
type Claims struct {
	UserID     string
	WorkshopID string
	Role       string // advisory; the membership row is authoritative
}

type jwtClaims struct {
	WorkshopID string `json:"workshop_id"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier constructs a Verifier. issuer is optional; when set, tokens
// from other issuers are rejected.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a compact JWT, returning its claims. Expired
// tokens map to ErrExpiredToken; every other failure maps to ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	var claims jwtClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || claims.WorkshopID == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{
		UserID:     claims.Subject,
		WorkshopID: claims.WorkshopID,
		Role:       claims.Role,
	}, nil
}

// Sign mints a token for tests and local development.
func (v *Verifier) Sign(userID, workshopID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwtClaims{
		WorkshopID: workshopID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
