// Package auth verifies the bearer credentials presented when a connection or request is opened
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"groupchat/internal/apperr"
)

// Identity is what a verified credential tells about its holder
type Identity struct {
	UserID   string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// Claims is the token payload: the subject is the user id, email and username are display claims
type Claims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and validates HS256 tokens. It holds no mutable state and is safe for concurrent use
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier returns a Verifier for the given secret and issuer
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 5 * time.Second}
}

// Verify checks signature, expiry and issuer of token and returns the identity it carries.
// Every failure is an *apperr.Error of kind auth
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.Auth(apperr.ReasonMalformed, errors.New("empty token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, apperr.Auth(reasonFor(err), err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, apperr.Auth(apperr.ReasonMalformed, errors.New("unexpected claims"))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, apperr.Auth(apperr.ReasonMalformed, errors.New("missing subject"))
	}

	return Identity{
		UserID:   claims.Subject,
		Email:    strings.TrimSpace(claims.Email),
		Username: strings.TrimSpace(claims.Username),
	}, nil
}

// Issue signs a token for id that expires after ttl
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := Claims{
		Email:    id.Email,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func reasonFor(err error) apperr.AuthReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperr.ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.ReasonIssuerInvalid
	default:
		return apperr.ReasonMalformed
	}
}
