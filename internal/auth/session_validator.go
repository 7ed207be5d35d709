package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenParam carries the token for transports that cannot set headers,
// such as EventSource and browser websockets.
const AccessTokenParam = "access_token"

var (
	ErrMissingToken      = errors.New("participant validator: token required")
	ErrInvalidToken      = errors.New("participant validator: invalid token")
	ErrExpiredToken      = errors.New("participant validator: token expired")
	ErrMissingSeatClaims = errors.New("participant validator: session and role required")
)

// ParticipantValidator validates HS256 participant JWTs.
type ParticipantValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *ParticipantValidator) ValidateToken(tokenString string) (ParticipantClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ParticipantClaims{}, ErrMissingToken
	}

	claims := &ParticipantClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ParticipantClaims{}, ErrExpiredToken
		}
		return ParticipantClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ParticipantClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		return ParticipantClaims{}, ErrMissingSeatClaims
	}
	return *claims, nil
}

// ValidateRequest reads a Bearer token, falling back to the access_token query parameter.
func (v *ParticipantValidator) ValidateRequest(r *http.Request) (ParticipantClaims, error) {
	if r == nil {
		return ParticipantClaims{}, ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return v.ValidateToken(token)
	}
	return v.ValidateToken(r.URL.Query().Get(AccessTokenParam))
}
