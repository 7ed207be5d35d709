package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour
	// DefaultIssuer and DefaultAudience are stamped on participant tokens.
	DefaultIssuer   = "datenight-api"
	DefaultAudience = "datenight-participants"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTokenTTL      = errors.New("token ttl must be positive")
	errMissingSessionClaim  = errors.New("session id claim must be provided")
)

// Participant identifies one seat of a session.
type Participant struct {
	SessionID string
	Role      sessions.Role
	Name      string
}

// ParticipantClaims is the payload of a participant token.
type ParticipantClaims struct {
	SessionID string        `json:"session_id"`
	Role      sessions.Role `json:"role"`
	Name      string        `json:"name"`
	jwt.RegisteredClaims
}

// Participant returns the seat described by the claims.
func (c ParticipantClaims) Participant() Participant {
	return Participant{SessionID: c.SessionID, Role: c.Role, Name: c.Name}
}

// TokenIssuerConfig configures the participant JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues participant JWTs after a session was created or joined.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL < 0 {
		return nil, errInvalidTokenTTL
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        issuer,
			Audience:      audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueParticipantToken produces a signed JWT and its expiry in seconds.
func (i *TokenIssuer) IssueParticipantToken(_ context.Context, participant Participant) (string, int64, error) {
	if strings.TrimSpace(participant.SessionID) == "" {
		return "", 0, errMissingSessionClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := ParticipantClaims{
		SessionID: participant.SessionID,
		Role:      participant.Role,
		Name:      participant.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant.SessionID + ":" + participant.Role.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validator returns a validator that accepts the tokens this issuer signs.
func (i *TokenIssuer) Validator() *ParticipantValidator {
	return &ParticipantValidator{
		signingSecret: i.config.SigningSecret,
		issuer:        i.config.Issuer,
		audience:      i.config.Audience,
		clock:         i.clock,
	}
}
