// Package confirm issues the short-lived tokens that authorize destructive
// operations such as a queue reset.
package confirm

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PurposeResetQueue authorizes ResetQueue on one session.
const PurposeResetQueue = "reset_queue"

// Token is an issued confirmation token.
type Token struct {
	Value     string    `json:"confirm_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims represents the JWT payload.
type Claims struct {
	Purpose   string `json:"purpose"`
	SessionID int64  `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer signs and checks confirmation tokens with HS256.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. ttl defaults to two minutes.
func NewIssuer(key, issuer string, ttl time.Duration) (*Issuer, error) {
	if key == "" {
		return nil, errors.New("confirmation signing key is required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Issuer{key: []byte(key), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for purpose on sessionID.
func (i *Issuer) Issue(purpose string, sessionID int64) (Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Purpose:   purpose,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(sessionID, 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign confirmation: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Verify reports an error unless token was issued by i for purpose on
// sessionID and has not expired.
func (i *Issuer) Verify(token, purpose string, sessionID int64) error {
	if token == "" {
		return errors.New("missing confirmation token")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid confirmation: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return errors.New("invalid confirmation")
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return errors.New("issuer mismatch")
	}
	if claims.Purpose != purpose {
		return fmt.Errorf("token is for %q, not %q", claims.Purpose, purpose)
	}
	if claims.SessionID != sessionID {
		return fmt.Errorf("token is for session %d, not %d", claims.SessionID, sessionID)
	}
	return nil
}
