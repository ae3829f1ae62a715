// Package auth extracts the signed-in user's identity from the API token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/posync/internal/errs"
)

const leeway = 30 * time.Second

// Claims are the API token claims. Mobile falls back to the subject.
type Claims struct {
	Mobile string `json:"mobile,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the current user.
type Identity struct {
	Mobile    string
	Subject   string
	ExpiresAt time.Time
}

// Parse validates token and returns the identity it carries. With a secret
// the HS256 signature is verified; without one the token is trusted as
// issued by the API and only its time claims are checked.
func Parse(token string, secret []byte) (Identity, error) {
	var claims Claims
	if len(secret) > 0 {
		parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(leeway))
		if err != nil || !parsed.Valid {
			return Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
		}
		if err := jwt.NewValidator(jwt.WithLeeway(leeway)).Validate(&claims); err != nil {
			return Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
		}
	}

	id := Identity{Mobile: claims.Mobile, Subject: claims.Subject}
	if id.Mobile == "" {
		id.Mobile = claims.Subject
	}
	if id.Mobile == "" {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, errors.New("token has no mobile or subject"))
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
