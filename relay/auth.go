package relay

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
)

var errAuthSecretWeak = errors.NotValidf("auth secret shorter than 8 bytes")

// TokenAuth checks HS256 bearer tokens. Empty secret disables the check.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) (*TokenAuth, error) {
	if secret == "" {
		return &TokenAuth{}, nil
	}
	if len(secret) < 8 {
		return nil, errAuthSecretWeak
	}
	return &TokenAuth{secret: []byte(secret)}, nil
}

func (a *TokenAuth) Enabled() bool { return a != nil && len(a.secret) != 0 }

// Verify returns token subject.
func (a *TokenAuth) Verify(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if tokenString == "" {
		return "", errors.Unauthorizedf("token required")
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.NewUnauthorized(err, "token")
	}
	if !token.Valid {
		return "", errors.Unauthorizedf("token invalid")
	}
	return claims.Subject, nil
}

// Sign is used by console client and tests.
func (a *TokenAuth) Sign(claims jwt.RegisteredClaims) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// RequestToken takes "Authorization: Bearer" header or ?token= query.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}
