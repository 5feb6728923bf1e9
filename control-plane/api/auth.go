package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminSubject = "trafficcop-admin"

var errMissingToken = errors.New("missing bearer token")

// requireAdmin rejects requests without a valid HS256 bearer token. With no
// secret configured the middleware lets everything through.
func (api *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.cfg.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := api.verifyToken(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="trafficcop"`)
			api.writeError(w, http.StatusUnauthorized, "Unauthorized", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *API) verifyToken(r *http.Request) error {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return errMissingToken
	}

	_, err := jwt.Parse(strings.TrimSpace(raw),
		func(*jwt.Token) (interface{}, error) { return []byte(api.cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(adminSubject),
		jwt.WithTimeFunc(api.cfg.Clock.Now),
	)
	return err
}

// IssueAdminToken signs an admin token valid for ttl
func IssueAdminToken(secret string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
