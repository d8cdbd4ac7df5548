package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware returns middleware that validates Bearer token authentication.
// When AuthToken is empty, the middleware is a no-op (allows unauthenticated access).
// Exact paths /health and /metrics are exempt from authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	check := plainTokenCheck(s.config.AuthToken)
	if strings.HasPrefix(s.config.AuthToken, "$2") {
		check = bcryptTokenCheck(s.config.AuthToken)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}
		if !check(strings.TrimPrefix(auth, "Bearer ")) {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func plainTokenCheck(token string) func(string) bool {
	want := []byte(token)
	return func(provided string) bool {
		return subtle.ConstantTimeCompare([]byte(provided), want) == 1
	}
}

func bcryptTokenCheck(hash string) func(string) bool {
	h := []byte(hash)
	return func(provided string) bool {
		return bcrypt.CompareHashAndPassword(h, []byte(provided)) == nil
	}
}

// HashToken returns the bcrypt hash to configure instead of a plain token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
