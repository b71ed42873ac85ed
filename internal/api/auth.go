package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const userContextKey contextKey = 0

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/health": true,
	"/info":   true,
}

// withAuth validates HS256 bearer tokens when a secret is configured.
// The token's sub claim becomes the request's user id. Browsers cannot
// set headers on websocket upgrades, so /events also accepts ?token=.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if len(s.jwtSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok && r.URL.Path == "/events" {
			raw, ok = r.URL.Query().Get("token"), r.URL.Query().Has("token")
		}
		if !ok || strings.TrimSpace(raw) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sillage"`)
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.validateToken(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sillage", error="invalid_token"`)
			s.errorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, userID)))
	})
}

// validateToken parses and validates a JWT, returning its subject.
func (s *Server) validateToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read sub claim: %w", err)
	}
	if sub == "" {
		return "", errors.New("missing sub claim")
	}
	return sub, nil
}

// authUser returns the authenticated user id, if any.
func authUser(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userContextKey).(string)
	return id, ok && id != ""
}

// resolveUser picks the user a request acts as. An authenticated user
// always wins over one named in the request.
func resolveUser(r *http.Request, requested string) string {
	if id, ok := authUser(r); ok {
		return id
	}
	return requested
}

// canAccessUser reports whether the caller may read or write userID's
// data. Without authentication every caller may.
func canAccessUser(r *http.Request, userID string) bool {
	id, ok := authUser(r)
	return !ok || id == userID
}
