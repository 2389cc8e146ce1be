package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "evilwatch"

type subjectKey struct{}

// subject returns the verified token subject of r, or "" when auth is off.
func subject(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey{}).(string)
	return sub
}

// IssueToken signs an HS256 bearer token for subject. ttl <= 0 issues a
// token without expiry.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyToken checks signature, algorithm, issuer and expiry.
func verifyToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// requireToken guards mutating routes when a secret is configured.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.JWTSecret == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.unauthorized(w, "missing bearer token")
			return
		}
		claims, err := verifyToken(s.opts.JWTSecret, strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")))
		if err != nil {
			s.logger.Printf("rejected token from %s: %v", remoteIP(r.RemoteAddr), err)
			s.unauthorized(w, "invalid bearer token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, claims.Subject)))
	}
}

func (s *Server) unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="evilwatch"`)
	writeError(w, http.StatusUnauthorized, msg)
}
