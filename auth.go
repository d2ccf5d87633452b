package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type contextKey string

const userContextKey = contextKey("user")

func (s *Server) POSTLoginHandler(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeMessage(w, http.StatusBadRequest, "Bad request")
		return
	}

	// Check if rate limit has been exceeded
	key := loginRateLimitKey(r, creds.Username)
	lctx, err := s.loginRateLimiter.Peek(r.Context(), key)
	if err != nil {
		s.logFor(r).Error().Err(err).Msg("login rate limiter failed")
		writeMessage(w, http.StatusInternalServerError, "Login failed")
		return
	}
	if lctx.Reached {
		writeMessage(w, http.StatusTooManyRequests, "Too many failed login attempts")
		return
	}

	dbCreds := &DBCredentials{}
	result := s.db.WithContext(r.Context()).First(dbCreds, "username = ?", creds.Username)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			s.logFor(r).Error().Err(result.Error).Msg("failed to load credentials")
			writeMessage(w, http.StatusInternalServerError, "Login failed")
			return
		}
		s.loginRateLimiter.Increment(r.Context(), key, 1)
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(dbCreds.PasswordHash), []byte(creds.Password)); err != nil {
		s.loginRateLimiter.Increment(r.Context(), key, 1)
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	tokenStr, err := s.issueToken(dbCreds.Username)
	if err != nil {
		s.logFor(r).Error().Err(err).Msg("could not generate token")
		writeMessage(w, http.StatusInternalServerError, "Could not generate token")
		return
	}
	s.logFor(r).Info().Str("username", dbCreds.Username).Msg("admin logged in")

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   tokenStr,
	})
}

func loginRateLimitKey(r *http.Request, username string) string {
	ip := r.RemoteAddr
	if addr, ok := parseIP(ip); ok {
		ip = addr.String()
	}
	return fmt.Sprintf("%s:%s", ip, username)
}

func (s *Server) issueToken(username string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtKey)
}

func (s *Server) GETAuthMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(userContextKey).(*Claims)
	if !ok || claims == nil {
		writeMessage(w, http.StatusInternalServerError, "User info not found in context")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      claims.Username,
	})
}

func (s *Server) POSTChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(userContextKey).(*Claims)
	if !ok || claims == nil {
		writeMessage(w, http.StatusInternalServerError, "User info not found in context")
		return
	}

	var req PWChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Bad request")
		return
	}
	if err := validateStruct(&req); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeValidationErrors(w, verr)
			return
		}
		writeMessage(w, http.StatusBadRequest, "Bad request")
		return
	}

	db := s.db.WithContext(r.Context())
	dbCreds := &DBCredentials{}
	if err := db.First(dbCreds, "username = ?", claims.Username).Error; err != nil {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(dbCreds.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		s.logFor(r).Error().Err(err).Msg("could not hash password")
		writeMessage(w, http.StatusInternalServerError, "Could not change password")
		return
	}
	dbCreds.PasswordHash = string(hash)
	if err := db.Save(dbCreds).Error; err != nil {
		s.logFor(r).Error().Err(err).Msg("could not save password")
		writeMessage(w, http.StatusInternalServerError, "Could not change password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// authMiddleware accepts a bearer JWT issued by the login handler, or the
// static admin token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeMessage(w, http.StatusUnauthorized, "Missing auth token")
			return
		}
		tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenStr == "" {
			writeMessage(w, http.StatusUnauthorized, "Missing auth token")
			return
		}

		if s.opts.AdminToken != "" && subtle.ConstantTimeCompare([]byte(tokenStr), []byte(s.opts.AdminToken)) == 1 {
			claims := &Claims{Username: s.opts.AdminUsername}
			ctx := context.WithValue(r.Context(), userContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return s.jwtKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
