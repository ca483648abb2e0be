package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/fieldops/server/api"
)

// claims is the JWT payload: the standard subject and expiry plus the
// admin flag.
type claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// signJWT creates an HS256 token for id valid for ttl.
func signJWT(secret string, id api.Identity, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		Admin: id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verifyJWT validates a token and returns the identity it carries.
func verifyJWT(secret, token string) (api.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return api.Identity{}, err
	}
	if c.Subject == "" {
		return api.Identity{}, errors.New("token has no subject")
	}
	return api.Identity{UserID: c.Subject, Admin: c.Admin}, nil
}

// HashPassword returns the bcrypt hash stored in auth.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.logger.Warn("auth.jwt_secret not set; tokens will not survive a restart")
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Admin     bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin checks the bcrypt hash of a configured user and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, ok := s.cfg.User(req.Username)
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	id := api.Identity{UserID: user.ID, Admin: user.Admin}
	token, err := signJWT(s.jwtSecret(), id, now, s.cfg.Auth.TokenTTL)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.logger.Info("login", slog.String("user_id", user.ID), slog.Bool("admin", user.Admin))
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Admin:     user.Admin,
		ExpiresAt: now.Add(s.cfg.Auth.TokenTTL).UTC(),
	})
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := api.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, id)
}

// authMiddleware enforces JWT authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		id, err := verifyJWT(s.jwtSecret(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		// Tokens of removed accounts stop working immediately.
		if _, ok := s.cfg.User(id.UserID); !ok {
			writeJSONError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(api.ContextWithIdentity(r.Context(), id)))
	})
}
