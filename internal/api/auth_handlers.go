package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// tokenResponse is returned by login and refresh.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Username  string `json:"username"`
}

// handleSetup creates the first admin account. Available only while no
// account exists; afterwards it always answers 409.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateUsername("username", req.Username); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validatePassword("password", req.Password); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	count, err := s.deps.Accounts.Count(r.Context())
	if err != nil {
		slog.Error("setup: failed to count accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := store.HashPassword(req.Password)
	if err != nil {
		slog.Error("setup: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	acct := &models.AdminAccount{Username: req.Username, PasswordHash: hash}
	if err := s.deps.Accounts.Create(r.Context(), acct); err != nil {
		slog.Error("setup: failed to create account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("created initial admin account", "username", req.Username)

	token, expires, err := middleware.GenerateToken(s.cfg.JWTSecret, req.Username)
	if err != nil {
		slog.Error("setup: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
		Username:  req.Username,
	})
}

// handleLogin verifies credentials and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	acct, err := s.deps.Accounts.GetByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("login: failed to query account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if acct == nil {
		// Burn a hash check so missing accounts cost the same as wrong
		// passwords.
		store.CheckPassword(req.Password, dummyHash) //nolint:errcheck
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := store.CheckPassword(req.Password, acct.PasswordHash)
	if err != nil {
		slog.Error("login: failed to verify password", "error", err, "username", req.Username)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		slog.Warn("login rejected", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := middleware.GenerateToken(s.cfg.JWTSecret, acct.Username)
	if err != nil {
		slog.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
		Username:  acct.Username,
	})
}

// handleRefresh issues a fresh token for the already-authenticated
// account, extending the session without re-sending credentials.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	username := middleware.Username(r.Context())
	token, expires, err := middleware.GenerateToken(s.cfg.JWTSecret, username)
	if err != nil {
		slog.Error("refresh: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expires.Format(time.RFC3339),
		Username:  username,
	})
}

// handleMe returns the authenticated account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": middleware.Username(r.Context()),
	})
}

// dummyHash is a valid Argon2id hash of a random string, used to keep
// login timing flat when the account does not exist.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHRzb21lc2FsdA$RdescudvJCsgt3ub+b+dWRWJTmaaJObG"
