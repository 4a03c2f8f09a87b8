package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vigil/vigil-server/internal/auth"
	"github.com/vigil/vigil-server/internal/store"
)

const (
	minUsernameLen = 3
	minPasswordLen = 8
)

func registerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if len(req.Username) < minUsernameLen {
			WriteError(w, http.StatusBadRequest, "username too short", "BAD_REQUEST")
			return
		}
		if len(req.Password) < minPasswordLen {
			WriteError(w, http.StatusBadRequest, "password too short", "BAD_REQUEST")
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			cfg.Logger.Error("password hashing failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			return
		}

		id, err := cfg.Store.CreateUser(r.Context(), req.Username, hash)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				WriteError(w, http.StatusConflict, "username already taken", "CONFLICT")
				return
			}
			cfg.Logger.Error("user creation failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			return
		}

		cfg.Store.LogActivity(r.Context(), id, "register", nil)
		cfg.Logger.Info("user registered", "username", req.Username)
		WriteJSON(w, http.StatusCreated, RegisterResponse{ID: id, Username: req.Username})
	}
}

func loginHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		user, err := cfg.Store.GetUserByUsername(r.Context(), req.Username)
		if err != nil {
			// Unknown user and wrong password are indistinguishable.
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
				return
			}
			cfg.Logger.Error("user lookup failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			return
		}

		if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
			WriteError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}

		token, err := cfg.Tokens.Issue(user.ID, user.Username)
		if err != nil {
			cfg.Logger.Error("token issue failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			return
		}

		cfg.Store.LogActivity(r.Context(), user.ID, "login", nil)
		WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
	}
}
