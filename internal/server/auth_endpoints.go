package server

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/treefix50/watchguard/internal/auth"
)

const errInternal = "internal error"

// handleAuthLogin handles user login
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, "authentication not available", http.StatusNotImplemented)
		return
	}

	if ok, wait := s.limiter.Allow(clientIP(r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, "too many login attempts", http.StatusTooManyRequests)
		return
	}

	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Username) == "" || strings.TrimSpace(payload.Password) == "" {
		writeError(w, "username and password are required", http.StatusBadRequest)
		return
	}

	session, err := s.auth.Login(payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.log.Info("login rejected", "username", payload.Username, "remote", clientIP(r))
			writeError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.log.Error("login failed", "username", payload.Username, "err", err)
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}

	writeJSON(w, session)
}

// handleAuthLogout handles user logout
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, "authentication not available", http.StatusNotImplemented)
		return
	}

	token := extractToken(r)
	if token == "" {
		writeError(w, "missing authorization token", http.StatusUnauthorized)
		return
	}
	if err := s.auth.Logout(token); err != nil {
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleAuthSession validates the current session
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, "authentication not available", http.StatusNotImplemented)
		return
	}

	session, err := s.requireAuth(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, session)
}

// withUser resolves the caller's user id before running h. Without an auth
// manager every caller is the empty user.
func (s *Server) withUser(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			h(w, r, "")
			return
		}
		session, err := s.requireAuth(r)
		if err != nil {
			s.writeAuthError(w, err)
			return
		}
		h(w, r, session.UserID)
	}
}

// requireAuth validates the session and returns it
func (s *Server) requireAuth(r *http.Request) (*auth.Session, error) {
	if s.auth == nil {
		return nil, auth.ErrInvalidToken
	}
	token := extractToken(r)
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.auth.ValidateSession(token)
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired) {
		writeError(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	s.log.Error("session lookup failed", "err", err)
	writeError(w, errInternal, http.StatusInternalServerError)
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
