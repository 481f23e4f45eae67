// Package server exposes the HTTP API: account registration and login, case
// registration, photo search, lifecycle transitions and notifications.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"personfinder/internal/app"
	"personfinder/internal/ratelimit"
	"personfinder/pkg/domain"
)

// Strictness is clamped to this range at the HTTP boundary; the match engine
// itself accepts any value in [0,1].
const (
	minStrictness     = 0.2
	maxStrictness     = 0.7
	defaultStrictness = 0.5
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	AuthLimiter     *ratelimit.FixedWindowLimiter
	SearchLimiter   *ratelimit.FixedWindowLimiter
	MaxUploadBytes  int64
	PhotoExtensions []string
}

// Server exposes the HTTP endpoints.
type Server struct {
	app             *app.App
	authLimiter     *ratelimit.FixedWindowLimiter
	searchLimiter   *ratelimit.FixedWindowLimiter
	maxUploadBytes  int64
	photoExtensions map[string]bool
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 8 << 20
	}
	exts := make(map[string]bool, len(cfg.PhotoExtensions))
	for _, e := range cfg.PhotoExtensions {
		exts[strings.ToLower(e)] = true
	}
	if len(exts) == 0 {
		exts[".jpg"] = true
		exts[".jpeg"] = true
		exts[".png"] = true
	}
	s := &Server{
		app:             cfg.App,
		authLimiter:     cfg.AuthLimiter,
		searchLimiter:   cfg.SearchLimiter,
		maxUploadBytes:  maxUpload,
		photoExtensions: exts,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/register", s.handleRegister)
	s.mux.HandleFunc("/api/login", s.handleLogin)

	// cases
	s.mux.Handle("/api/person/register", s.authenticated(s.handleRegisterCase))
	s.mux.Handle("/api/person/search", s.authenticated(s.handleSearch))
	s.mux.Handle("/api/person/my-cases", s.authenticated(s.handleMyCases))
	s.mux.Handle("/api/person/found-cases", s.authenticated(s.handleFoundCases))
	s.mux.Handle("/api/person/all-active-cases", s.authenticated(s.handleAllActiveCases))
	s.mux.Handle("/api/person/", s.authenticated(s.handleCaseSubtree))

	// notifications
	s.mux.Handle("/api/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("/api/notifications/", s.authenticated(s.handleNotificationSubtree))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrTokenInvalid) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, user)
	})
}

// account handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuth(r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	slog.Info("security_event", "event", "signup", "user_id", user.ID, "ip", clientIP(r))
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuth(r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	// Credentials arrive as a URL-encoded form, OAuth2 password-grant style.
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	token, user, err := s.app.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			slog.Warn("security_event", "event", "login_failed", "username", username, "ip", clientIP(r))
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Role:        user.Role,
	})
}

// case handlers

func (s *Server) handleRegisterCase(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	photo, filename, contentType, ok := s.readPhoto(w, r)
	if !ok {
		return
	}
	age, err := strconv.Atoi(strings.TrimSpace(r.FormValue("age")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "age must be an integer")
		return
	}
	in := app.CaseInput{
		Name:     r.FormValue("name"),
		Age:      age,
		Gender:   r.FormValue("gender"),
		Location: r.FormValue("loc"),
	}
	c, err := s.app.RegisterCase(r.Context(), user, in, photo, filename, contentType)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, caseResponse{
		Message: "Case registered successfully.",
		Case:    c,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.searchLimiter != nil && !s.searchLimiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	photo, _, _, ok := s.readPhoto(w, r)
	if !ok {
		return
	}
	strictness := defaultStrictness
	if raw := strings.TrimSpace(r.FormValue("strictness")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "strictness must be a number")
			return
		}
		strictness = parsed
	}
	if strictness < minStrictness {
		strictness = minStrictness
	}
	if strictness > maxStrictness {
		strictness = maxStrictness
	}
	matches, err := s.app.Search(r.Context(), user, photo, strictness)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	slog.Info("security_event", "event", "photo_search", "user_id", user.ID, "strictness", strictness, "matches", len(matches))
	writeJSON(w, http.StatusOK, searchResponse{Matches: matches, Count: len(matches)})
}

func (s *Server) handleMyCases(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cases, err := s.app.MyCases(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, casesResponse{Cases: cases, Count: len(cases)})
}

func (s *Server) handleFoundCases(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cases, err := s.app.FoundCases(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, casesResponse{Cases: cases, Count: len(cases)})
}

func (s *Server) handleAllActiveCases(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cases, err := s.app.AllActiveCases(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, casesResponse{Cases: cases, Count: len(cases)})
}

// handleCaseSubtree matches /api/person/{id}/mark-found.
func (s *Server) handleCaseSubtree(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/person/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "mark-found" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	c, err := s.app.MarkFound(r.Context(), user, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponse{
		Message: "Case marked as found.",
		Case:    c,
	})
}

// notification handlers

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	notes, err := s.app.Notifications(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: notes, Count: len(notes)})
}

// handleNotificationSubtree matches /api/notifications/{id}/read.
func (s *Server) handleNotificationSubtree(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "read" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkNotificationRead(r.Context(), user, parts[0]); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read."})
}

// readPhoto pulls the "photo" part out of a multipart form, enforcing the
// size cap and extension allowlist. On failure it writes the response itself
// and returns ok=false.
func (s *Server) readPhoto(w http.ResponseWriter, r *http.Request) (data []byte, filename, contentType string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body or photo too large")
		return nil, "", "", false
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo file is required")
		return nil, "", "", false
	}
	defer file.Close()

	ext := strings.ToLower(path.Ext(header.Filename))
	if !s.photoExtensions[ext] {
		writeError(w, http.StatusBadRequest, "unsupported photo type")
		return nil, "", "", false
	}
	data, err = io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil || int64(len(data)) > s.maxUploadBytes {
		writeError(w, http.StatusBadRequest, "photo too large")
		return nil, "", "", false
	}
	return data, header.Filename, header.Header.Get("Content-Type"), true
}

func (s *Server) allowAuth(r *http.Request) bool {
	if s.authLimiter == nil {
		return true
	}
	return s.authLimiter.Allow(clientIP(r))
}

// writeAppError maps application errors to HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrUsernameTaken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrAlreadyFound):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrDependency):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("unhandled request error", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	Role        domain.UserRole `json:"role"`
}

type searchResponse struct {
	Matches []domain.MatchResult `json:"matches"`
	Count   int                  `json:"count"`
}

type casesResponse struct {
	Cases []domain.Case `json:"cases"`
	Count int           `json:"count"`
}

type caseResponse struct {
	Message string      `json:"message"`
	Case    domain.Case `json:"case"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Count         int                   `json:"count"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
