// Package api serves run history and logs over HTTP.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/polarfoxDev/cpsnap/internal/auth"
	"github.com/polarfoxDev/cpsnap/internal/database"
	"github.com/polarfoxDev/cpsnap/internal/logging"
)

// DefaultOrigins are the development front ends allowed by CORS
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://localhost:8080",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:8080",
}

const (
	defaultRunLimit = 50
	defaultLogLimit = 1000
)

type Server struct {
	DB      *database.DB
	Logger  *logging.Logger
	Auth    *auth.Auth
	Origins []string
	// AccessLog enables chi's request logger
	AccessLog bool
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.Origins
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	a := s.Auth
	if a == nil {
		a = auth.New("")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth())
		r.Post("/login", handleLogin(a))
		r.Post("/logout", handleLogout(a))

		r.Group(func(r chi.Router) {
			r.Use(a.Middleware)
			r.Get("/runs", s.handleListRuns())
			r.Get("/runs/{id}", s.handleGetRun())
			r.Get("/runs/{id}/logs", s.handleRunLogs())
		})
	})
	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	}
}

// POST /api/login {"password": "..."} sets the auth cookie and returns the token
func handleLogin(a *auth.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.IsEnabled() {
			respondJSON(w, http.StatusOK, map[string]any{"authEnabled": false})
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !a.ValidatePassword(body.Password) {
			respondError(w, http.StatusUnauthorized, "invalid password")
			return
		}
		token, err := a.GenerateToken()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			Expires:  time.Now().Add(auth.TokenExpiry),
		})
		respondJSON(w, http.StatusOK, map[string]any{"authEnabled": true, "token": token})
	}
}

func handleLogout(a *auth.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := a.GetTokenFromRequest(r); token != "" {
			a.InvalidateToken(token)
		}
		http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /api/runs?policy=daily&limit=20 - newest first
func (s *Server) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r, defaultRunLimit)
		if !ok {
			return
		}
		runs, err := s.DB.ListRuns(r.Context(), r.URL.Query().Get("policy"), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, runs)
	}
}

// GET /api/runs/{id}
func (s *Server) handleGetRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.DB.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondJSON(w, http.StatusOK, run)
	}
}

// GET /api/runs/{id}/logs?limit=100 - in the order they were written
func (s *Server) handleRunLogs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r, defaultLogLimit)
		if !ok {
			return
		}
		entries, err := s.Logger.QueryByRunID(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, entries)
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		respondError(w, http.StatusBadRequest, "limit must be a positive number")
		return 0, false
	}
	return n, true
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// Helper to respond with JSON
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON: %v", err)
	}
}
