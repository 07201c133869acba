package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"whatsmgr/internal/constants"
	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"
	"whatsmgr/internal/middleware"
	"whatsmgr/internal/models"
	"whatsmgr/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type sessionService interface {
	StartSession(ctx context.Context, descriptor *models.Session, tenantID int64) error
	RemoveSession(ctx context.Context, sessionID int64, logout bool)
	RestartTenantSessions(ctx context.Context, tenantID int64) error
}

type sessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	FindSessionByID(ctx context.Context, id int64) (*models.Session, error)
	Ping(ctx context.Context) error
}

type subscriptions interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, channel string)
}

type Server struct {
	cfg      models.ServerConfig
	router   *mux.Router
	logger   *logrus.Logger
	sessions sessionService
	store    sessionStore
	hub      subscriptions
	server   *http.Server
}

func NewServer(cfg models.ServerConfig, sessions sessionService, store sessionStore, hub subscriptions, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		sessions: sessions,
		store:    store,
		hub:      hub,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	sessions := s.router.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", s.handleCreateSession()).Methods(http.MethodPost)
	sessions.HandleFunc("/{id:[0-9]+}", s.handleGetSession()).Methods(http.MethodGet)
	sessions.HandleFunc("/{id:[0-9]+}", s.handleRemoveSession()).Methods(http.MethodDelete)
	sessions.HandleFunc("/{id:[0-9]+}/start", s.handleStartSession()).Methods(http.MethodPost)

	s.router.HandleFunc("/tenants/{id:[0-9]+}/restart", s.handleRestartTenant()).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/{channel}", s.handleSubscribe()).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting admin server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleMetrics returns current application metrics
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		s.writeJSON(w, http.StatusOK, metrics.GetRegistry().Snapshot())
	}
}

type createSessionRequest struct {
	Name       string     `json:"name"`
	TenantID   int64      `json:"tenantId"`
	AllowGroup bool       `json:"allowGroup"`
	ImportFrom *time.Time `json:"importOldMessages,omitempty"`
	ImportTo   *time.Time `json:"importRecentMessages,omitempty"`
}

func (r createSessionRequest) validate() error {
	if err := validation.ValidateSessionName(r.Name); err != nil {
		return err
	}
	if err := validation.ValidateID("tenantId", r.TenantID); err != nil {
		return err
	}
	return validation.ValidateImportWindow(r.ImportFrom, r.ImportTo)
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("body", "must be a JSON session descriptor"))
			return
		}
		if err := req.validate(); err != nil {
			s.writeError(w, r, err)
			return
		}

		session := &models.Session{
			Name:          req.Name,
			TenantID:      req.TenantID,
			AllowGroup:    req.AllowGroup,
			Status:        models.StatusPending,
			ImportStartAt: req.ImportFrom,
			ImportEndAt:   req.ImportTo,
		}
		if err := s.store.CreateSession(r.Context(), session); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, session)
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		session, err := s.store.FindSessionByID(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) handleStartSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		session, err := s.store.FindSessionByID(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.sessions.StartSession(r.Context(), session, session.TenantID); err != nil {
			s.writeError(w, r, err)
			return
		}

		if current, err := s.store.FindSessionByID(r.Context(), id); err == nil {
			session = current
		}
		s.writeJSON(w, http.StatusAccepted, session)
	}
}

func (s *Server) handleRemoveSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		logout := false
		if v := r.URL.Query().Get("logout"); v != "" {
			logout, err = strconv.ParseBool(v)
			if err != nil {
				s.writeError(w, r, apperrors.NewInvalidInputError("logout", "must be true or false"))
				return
			}
		}

		s.sessions.RemoveSession(r.Context(), id, logout)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRestartTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.sessions.RestartTenantSessions(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleSubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWebSocket(w, r, mux.Vars(r)["channel"])
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apperrors.NewInvalidInputError("id", "must be a positive integer")
	}
	return id, validation.ValidateID("id", id)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		apperrors.LogError(s.logger, err, "Admin request failed", logrus.Fields{
			"request_id": middleware.RequestID(r.Context()),
		})
	}
	s.writeJSON(w, status, apperrors.ToHTTPResponse(err))
}
