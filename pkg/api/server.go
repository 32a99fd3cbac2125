package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/backup"
	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/orchestrator"
	"github.com/RepGraphics/panel-sub000/pkg/schedule"
	"github.com/RepGraphics/panel-sub000/pkg/session"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/transfer"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// Deps are the subsystems the HTTP API exposes.
type Deps struct {
	Store     storage.Store
	Lifecycle *orchestrator.Orchestrator
	Transfers *transfer.Workflow
	Backups   *backup.Workflow
	Sessions  *session.Manager
	Runner    *schedule.Runner
}

// Server is the panel's operational HTTP API: lifecycle operations,
// transfers, backups, schedules, live console access, and the health and
// metrics endpoints.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and builds its route table.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Get("/{id}", s.handleGetNode)
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Delete("/", s.handleDeleteServer)
				r.Post("/provision", s.handleProvision)
				r.Post("/reinstall", s.handleReinstall)
				r.Post("/power", s.handlePower)
				r.Post("/suspend", s.handleSuspend)
				r.Post("/unsuspend", s.handleUnsuspend)

				r.Get("/console", s.handleConsole)
				r.Post("/connect", s.handleConnect)
				r.Post("/command", s.handleCommand)

				r.Route("/transfers", func(r chi.Router) {
					r.Post("/", s.handleCreateTransfer)
					r.Post("/validate", s.handleValidateTransfer)
				})

				r.Route("/backups", func(r chi.Router) {
					r.Get("/", s.handleListBackups)
					r.Post("/", s.handleCreateBackup)
					r.Post("/sync", s.handleSyncBackups)
				})
			})
		})

		r.Route("/transfers/{id}", func(r chi.Router) {
			r.Post("/start", s.handleStartTransfer)
			r.Post("/cancel", s.handleCancelTransfer)
		})

		r.Route("/backups/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteBackup)
			r.Post("/restore", s.handleRestoreBackup)
			r.Post("/lock", s.handleLockBackup)
			r.Post("/unlock", s.handleUnlockBackup)
		})

		r.Post("/schedules/{id}/run", s.handleRunSchedule)
	})

	s.router = r
	return s
}

// Router exposes the route table, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves the API on addr and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to encode response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *transfer.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStatusConflict),
		errors.Is(err, schedule.ErrAlreadyRunning),
		errors.Is(err, backup.ErrLocked):
		status = http.StatusConflict
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

// opOptions builds the audit options from the requester header.
func opOptions(r *http.Request) *orchestrator.OpOptions {
	return &orchestrator.OpOptions{UserID: r.Header.Get("X-User-ID")}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Store.ListNodes()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.deps.Store.GetNode(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.deps.Store.ListServers()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.deps.Store.GetServer(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, server)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Provision(r.Context(), chi.URLParam(r, "id"), opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (s *Server) handleReinstall(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Reinstall(r.Context(), chi.URLParam(r, "id"), opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Delete(r.Context(), chi.URLParam(r, "id"), opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action types.PowerAction `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !types.ValidPowerAction(body.Action) {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid power action"})
		return
	}
	if err := s.deps.Lifecycle.PowerAction(r.Context(), chi.URLParam(r, "id"), body.Action, opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"action": string(body.Action)})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Suspend(r.Context(), chi.URLParam(r, "id"), opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"suspended": true})
}

func (s *Server) handleUnsuspend(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Unsuspend(r.Context(), chi.URLParam(r, "id"), opOptions(r)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"suspended": false})
}

// consoleResponse is the live session view rendered to clients.
type consoleResponse struct {
	Status     session.ConnectionStatus `json:"status"`
	PowerState types.PowerState         `json:"power_state"`
	Banner     bannerResponse           `json:"banner"`
	Logs       []string                 `json:"logs"`
	Error      string                   `json:"error,omitempty"`
}

type bannerResponse struct {
	Status   session.BannerStatus `json:"status"`
	Message  string               `json:"message,omitempty"`
	Progress int                  `json:"progress"`
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "no active session for server"})
		return
	}
	state := sess.State()
	banner := state.Banner()
	s.respond(w, http.StatusOK, &consoleResponse{
		Status:     sess.Status(),
		PowerState: state.PowerState(),
		Banner:     bannerResponse{Status: banner.Status, Message: banner.Message, Progress: banner.Progress},
		Logs:       state.Logs(),
		Error:      sess.LastError(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetServer(serverID); err != nil {
		s.respondError(w, err)
		return
	}
	if _, err := s.deps.Sessions.Connect(serverID); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}
	if err := s.deps.Sessions.SendCommand(chi.URLParam(r, "id"), body.Command); err != nil {
		s.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, http.StatusAccepted, nil)
}

type transferRequest struct {
	TargetNodeID          string   `json:"target_node_id"`
	TargetAllocationID    string   `json:"target_allocation_id"`
	AdditionalAllocations []string `json:"additional_allocations,omitempty"`
}

func (r transferRequest) options(serverID string) transfer.Options {
	return transfer.Options{
		ServerID:              serverID,
		TargetNodeID:          r.TargetNodeID,
		TargetAllocationID:    r.TargetAllocationID,
		AdditionalAllocations: r.AdditionalAllocations,
	}
}

func (s *Server) handleValidateTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := s.deps.Transfers.Validate(body.options(chi.URLParam(r, "id")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	created, err := s.deps.Transfers.Create(r.Context(), body.options(chi.URLParam(r, "id")))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, created)
}

func (s *Server) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Transfers.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Transfers.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.deps.Store.ListBackupsByServer(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, backups)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string   `json:"name"`
		Ignore []string `json:"ignore,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	record, err := s.deps.Backups.Create(r.Context(), chi.URLParam(r, "id"), body.Name, body.Ignore)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, record)
}

func (s *Server) handleSyncBackups(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Backups.Sync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Backups.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Truncate bool `json:"truncate"`
	}
	// Body is optional for restores.
	_ = json.NewDecoder(r.Body).Decode(&body)
	backupID := chi.URLParam(r, "id")
	record, err := s.deps.Store.GetBackup(backupID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Backups.Restore(r.Context(), backupID, body.Truncate); err != nil {
		s.respondError(w, err)
		return
	}
	// The daemon clears this banner with its restore-completed event.
	if sess, ok := s.deps.Sessions.Get(record.ServerID); ok {
		sess.State().SetBanner(session.BannerRestoring, "Restoring backup", -1)
	}
	s.respond(w, http.StatusAccepted, map[string]string{"status": "restoring"})
}

func (s *Server) handleLockBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Backups.Lock(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"locked": true})
}

func (s *Server) handleUnlockBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Backups.Unlock(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"locked": false})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Runner.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}
