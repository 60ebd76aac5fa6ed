// Package server is the HTTP and WebSocket edge of the fleet: intake
// endpoints, account management, the admin queue surface, and the live
// event stream.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/accounts"
	"github.com/skyfleet-io/skyfleet/config"
	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/fanout"
	"github.com/skyfleet-io/skyfleet/intake"
	"github.com/skyfleet-io/skyfleet/queue"
)

// Server wires the intake service, account store, and fan-out hub
// behind HTTP.
type Server struct {
	cfg      *config.Config
	intake   *intake.Service
	accounts accounts.Store
	registry *queue.Registry
	hub      *fanout.Hub
	logger   *zap.SugaredLogger

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New assembles the server.
func New(cfg *config.Config, intakeSvc *intake.Service, accountStore accounts.Store, registry *queue.Registry, hub *fanout.Hub, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		intake:   intakeSvc,
		accounts: accountStore,
		registry: registry,
		hub:      hub,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()

	// Intake
	mux.HandleFunc("POST /api/jobs/{jobType}", s.handleEnqueue)
	mux.HandleFunc("POST /api/jobs/{jobType}/bulk", s.handleEnqueueBulk)
	mux.HandleFunc("POST /api/jobs/{jobType}/by-category", s.handleEnqueueByCategory)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/groups/{parentId}", s.handleListByParent)

	// Accounts
	mux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /api/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)

	// Admin
	mux.HandleFunc("GET /api/admin/queues", s.requireAdmin(s.handleAdminQueues))

	// Live events
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.httpServer = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains HTTP and closes live WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for websocket clients to close")
	}
	return err
}

// tenantID extracts the caller's tenant. Caller authentication proper
// is terminated upstream; the edge only requires the identity header.
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

// requireAdmin gates a handler behind the admin key when the process
// runs in production with a key configured.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKeyRequired() && r.Header.Get("X-Admin-Key") != s.cfg.Server.AdminKey {
			writeError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		next(w, r)
	}
}
