package api

import (
	"context"
	"net/http"
	"time"

	"github.com/moltbunker/stakeledger/internal/buildinfo"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// readyzTimeout bounds the custody balance read done by /readyz.
const readyzTimeout = 3 * time.Second

func (s *Server) uptime() string {
	s.mu.RLock()
	started := s.startedAt
	s.mu.RUnlock()
	if started.IsZero() {
		return "0s"
	}
	return time.Since(started).Round(time.Second).String()
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealthz handles GET /healthz. It only reports that the process is serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:  "healthy",
		Uptime:  s.uptime(),
		Version: buildinfo.GetVersion(),
	})
}

// handleReadyz handles GET /readyz. The server is ready when it is running and,
// if a custody balancer is configured, custody covers every active stake.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:  "ready",
		Uptime:  s.uptime(),
		Version: buildinfo.GetVersion(),
	}

	if !s.isRunning() {
		resp.Status = "not_ready"
		resp.Reason = "server not running"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if s.custody != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()
		if _, err := s.ledger.Reconcile(ctx, s.custody); err != nil {
			logging.Warn("readiness check failed",
				logging.Err(err),
				logging.Component("api"))
			resp.Status = "not_ready"
			resp.Reason = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
