package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tdnguyen/remedy/internal/core/domain"
	"github.com/tdnguyen/remedy/internal/infra/storage"
)

// Server provides HTTP endpoints for workspace health monitoring.
type Server struct {
	workspaces storage.WorkspaceRepository
	tasks      storage.TaskRepository
	server     *http.Server
}

// Report is the detailed health payload.
type Report struct {
	Status     domain.WorkspaceStatus `json:"status"`
	Workspaces []WorkspaceReport      `json:"workspaces"`
}

// WorkspaceReport is one workspace's health plus its failed backlog.
type WorkspaceReport struct {
	WorkspaceID      string                 `json:"workspace_id"`
	Status           domain.WorkspaceStatus `json:"status"`
	ActiveRecoveries int                    `json:"active_recoveries"`
	FailedTasks      int                    `json:"failed_tasks"`
}

// NewServer creates a new health server.
func NewServer(workspaces storage.WorkspaceRepository, tasks storage.TaskRepository, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		workspaces: workspaces,
		tasks:      tasks,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.buildReport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	// degraded_mode is an explicit, queryable state, not an outage.
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": string(report.Status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report, err := s.buildReport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// buildReport aggregates workspace health; the worst workspace state
// wins as the overall status.
func (s *Server) buildReport(ctx context.Context) (*Report, error) {
	all, err := s.workspaces.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace health: %w", err)
	}

	report := &Report{Status: domain.WorkspaceActive}
	for _, wh := range all {
		failed, err := s.tasks.CountFailed(ctx, wh.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("failed to count failed tasks: %w", err)
		}
		report.Workspaces = append(report.Workspaces, WorkspaceReport{
			WorkspaceID:      wh.WorkspaceID,
			Status:           wh.Status,
			ActiveRecoveries: wh.ActiveRecoveries,
			FailedTasks:      failed,
		})

		switch wh.Status {
		case domain.WorkspaceDegraded:
			report.Status = domain.WorkspaceDegraded
		case domain.WorkspaceAutoRecovering:
			if report.Status == domain.WorkspaceActive {
				report.Status = domain.WorkspaceAutoRecovering
			}
		}
	}
	return report, nil
}
