package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/scheduler"
	syncpkg "github.com/hounfour/gateway/internal/sync"
)

// AdminHandler exposes process-local operational state (scheduler tasks,
// circuit-breaker state, budget counters) over HTTP for gatewayctl.
// A CLI that opens the shared Redis/PostgreSQL store directly works for
// balance data because that store IS the backing state; scheduler tasks,
// circuit state, and budget counters live only in the running gatewayd
// process's memory, so an admin surface is the idiomatic way to reach
// them from a separate binary.
type AdminHandler struct {
	scheduler *scheduler.Scheduler
	health    *health.Prober
	budgetEnf *budget.Enforcer
	syncer    *syncpkg.Syncer
	log       zerolog.Logger
}

// NewAdminHandler constructs an AdminHandler. Any dependency may be nil;
// the corresponding routes then respond 503.
func NewAdminHandler(sched *scheduler.Scheduler, prober *health.Prober, be *budget.Enforcer, syncer *syncpkg.Syncer, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{scheduler: sched, health: prober, budgetEnf: be, syncer: syncer, log: logger.With().Str("component", "admin_handler").Logger()}
}

// RegisterRoutes registers every /admin/* endpoint on mux.
func (a *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/scheduler/tasks", a.handleSchedulerList)
	mux.HandleFunc("/admin/scheduler/pause", a.handleSchedulerPause)
	mux.HandleFunc("/admin/scheduler/resume", a.handleSchedulerResume)

	mux.HandleFunc("/admin/circuit/status", a.handleCircuitStatus)
	mux.HandleFunc("/admin/circuit/reset", a.handleCircuitReset)

	mux.HandleFunc("/admin/budget/counters", a.handleBudgetCounters)
	mux.HandleFunc("/admin/budget/checkpoint", a.handleBudgetCheckpoint)

	mux.HandleFunc("/admin/pricing/reload", a.handlePricingReload)
	mux.HandleFunc("/admin/pricing/show", a.handlePricingShow)
}

func (a *AdminHandler) handleSchedulerList(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeAdminUnavailable(w, "scheduler")
		return
	}
	writeAdminJSON(w, http.StatusOK, a.scheduler.List())
}

func (a *AdminHandler) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeAdminUnavailable(w, "scheduler")
		return
	}
	taskID := r.URL.Query().Get("task")
	if taskID == "" {
		writeAdminError(w, http.StatusBadRequest, "task query parameter is required")
		return
	}
	a.scheduler.Pause(taskID)
	writeAdminJSON(w, http.StatusOK, map[string]string{"task": taskID, "status": "paused"})
}

func (a *AdminHandler) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeAdminUnavailable(w, "scheduler")
		return
	}
	taskID := r.URL.Query().Get("task")
	if taskID == "" {
		writeAdminError(w, http.StatusBadRequest, "task query parameter is required")
		return
	}
	a.scheduler.Resume(taskID)
	writeAdminJSON(w, http.StatusOK, map[string]string{"task": taskID, "status": "resumed"})
}

func (a *AdminHandler) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeAdminUnavailable(w, "health prober")
		return
	}
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	if provider == "" || model == "" {
		writeAdminError(w, http.StatusBadRequest, "provider and model query parameters are required")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]string{
		"provider": provider, "model": model, "state": string(a.health.StateOf(provider, model)),
	})
}

func (a *AdminHandler) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeAdminUnavailable(w, "health prober")
		return
	}
	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")
	if provider == "" || model == "" {
		writeAdminError(w, http.StatusBadRequest, "provider and model query parameters are required")
		return
	}
	a.health.Reset(provider, model)
	writeAdminJSON(w, http.StatusOK, map[string]string{"provider": provider, "model": model, "state": "CLOSED"})
}

func (a *AdminHandler) handleBudgetCounters(w http.ResponseWriter, r *http.Request) {
	if a.budgetEnf == nil {
		writeAdminUnavailable(w, "budget enforcer")
		return
	}
	writeAdminJSON(w, http.StatusOK, a.budgetEnf.Counters())
}

func (a *AdminHandler) handleBudgetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if a.budgetEnf == nil {
		writeAdminUnavailable(w, "budget enforcer")
		return
	}
	if err := a.budgetEnf.Checkpoint(); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "checkpointed"})
}

func (a *AdminHandler) handlePricingReload(w http.ResponseWriter, r *http.Request) {
	if a.syncer == nil {
		writeAdminUnavailable(w, "syncer")
		return
	}
	if err := a.syncer.InitializeRedis(r.Context()); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *AdminHandler) handlePricingShow(w http.ResponseWriter, r *http.Request) {
	if a.syncer == nil {
		writeAdminUnavailable(w, "syncer")
		return
	}
	alias := r.URL.Query().Get("alias")
	if alias == "" {
		writeAdminError(w, http.StatusBadRequest, "alias query parameter is required")
		return
	}
	pt, err := a.syncer.LookupPricing(r.Context(), alias)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, pt)
}

func writeAdminJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeAdminError(w http.ResponseWriter, statusCode int, message string) {
	writeAdminJSON(w, statusCode, map[string]string{"error": message})
}

func writeAdminUnavailable(w http.ResponseWriter, component string) {
	writeAdminError(w, http.StatusServiceUnavailable, component+" not configured on this gateway")
}
