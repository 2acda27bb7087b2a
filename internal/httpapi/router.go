// Package httpapi implements the daemon's external HTTP and WebSocket
// surface: plan submission/inspection/cancellation, approval resolution,
// plan-group fan-out, the module capability manifest, the LLM-facing
// context endpoint, and trigger CRUD/lifecycle — the routes named in
// spec.md §6, wired onto github.com/go-chi/chi/v5 with go-chi/cors,
// mirroring the chi-router-plus-CORS-middleware shape exercised in the
// kubernaut example pack.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/imld/daemon/internal/eventbus"
	"github.com/imld/daemon/internal/executor"
	"github.com/imld/daemon/internal/group"
	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/logging"
	"github.com/imld/daemon/internal/registry"
	"github.com/imld/daemon/internal/trigger"
)

// Server bundles every collaborator the HTTP surface dispatches into.
type Server struct {
	Executor    *executor.Executor
	Group       *group.Executor
	Registry    *registry.Registry
	Triggers    *trigger.Daemon
	Bus         eventbus.Bus
	Logger      logging.Logger
	BearerToken string

	router chi.Router
}

// NewRouter builds the chi router with CORS and bearer-auth middleware
// applied to mutating routes.
func (s *Server) NewRouter() chi.Router {
	if s.Logger == nil {
		s.Logger = logging.NoOpLogger{}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "imld.httpapi")
	})

	r.Get("/context", s.handleContext)

	r.Get("/modules", s.handleListModules)
	r.Get("/modules/{id}", s.handleGetModule)
	r.Get("/modules/{id}/actions/{action}/schema", s.handleActionSchema)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Post("/plans", s.handleSubmitPlan)
		r.Get("/plans/{id}", s.handleGetPlan)
		r.Delete("/plans/{id}", s.handleCancelPlan)
		r.Post("/plans/{id}/actions/{action_id}/approve", s.handleApprove)

		r.Post("/plan-groups", s.handleSubmitPlanGroup)

		r.Get("/triggers", s.handleListTriggers)
		r.Post("/triggers", s.handleCreateTrigger)
		r.Get("/triggers/{id}", s.handleGetTrigger)
		r.Delete("/triggers/{id}", s.handleDeleteTrigger)
		r.Post("/triggers/{id}/activate", s.handleActivateTrigger)
		r.Post("/triggers/{id}/deactivate", s.handleDeactivateTrigger)
	})

	r.Get("/events", s.handleEventStream)

	s.router = r
	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.BearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.BearerToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := iml.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "schema error: "+err.Error())
		return
	}

	state, err := s.Executor.Submit(r.Context(), plan, executor.NewSessionMemory())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.Executor.Load(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.Executor.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "id")
	actionID := chi.URLParam(r, "action_id")

	var req struct {
		Decision      string                 `json:"decision"`
		ChangedParams map[string]interface{} `json:"changed_params,omitempty"`
		ChosenOption  int                     `json:"chosen_option,omitempty"`
	}
	body, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.Executor.Approvals().Resolve(planID, actionID, executor.ApprovalDecision{
		Kind:          executor.ApprovalDecisionKind(req.Decision),
		ChangedParams: req.ChangedParams,
		ChosenOption:  req.ChosenOption,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleSubmitPlanGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plans         []json.RawMessage `json:"plans"`
		MaxConcurrent int               `json:"max_concurrent"`
	}
	body, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plans := make([]*iml.Plan, 0, len(req.Plans))
	for _, raw := range req.Plans {
		p, err := iml.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "schema error: "+err.Error())
			return
		}
		plans = append(plans, p)
	}

	g := s.Group
	if req.MaxConcurrent > 0 {
		g = group.New(s.Executor, req.MaxConcurrent)
	}
	agg := g.Run(r.Context(), plans)
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleActionSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")
	spec, ok := s.Registry.ActionSpec(id, action)
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// handleContext renders the LLM-facing system prompt fragment: every
// registered module's capability manifest, condensed to what an IML
// plan author needs.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	modules := s.Registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"protocol_version": "2.0",
		"modules":          modules,
	})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.Triggers.List())
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	body, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var def trigger.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Triggers.Register(&def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	id := chi.URLParam(r, "id")
	def, ok := s.Triggers.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Triggers.Unregister(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Triggers.Activate(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleDeactivateTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Triggers.Deactivate(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
