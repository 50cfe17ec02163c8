package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/netmark-org/netmark/internal/auth"
	"github.com/netmark-org/netmark/internal/connectors"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/orchestrator"
	"github.com/netmark-org/netmark/internal/storage"
)

// API implements the authenticated user surface. Every handler reads
// the caller's username from the request context put there by the
// basic-auth middleware.
type API struct {
	store     storage.Store
	registry  *connectors.Registry
	service   *orchestrator.Service
	validator auth.Validator
}

func NewAPI(store storage.Store, registry *connectors.Registry, service *orchestrator.Service, validator auth.Validator) *API {
	return &API{
		store:     store,
		registry:  registry,
		service:   service,
		validator: validator,
	}
}

// ConfigureRoutes attaches the user routes to r. The caller wraps r
// in the basic-auth middleware; health lives outside /api/v1 and is
// registered by the server directly.
func (a *API) ConfigureRoutes(r chi.Router) {
	r.Get("/nodes/{user}", a.listNodes)
	r.Get("/experiment", a.listExperiments)
	r.Post("/experiment/{name}/prepare", a.prepareExperiment)
	r.Post("/experiment/{name}/start", a.startExecution)
	r.Get("/experiment/{name}", a.experimentInfo)
	r.Delete("/experiment/{name}", a.cancelExperiment)
	r.Delete("/executors", a.cancelExecutors)
}

// health reports whether the platform can take work: the database
// answers and at least one connector is healthy. The body lists one
// line per component so an operator sees which leg is down.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbLine := "database: true - ok"
	dbOK := true
	if err := a.store.Ping(ctx); err != nil {
		logger.Error(ctx, "Database health check failed", "err", err)
		dbLine = fmt.Sprintf("database: false - %v", err)
		dbOK = false
	}

	report := a.registry.HealthReport(ctx)
	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(dbLine + "\n")
	anyHealthy := false
	for _, name := range names {
		h := report[name]
		if h.Healthy {
			anyHealthy = true
		}
		fmt.Fprintf(&b, "%s: %t - %s\n", name, h.Healthy, h.Description)
	}

	status := http.StatusOK
	if !dbOK || !anyHealthy {
		status = http.StatusServiceUnavailable
	}
	writeText(w, status, b.String())
}

// listNodes answers the caller's node inventory, aggregated across
// all live connectors. The path user must match the credential;
// anything else reads as a missing resource so usernames cannot be
// probed. An optional ?name= glob narrows the pool.
func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)
	if chi.URLParam(r, "user") != username {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	pool, err := a.registry.GetNodes(ctx, username, nil)
	if err != nil {
		logger.Error(ctx, "Failed to collect nodes", "user", username, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to collect nodes")
		return
	}

	var result core.NodePool = pool
	if pattern := r.URL.Query().Get("name"); pattern != "" {
		result = pool.Filter(func(n *core.Node) bool { return n.MatchesName(pattern) })
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) prepareExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)
	name := chi.URLParam(r, "name")

	var experiment core.Experiment
	if err := json.NewDecoder(r.Body).Decode(&experiment); err != nil {
		writeError(w, http.StatusBadRequest, "invalid experiment payload")
		return
	}

	id, err := a.service.PrepareExperiment(ctx, username, name, &experiment)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, id)
}

// listExperiments answers every experiment the caller owns, keyed by
// name. Reused names resolve to their most recent record.
func (a *API) listExperiments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	infos, err := a.service.Experiments(ctx, userFrom(ctx))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) startExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)
	name := chi.URLParam(r, "name")

	id, err := a.service.StartExecution(ctx, username, name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, id)
}

func (a *API) experimentInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)
	name := chi.URLParam(r, "name")

	info, err := a.service.ExperimentInfo(ctx, username, name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) cancelExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)
	name := chi.URLParam(r, "name")

	if err := a.service.CancelExperiment(ctx, username, name); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "canceled "+name)
}

// cancelExecutors stops the listed executors. IDs the caller does not
// own are dropped by the service, so the response carries no
// per-executor verdicts.
func (a *API) cancelExecutors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := userFrom(ctx)

	var executorIDs []string
	if err := json.NewDecoder(r.Body).Decode(&executorIDs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid executor list")
		return
	}

	if err := a.service.CancelExecutors(ctx, username, executorIDs); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "ok")
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
// Unclassified errors are logged server-side and kept out of the
// response body.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "experiment not found")
	case errors.Is(err, orchestrator.ErrInvalidExperiment):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrConnectorUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
