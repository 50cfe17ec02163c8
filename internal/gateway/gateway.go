// Package gateway is the executor-facing HTTP surface. Node agents
// poll it for their staged execution graph, upload result reports,
// send heartbeats and exchange experiment flags. The routes carry no
// authentication: the executor ID handed out at deployment time is
// the only credential an agent ever holds.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netmark-org/netmark/internal/blackboard"
	"github.com/netmark-org/netmark/internal/core"
	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage"
)

// API bundles the executor routes over the shared store and
// blackboard. The frontend mounts it under the same /api/v1 prefix
// the user surface lives on.
type API struct {
	store storage.Store
	board blackboard.Blackboard
}

func New(store storage.Store, board blackboard.Blackboard) *API {
	return &API{store: store, board: board}
}

// ConfigureRoutes attaches the executor-facing routes to r.
func (a *API) ConfigureRoutes(r chi.Router) {
	r.Get("/executor/graph", a.serveGraph)
	r.Post("/executor/result", a.receiveResult)
	r.Get("/executor/heartbeat/{executor_id}", a.receiveHeartbeat)

	r.Route("/experiment/{experiment_id}/flag/{name}", func(r chi.Router) {
		r.Get("/", a.getFlag)
		r.Post("/", a.setFlag)
		r.Post("/increment", a.adjustFlag(1))
		r.Post("/decrement", a.adjustFlag(-1))
	})
}

// serveGraph hands the polling executor its staged execution graph in
// encoded form. 204 means nothing is staged yet and the executor
// should keep polling.
func (a *API) serveGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executorID := r.URL.Query().Get("executor_id")
	if executorID == "" {
		writeError(w, http.StatusBadRequest, "executor_id is required")
		return
	}

	encoded, staged, err := blackboard.LoadGraph(ctx, a.board, executorID)
	if err != nil {
		logger.Error(ctx, "Failed to load staged graph", "executor", executorID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution graph")
		return
	}
	if !staged {
		logger.Warn(ctx, "Executor asked for a graph that is not staged", "executor", executorID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(encoded))
}

// resultUpload is the executor's report envelope. State is optional
// and defaults to FINISHED for agents that only report once at the
// very end.
type resultUpload struct {
	ExecutorID string `json:"executor_id"`
	Results    string `json:"results"`
	State      *int   `json:"state"`
}

// receiveResult stores an uploaded report in the executor's result
// slot. Only a report sent in a terminal state marks the executor
// finished; earlier uploads are progress snapshots the watcher
// surfaces as partial results.
func (a *API) receiveResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var upload resultUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid result payload")
		return
	}
	if upload.ExecutorID == "" {
		writeError(w, http.StatusBadRequest, "executor_id is required")
		return
	}

	if _, err := a.store.ExecutorByID(ctx, upload.ExecutorID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "executor not found")
			return
		}
		logger.Error(ctx, "Failed to look up executor", "executor", upload.ExecutorID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to look up executor")
		return
	}

	state := core.ExecutorFinished
	if upload.State != nil {
		state = core.ExecutorState(*upload.State)
	}

	envelope := blackboard.ExecutorResult{EncodedReport: upload.Results, State: state}
	if err := blackboard.StoreResult(ctx, a.board, upload.ExecutorID, envelope); err != nil {
		logger.Error(ctx, "Failed to store executor result", "executor", upload.ExecutorID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store result")
		return
	}

	if state.Terminal() {
		if err := a.store.FinishExecutor(ctx, upload.ExecutorID, ""); err != nil {
			logger.Error(ctx, "Failed to mark executor finished", "executor", upload.ExecutorID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to mark executor finished")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) receiveHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executorID := chi.URLParam(r, "executor_id")

	if err := blackboard.Touch(ctx, a.board, executorID, time.Now().UTC()); err != nil {
		logger.Error(ctx, "Failed to record heartbeat", "executor", executorID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) getFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := chi.URLParam(r, "experiment_id")
	name := chi.URLParam(r, "name")

	values, set, err := blackboard.GetFlag(ctx, a.board, experimentID, name)
	if err != nil {
		logger.Error(ctx, "Failed to read flag", "experiment", experimentID, "flag", name, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read flag")
		return
	}
	if !set {
		writeError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, values)
}

// flagUpdate distinguishes an omitted field from a zero value, so a
// bare {"int_value": 0} is a valid update while {} is rejected.
type flagUpdate struct {
	TextValue *string `json:"text_value"`
	IntValue  *int64  `json:"int_value"`
}

func (a *API) setFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	experimentID := chi.URLParam(r, "experiment_id")
	name := chi.URLParam(r, "name")

	var update flagUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flag payload")
		return
	}
	if update.TextValue == nil && update.IntValue == nil {
		writeError(w, http.StatusBadRequest, "Either text_value or int_value must be set")
		return
	}

	var values blackboard.FlagValues
	if update.TextValue != nil {
		values.TextValue = *update.TextValue
	}
	if update.IntValue != nil {
		values.IntValue = *update.IntValue
	}

	if err := blackboard.SetFlag(ctx, a.board, experimentID, name, values); err != nil {
		logger.Error(ctx, "Failed to set flag", "experiment", experimentID, "flag", name, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to set flag")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// adjustFlag builds the increment and decrement handlers. The
// adjustment is atomic on the board and only valid for flags holding
// bare integers; a flag written through setFlag is a JSON document
// and cannot be adjusted.
func (a *API) adjustFlag(delta int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		experimentID := chi.URLParam(r, "experiment_id")
		name := chi.URLParam(r, "name")

		if _, err := blackboard.AdjustFlag(ctx, a.board, experimentID, name, delta); err != nil {
			if errors.Is(err, blackboard.ErrNotAnInteger) {
				writeError(w, http.StatusBadRequest, "flag does not hold an integer")
				return
			}
			logger.Error(ctx, "Failed to adjust flag", "experiment", experimentID, "flag", name, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to adjust flag")
			return
		}

		w.WriteHeader(http.StatusOK)
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
