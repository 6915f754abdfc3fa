package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/exospherehost/state-manager/internal/dispatcher"
	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/graphtemplate"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/trigger"
)

const maxBody = 2 << 20 // 2MB, matching the teacher gateway's request cap

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(dst)
}

// registerNodesRequest is the body of POST /nodes/.
type registerNodesRequest struct {
	RuntimeName      string `json:"runtime_name"`
	RuntimeNamespace string `json:"runtime_namespace"`
	Nodes            []struct {
		Name          string                        `json:"name"`
		InputsSchema  map[string]domain.FieldSchema `json:"inputs_schema"`
		OutputsSchema map[string]domain.FieldSchema `json:"outputs_schema"`
		Secrets       []string                      `json:"secrets"`
	} `json:"nodes"`
}

type registeredNodeRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleRegisterNodes(w http.ResponseWriter, r *http.Request, namespace string) {
	var req registerNodesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ns := namespace
	if req.RuntimeNamespace != "" {
		ns = req.RuntimeNamespace
	}

	out := make([]registeredNodeRef, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		node := &domain.RegisteredNode{
			Name: n.Name, Namespace: ns,
			InputsSchema: n.InputsSchema, OutputsSchema: n.OutputsSchema,
			Secrets: n.Secrets,
		}
		if err := s.nodes.Register(r.Context(), node); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, registeredNodeRef{Name: n.Name, Namespace: ns})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertGraph(w http.ResponseWriter, r *http.Request, namespace, graphName string) {
	var req graphtemplate.UpsertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tmpl, err := s.graphs.Upsert(r.Context(), namespace, graphName, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, graphView(tmpl))
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request, namespace, graphName string) {
	tmpl, err := s.graphs.Get(r.Context(), namespace, graphName)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, graphView(tmpl))
}

// graphView renders a GraphTemplate for the API: secret values never cross
// the wire, only their presence.
func graphView(tmpl *domain.GraphTemplate) map[string]any {
	return map[string]any{
		"namespace":         tmpl.Namespace,
		"name":              tmpl.Name,
		"nodes":             tmpl.Nodes,
		"retry_policy":      tmpl.RetryPolicy,
		"store_config":      tmpl.StoreConfig,
		"triggers":          tmpl.Triggers,
		"secrets":           tmpl.SecretPresence(),
		"validation_status": tmpl.ValidationStatus,
		"validation_errors": tmpl.ValidationErrors,
		"version":           tmpl.Version,
	}
}

type triggerRequest struct {
	Store      map[string]string `json:"store"`
	Inputs     map[string]string `json:"inputs"`
	StartDelay int64             `json:"start_delay"`
}

func (s *Server) handleTriggerGraph(w http.ResponseWriter, r *http.Request, namespace, graphName string) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.trigger.Trigger(r.Context(), namespace, graphName, trigger.Request{
		Store: req.Store, Inputs: req.Inputs,
		StartDelay: msToDuration(req.StartDelay),
	})
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "CREATED", "run_id": result.RunID})
}

func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, trigger.ErrPreconditionFailed):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type enqueueRequest struct {
	Nodes     []string `json:"nodes"`
	BatchSize int      `json:"batch_size"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, namespace string) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claimed, err := s.dispatcher.Enqueue(r.Context(), dispatcher.EnqueueRequest{Nodes: req.Nodes, BatchSize: req.BatchSize})
	if err != nil {
		writeDispatcherError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

type executedRequest struct {
	Outputs []map[string]any `json:"outputs"`
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request, namespace, stateID string) {
	var req executedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.dispatcher.Executed(r.Context(), stateID, dispatcher.ExecutedRequest{Outputs: req.Outputs})
	if err != nil {
		writeDispatcherError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
}

type erroredRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleErrored(w http.ResponseWriter, r *http.Request, namespace, stateID string) {
	var req erroredRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.dispatcher.Errored(r.Context(), stateID, dispatcher.ErroredRequest{Error: req.Error})
	if err != nil {
		writeDispatcherError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ERRORED", "retry_created": result.RetryCreated})
}

type manualRetryRequest struct {
	FanoutID string `json:"fanout_id"`
}

func (s *Server) handleManualRetry(w http.ResponseWriter, r *http.Request, namespace, stateID string) {
	var req manualRetryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sibling, err := s.dispatcher.ManualRetry(r.Context(), stateID, dispatcher.ManualRetryRequest{FanoutID: req.FanoutID})
	if err != nil {
		writeDispatcherError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": sibling.ID, "status": "CREATED"})
}

func writeDispatcherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, dispatcher.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatcher.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatcher.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, dispatcher.ErrPreconditionFailed):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, namespace, pageStr, sizeStr string) {
	page := parsePositiveInt(pageStr, 0)
	size := parsePositiveInt(sizeStr, 20)
	if size == 0 {
		size = 20
	}
	runs, total, err := s.query.ListRuns(r.Context(), namespace, page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": namespace, "total": total, "page": page, "size": size, "runs": runs,
	})
}

func (s *Server) handleStatesByRun(w http.ResponseWriter, r *http.Request, runID string) {
	identifier := r.URL.Query().Get("identifier")
	states, err := s.query.StatesByRun(r.Context(), runID, identifier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleNodeDetails(w http.ResponseWriter, r *http.Request, stateID string) {
	detail, err := s.query.NodeDetails(r.Context(), stateID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
