package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

// routeNamespace dispatches everything under /v0/namespace/{namespace}/...
// by hand: the teacher's idiom is a raw net/http.ServeMux with no router
// library, which has no path-parameter support, so multi-segment paths are
// split and matched here.
func (s *Server) routeNamespace(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v0/namespace/")
	segs := splitPath(rest)
	if len(segs) < 2 {
		http.NotFound(w, r)
		return
	}
	namespace, segs := segs[0], segs[1:]

	switch {
	case len(segs) == 1 && segs[0] == "nodes" && r.Method == http.MethodPost:
		s.handleRegisterNodes(w, r, namespace)
	case len(segs) == 2 && segs[0] == "graph" && r.Method == http.MethodPut:
		s.handleUpsertGraph(w, r, namespace, segs[1])
	case len(segs) == 2 && segs[0] == "graph" && r.Method == http.MethodGet:
		s.handleGetGraph(w, r, namespace, segs[1])
	case len(segs) == 3 && segs[0] == "graph" && segs[2] == "trigger" && r.Method == http.MethodPost:
		s.handleTriggerGraph(w, r, namespace, segs[1])
	case len(segs) == 2 && segs[0] == "states" && segs[1] == "enqueue" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r, namespace)
	case len(segs) == 3 && segs[0] == "states" && segs[2] == "executed" && r.Method == http.MethodPost:
		s.handleExecuted(w, r, namespace, segs[1])
	case len(segs) == 3 && segs[0] == "states" && segs[2] == "errored" && r.Method == http.MethodPost:
		s.handleErrored(w, r, namespace, segs[1])
	case len(segs) == 3 && segs[0] == "states" && segs[2] == "manual-retry" && r.Method == http.MethodPost:
		s.handleManualRetry(w, r, namespace, segs[1])
	case len(segs) == 3 && segs[0] == "runs" && segs[2] == "states" && r.Method == http.MethodGet:
		s.handleStatesByRun(w, r, segs[1])
	case len(segs) == 3 && segs[0] == "runs" && r.Method == http.MethodGet:
		s.handleListRuns(w, r, namespace, segs[1], segs[2])
	case len(segs) == 4 && segs[0] == "runs" && segs[2] == "nodes" && r.Method == http.MethodGet:
		s.handleNodeDetails(w, r, segs[3])
	default:
		http.NotFound(w, r)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func parsePositiveInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
