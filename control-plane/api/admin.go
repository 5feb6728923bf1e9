package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/saintparish4/trafficcop/control-plane/promsource"
)

// =============================================================================
// Admin Endpoints
// =============================================================================

func (api *API) handleSyncNodes(w http.ResponseWriter, r *http.Request) {
	report, err := api.cfg.Syncer.ReconcileNow(r.Context())
	if err != nil && errors.Is(err, promsource.ErrSourceUnavailable) {
		api.writeError(w, http.StatusServiceUnavailable, "Counter source unavailable", err)
		return
	}

	response := map[string]interface{}{
		"ok":        err == nil,
		"added":     report.Added,
		"rebound":   report.Rebound,
		"conflicts": report.Conflicts,
		"malformed": report.Malformed,
		"skipped":   report.Skipped,
		"total":     report.Total,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	api.writeJSON(w, http.StatusOK, response)
}

func (api *API) handleBaseline(w http.ResponseWriter, r *http.Request) {
	report, err := api.cfg.Tasks.CaptureDueBaselines(r.Context())
	if err != nil && len(report.Captured) == 0 && len(report.Deferred) == 0 {
		api.writeError(w, http.StatusInternalServerError, "Baseline capture failed", err)
		return
	}

	// Per-node failures leave the rest of the pass in place
	response := map[string]interface{}{
		"ok":     err == nil,
		"report": report,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	api.writeJSON(w, http.StatusOK, response)
}

func (api *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	day := api.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, api.cfg.Location)
		if err != nil {
			api.writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
			return
		}
		day = d
	}

	report, err := api.cfg.Tasks.SummarizeDate(r.Context(), day)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, promsource.ErrSourceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		api.writeError(w, status, "Daily summary failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"report": report,
	})
}

func (api *API) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDVar(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node id", err)
		return
	}
	node, err := api.cfg.Store.GetNode(id)
	if err != nil {
		api.writeStoreError(w, "Node not found", err)
		return
	}

	if err := api.cfg.Pusher.ZeroNode(r.Context(), node.ID, node.Instance); err != nil {
		api.writeError(w, http.StatusBadGateway, "Failed to reset pushed counters", err)
		return
	}
	api.logger.Info("node counters reset", "node_id", node.ID, "instance", node.Instance)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"node_id":  node.ID,
		"instance": node.Instance,
	})
}
