package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/saintparish4/trafficcop/control-plane/accounting"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/shared/models"
	"github.com/saintparish4/trafficcop/shared/utils"
	"go.uber.org/multierr"
)

const (
	defaultTrafficDays = 7
	maxTrafficDays     = 90
	defaultHistoryDays = 30
	maxHistoryDays     = 366
	trafficStep        = time.Hour
)

// NodeView is one row of the node listing
type NodeView struct {
	*models.Node
	LimitGiB       string      `json:"limit_gib"`
	LimitModeLabel string      `json:"limit_mode_label"`
	UsedBytes      int64       `json:"used_bytes"`
	UsedHuman      string      `json:"used_human"`
	UsageRatio     interface{} `json:"usage_ratio"`
	UsageAvailable bool        `json:"usage_available"`
	UsageError     string      `json:"usage_error,omitempty"`
}

func newNodeView(nu accounting.NodeUsage) NodeView {
	v := NodeView{
		Node:           nu.Node,
		LimitGiB:       utils.GiBString(nu.Node.LimitBytes),
		LimitModeLabel: models.ParseLimitMode(string(nu.Node.LimitMode)).Label(),
		UsedHuman:      utils.HumanBytes(0),
	}
	if nu.Err != nil {
		v.UsageError = nu.Err.Error()
		return v
	}
	v.UsageAvailable = true
	v.UsedBytes = nu.Usage.UsedBytes
	v.UsedHuman = utils.HumanBytes(nu.Usage.UsedBytes)
	if nu.Usage.Unlimited {
		v.UsageRatio = "unlimited"
	} else if nu.Usage.UsageRatio != nil {
		v.UsageRatio = *nu.Usage.UsageRatio
	}
	return v
}

// =============================================================================
// Agent Endpoints
// =============================================================================

func (api *API) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req database.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Instance = strings.TrimSpace(req.Instance)
	if req.Instance != "" && !models.ValidInstance(req.Instance) {
		api.writeError(w, http.StatusBadRequest, "Invalid instance", fmt.Errorf("instance %q must match [A-Za-z0-9._-]+", req.Instance))
		return
	}

	node, err := api.cfg.Store.Register(req)
	if err != nil {
		api.writeStoreError(w, "Failed to register node", err)
		return
	}

	pushInstance := req.Instance
	if pushInstance == "" {
		pushInstance = utils.DefaultAgentInstance(node.ID)
	}
	api.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":        true,
		"node_id":   node.ID,
		"push_path": utils.PushPath(api.cfg.Job, node.ID, pushInstance),
		"node":      node,
	})
}

func (api *API) handleGetConfigByID(w http.ResponseWriter, r *http.Request) {
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
	api.writeJSON(w, http.StatusOK, node.AgentConfig(api.cfg.Clock.Now()))
}

func (api *API) handleGetConfigByInstance(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]
	node, err := api.cfg.Store.GetNodeByInstance(instance)
	if err != nil {
		api.writeStoreError(w, "Instance not registered", err)
		return
	}
	api.writeJSON(w, http.StatusOK, node.AgentConfig(api.cfg.Clock.Now()))
}

// =============================================================================
// Node Management Endpoints
// =============================================================================

func (api *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := api.cfg.Store.ListNodes()
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, "Failed to list nodes", err)
		return
	}

	views := make([]NodeView, 0, len(nodes))
	for _, nu := range api.cfg.Usage.ComputeAll(r.Context(), nodes) {
		views = append(views, newNodeView(nu))
	}
	api.writeJSON(w, http.StatusOK, views)
}

type createNodeRequest struct {
	Instance     string   `json:"instance"`
	DisplayName  string   `json:"display_name"`
	SortOrder    int      `json:"sort_order"`
	ResetDay     int      `json:"reset_day"`
	LimitBytes   int64    `json:"limit_bytes"`
	LimitGiB     *float64 `json:"limit_gib"`
	LimitMode    string   `json:"limit_mode"`
	BandwidthBps int64    `json:"bandwidth_bps"`
}

func (api *API) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	node := &models.Node{
		Instance:     strings.TrimSpace(req.Instance),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		SortOrder:    req.SortOrder,
		ResetDay:     req.ResetDay,
		LimitBytes:   req.LimitBytes,
		LimitMode:    models.LimitMode(req.LimitMode),
		BandwidthBps: req.BandwidthBps,
	}
	if req.LimitGiB != nil {
		node.LimitBytes = utils.GiBToBytes(*req.LimitGiB)
	}
	if err := node.Validate(); err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node", err)
		return
	}

	created, err := api.cfg.Store.CreateNode(node)
	if err != nil {
		api.writeStoreError(w, "Failed to create node", err)
		return
	}
	api.writeJSON(w, http.StatusCreated, created)
}

func (api *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
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
	api.writeJSON(w, http.StatusOK, node)
}

type updateNodeRequest struct {
	models.NodePatch
	LimitGiB *float64 `json:"limit_gib,omitempty"`
}

func (api *API) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDVar(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node id", err)
		return
	}

	var req updateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	patch := req.NodePatch
	if req.LimitGiB != nil {
		limit := utils.GiBToBytes(*req.LimitGiB)
		patch.LimitBytes = &limit
	}
	if patch.Empty() {
		api.writeError(w, http.StatusBadRequest, "Empty update", nil)
		return
	}
	if patch.Instance != nil && !models.ValidInstance(strings.TrimSpace(*patch.Instance)) {
		api.writeError(w, http.StatusBadRequest, "Invalid instance", fmt.Errorf("instance %q must match [A-Za-z0-9._-]+", *patch.Instance))
		return
	}

	node, err := api.cfg.Store.UpdateNode(id, patch)
	if err != nil {
		api.writeStoreError(w, "Failed to update node", err)
		return
	}
	api.writeJSON(w, http.StatusOK, node)
}

func (api *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDVar(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node id", err)
		return
	}

	node, err := api.cfg.Store.DeleteNode(id)
	if err != nil {
		api.writeStoreError(w, "Failed to delete node", err)
		return
	}

	// The registry row is gone either way. Agents push under node_id and
	// instance, so that group has to go or the next discovery pass adopts
	// the id again; the instance-only group is what older agents used.
	response := map[string]interface{}{"ok": true, "node_id": node.ID, "instance": node.Instance}
	err = multierr.Combine(
		api.cfg.Pusher.DeleteNode(r.Context(), node.ID, node.Instance),
		api.cfg.Pusher.DeleteInstance(r.Context(), node.Instance),
	)
	if err != nil {
		response["push_cleanup_error"] = err.Error()
	}
	api.writeJSON(w, http.StatusOK, response)
}

// =============================================================================
// Usage and Traffic Endpoints
// =============================================================================

func (api *API) handleGetNodeUsage(w http.ResponseWriter, r *http.Request) {
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

	usage, err := api.cfg.Usage.ComputeUsage(r.Context(), node)
	if err != nil {
		if errors.Is(err, promsource.ErrSourceUnavailable) {
			api.writeError(w, http.StatusServiceUnavailable, "Usage unavailable", err)
			return
		}
		api.writeError(w, http.StatusInternalServerError, "Failed to compute usage", err)
		return
	}
	api.writeJSON(w, http.StatusOK, usage)
}

// TrafficSeries is one counter series over the requested window
type TrafficSeries struct {
	Instance string             `json:"instance"`
	Iface    string             `json:"iface,omitempty"`
	Points   []promsource.Point `json:"points"`
}

func (api *API) handleGetNodeTraffic(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDVar(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node id", err)
		return
	}
	days, err := intQuery(r, "days", defaultTrafficDays, maxTrafficDays)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}

	end := api.cfg.Clock.Now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	matchers := promsource.LifetimeMatchers(api.cfg.Job, id)

	rx, err := api.cfg.Source.RangeQuery(r.Context(), promsource.Selector(promsource.MetricRx, matchers...), start, end, trafficStep)
	if err != nil {
		api.writeError(w, http.StatusServiceUnavailable, "Traffic unavailable", err)
		return
	}
	tx, err := api.cfg.Source.RangeQuery(r.Context(), promsource.Selector(promsource.MetricTx, matchers...), start, end, trafficStep)
	if err != nil {
		api.writeError(w, http.StatusServiceUnavailable, "Traffic unavailable", err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": id,
		"rx":      trafficSeries(rx),
		"tx":      trafficSeries(tx),
		"period": map[string]interface{}{
			"start": start,
			"end":   end,
			"days":  days,
			"step":  trafficStep.String(),
		},
	})
}

func trafficSeries(in []promsource.Series) []TrafficSeries {
	out := make([]TrafficSeries, 0, len(in))
	for _, s := range in {
		out = append(out, TrafficSeries{
			Instance: s.Labels.Instance,
			Iface:    s.Labels.Raw[promsource.LabelIface],
			Points:   s.Points,
		})
	}
	return out
}

func (api *API) handleGetNodeHistory(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDVar(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid node id", err)
		return
	}
	days, err := intQuery(r, "days", defaultHistoryDays, maxHistoryDays)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}

	today := api.now()
	from := models.HistoryDate(today.AddDate(0, 0, -(days - 1)))
	to := models.HistoryDate(today)
	records, err := api.cfg.Store.ListHistory(id, from, to)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, "Failed to read history", err)
		return
	}
	if records == nil {
		records = []*models.HistoryRecord{}
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": id,
		"from":    from,
		"to":      to,
		"records": records,
	})
}
