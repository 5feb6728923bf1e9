package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saintparish4/trafficcop/control-plane/accounting"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/control-plane/scheduler"
	"github.com/saintparish4/trafficcop/shared/models"
)

// NodeStore is the registry surface the API needs
type NodeStore interface {
	Register(req database.RegisterRequest) (*models.Node, error)
	CreateNode(n *models.Node) (*models.Node, error)
	GetNode(id int64) (*models.Node, error)
	GetNodeByInstance(instance string) (*models.Node, error)
	UpdateNode(id int64, patch models.NodePatch) (*models.Node, error)
	DeleteNode(id int64) (*models.Node, error)
	ListNodes() ([]*models.Node, error)
	ListHistory(nodeID int64, from, to string) ([]*models.HistoryRecord, error)
}

// UsageEngine computes per-node cycle usage
type UsageEngine interface {
	ComputeUsage(ctx context.Context, node *models.Node) (accounting.Usage, error)
	ComputeAll(ctx context.Context, nodes []*models.Node) []accounting.NodeUsage
}

// Pusher removes or resets counter groups on the push endpoint
type Pusher interface {
	DeleteInstance(ctx context.Context, instance string) error
	DeleteNode(ctx context.Context, nodeID int64, instance string) error
	ZeroNode(ctx context.Context, nodeID int64, instance string) error
}

// Tasks are the scheduled jobs that can also be triggered by hand
type Tasks interface {
	CaptureDueBaselines(ctx context.Context) (scheduler.BaselineReport, error)
	SummarizeDate(ctx context.Context, day time.Time) (scheduler.SummaryReport, error)
}

// Config wires the API to the rest of the control plane
type Config struct {
	Store  NodeStore
	Usage  UsageEngine
	Source promsource.Source
	Pusher Pusher
	Syncer scheduler.Syncer
	Tasks  Tasks
	Job    string

	// Optional configuration.
	Location  *time.Location
	Clock     clockwork.Clock
	JWTSecret string
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("node store is required")
	}
	if c.Usage == nil {
		return errors.New("usage engine is required")
	}
	if c.Source == nil {
		return errors.New("counter source is required")
	}
	if c.Pusher == nil {
		return errors.New("push client is required")
	}
	if c.Syncer == nil {
		return errors.New("syncer is required")
	}
	if c.Tasks == nil {
		return errors.New("tasks are required")
	}
	if c.Job == "" {
		return errors.New("job is required")
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// API serves the node registry, usage and admin endpoints
type API struct {
	cfg    Config
	logger *slog.Logger
}

func New(logger *slog.Logger, cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{cfg: cfg, logger: logger}, nil
}

// RegisterRoutes registers all API routes
func (api *API) RegisterRoutes(router *mux.Router) {
	// Agent endpoints
	router.HandleFunc("/nodes/register", api.handleRegisterNode).Methods("POST")
	router.HandleFunc("/config/id/{id:[0-9]+}", api.handleGetConfigByID).Methods("GET")
	router.HandleFunc("/config/{instance}", api.handleGetConfigByInstance).Methods("GET")

	// Node read endpoints
	router.HandleFunc("/nodes", api.handleListNodes).Methods("GET")
	router.HandleFunc("/nodes/{id:[0-9]+}", api.handleGetNode).Methods("GET")
	router.HandleFunc("/nodes/{id:[0-9]+}/usage", api.handleGetNodeUsage).Methods("GET")
	router.HandleFunc("/nodes/{id:[0-9]+}/traffic", api.handleGetNodeTraffic).Methods("GET")
	router.HandleFunc("/nodes/{id:[0-9]+}/history", api.handleGetNodeHistory).Methods("GET")

	// Node management endpoints
	manage := router.NewRoute().Subrouter()
	manage.Use(api.requireAdmin)
	manage.HandleFunc("/nodes", api.handleCreateNode).Methods("POST")
	manage.HandleFunc("/nodes/{id:[0-9]+}", api.handleUpdateNode).Methods("PATCH")
	manage.HandleFunc("/nodes/{id:[0-9]+}", api.handleDeleteNode).Methods("DELETE")

	// Admin endpoints
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(api.requireAdmin)
	admin.HandleFunc("/sync-nodes", api.handleSyncNodes).Methods("POST")
	admin.HandleFunc("/baseline", api.handleBaseline).Methods("POST")
	admin.HandleFunc("/summary", api.handleSummary).Methods("POST")
	admin.HandleFunc("/force-update/{id:[0-9]+}", api.handleForceUpdate).Methods("POST")

	// Health and monitoring
	router.HandleFunc("/healthz", api.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api.logger.Info("API routes registered", "admin_auth", api.cfg.JWTSecret != "")
}

// statser is implemented by syncers that keep run statistics
type statser interface {
	Stats() map[string]interface{}
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"ok":   true,
		"time": api.cfg.Clock.Now().UTC(),
	}
	if s, ok := api.cfg.Syncer.(statser); ok {
		resp["discovery"] = s.Stats()
	}
	api.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helper Methods
// =============================================================================

func (api *API) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":   message,
		"success": false,
	}

	if err != nil {
		response["details"] = err.Error()
		if statusCode >= http.StatusInternalServerError {
			api.logger.Error("API error", "message", message, "error", err)
		} else {
			api.logger.Warn("API error", "message", message, "error", err)
		}
	} else {
		api.logger.Warn("API error", "message", message)
	}

	api.writeJSON(w, statusCode, response)
}

// writeStoreError maps registry sentinel errors onto HTTP statuses
func (api *API) writeStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		api.writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, database.ErrIdentityConflict), errors.Is(err, database.ErrIdentityExists):
		api.writeError(w, http.StatusConflict, message, err)
	default:
		api.writeError(w, http.StatusInternalServerError, message, err)
	}
}

func nodeIDVar(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("node id must be a positive integer")
	}
	return id, nil
}

// intQuery reads a positive integer query parameter, clamped to limit
func intQuery(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if v > limit {
		v = limit
	}
	return v, nil
}

func (api *API) now() time.Time {
	return api.cfg.Clock.Now().In(api.cfg.Location)
}
