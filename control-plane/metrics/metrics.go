package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trafficcop_panel_build_info",
		Help: "Build information of the trafficcop control plane",
	},
		[]string{"version", "commit", "date"},
	)

	SourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_source_requests_total",
		Help: "Requests issued to the counter source",
	},
		[]string{"op"},
	)

	SourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_source_errors_total",
		Help: "Counter source requests that failed or timed out",
	},
		[]string{"op"},
	)

	DiscoveryRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficcop_panel_discovery_runs_total",
		Help: "Completed discovery passes",
	})

	DiscoveryChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_discovery_changes_total",
		Help: "Registry mutations and rejections made by discovery",
	},
		[]string{"kind"},
	)

	BaselineCapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_baseline_captures_total",
		Help: "Baseline capture attempts by outcome",
	},
		[]string{"outcome"},
	)

	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_task_runs_total",
		Help: "Scheduled task executions by task and outcome",
	},
		[]string{"task", "outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_notifications_total",
		Help: "Notification sends by channel and outcome",
	},
		[]string{"channel", "outcome"},
	)

	PushRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficcop_panel_push_requests_total",
		Help: "Requests issued to the push endpoint by op and outcome",
	},
		[]string{"op", "outcome"},
	)
)
