package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	EscrowsDiscovered    prometheus.Counter
	CredentialsIssued    prometheus.Counter
	OnChainDeliveries    prometheus.Counter
	WatcherErrors        prometheus.Counter
	DeliveriesSubmitted  prometheus.Counter
	Verdicts             *prometheus.CounterVec
	SandboxRuns          *prometheus.CounterVec
	NotificationsSent    *prometheus.CounterVec
	ProcessingDuration   prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		EscrowsDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hale_escrows_discovered_total",
			Help: "Escrow contracts discovered from factory creation events",
		}),
		CredentialsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hale_credentials_issued_total",
			Help: "One-time codes issued to sellers",
		}),
		OnChainDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hale_onchain_deliveries_total",
			Help: "DeliverySubmitted events observed on chain (advisory channel)",
		}),
		WatcherErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hale_watcher_errors_total",
			Help: "Chain watcher iterations that failed and will be retried",
		}),
		DeliveriesSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hale_deliveries_submitted_total",
			Help: "Off-chain deliveries accepted for processing",
		}),
		Verdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hale_verdicts_total",
			Help: "Terminal verdicts by outcome",
		}, []string{"verdict"}),
		SandboxRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hale_sandbox_runs_total",
			Help: "Sandbox executions by result",
		}, []string{"result"}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hale_notifications_total",
			Help: "Telegram notifications by result",
		}, []string{"result"}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hale_delivery_processing_seconds",
			Help:    "Wall-clock time from accepted delivery to terminal verdict",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
