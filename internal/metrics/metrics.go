package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	WebhookRequests  *prometheus.CounterVec
	EnqueuedJobs     prometheus.Counter
	DuplicateJobs    prometheus.Counter
	ProcessedJobs    prometheus.Counter
	FailedJobs       prometheus.Counter
	AssistantRuns    *prometheus.HistogramVec
	GHLValueUpdates  *prometheus.CounterVec
	WebhookLogWrites prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.WebhookRequests,
			global.EnqueuedJobs,
			global.DuplicateJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.AssistantRuns,
			global.GHLValueUpdates,
			global.WebhookLogWrites,
		)
	})
	return global
}

// New builds an unregistered set, for tests that need isolated counters.
func New() *Metrics {
	return &Metrics{
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook requests by route and response status",
		}, []string{"route", "status"}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "queue_enqueued_total",
			Help:      "Async webhook deliveries enqueued to the redis stream",
		}),
		DuplicateJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "queue_duplicate_total",
			Help:      "Async webhook deliveries dropped by idempotency key",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "queue_processed_total",
			Help:      "Async webhook deliveries processed successfully",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "queue_failed_total",
			Help:      "Async webhook delivery attempts that failed",
		}),
		AssistantRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrelay",
			Name:      "assistant_run_seconds",
			Help:      "Wall time of assistant runs from creation to terminal status",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"status"}),
		GHLValueUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "ghl_custom_value_updates_total",
			Help:      "GoHighLevel custom value PUT calls by outcome",
		}, []string{"outcome"}),
		WebhookLogWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "webhook_log_writes_total",
			Help:      "Entries appended to the webhook debug log",
		}),
	}
}
