package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	RecordedMessages prometheus.Counter
	RateLimited      prometheus.Counter
	PushConnections  prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "dispatch_attempts_total",
				Help:      "Upstream provider attempts by feature, provider and outcome",
			}, []string{"feature", "provider", "outcome"}),
			RecordedMessages: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "messages_recorded_total",
				Help:      "Total transcript messages recorded",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the per-session rate limit",
			}),
			PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chatrelay",
				Name:      "push_connections",
				Help:      "Open websocket push connections",
			}),
		}
		prometheus.MustRegister(global.DispatchAttempts, global.RecordedMessages, global.RateLimited, global.PushConnections)
	})
	return global
}
