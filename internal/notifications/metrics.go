package notifications

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedTotal prometheus.Counter
	failedTotal  *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers the notification counters. Safe to call repeatedly.
func InitMetrics() {
	metricsOnce.Do(func() {
		droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "iamsvc_notifications_dropped_total",
			Help: "Total number of notification events dropped due to queue overflow",
		})
		failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iamsvc_notifications_failed_total",
			Help: "Total number of notification deliveries that failed, by provider",
		}, []string{"provider"})
		metricsRegistered = true
	})
}

func incrementDroppedCounter() {
	if metricsRegistered && droppedTotal != nil {
		droppedTotal.Inc()
	}
}

func incrementFailedCounter(provider string) {
	if metricsRegistered && failedTotal != nil {
		failedTotal.WithLabelValues(provider).Inc()
	}
}

// GetDroppedCounter returns the dropped counter, or nil before InitMetrics.
func GetDroppedCounter() prometheus.Counter {
	return droppedTotal
}
