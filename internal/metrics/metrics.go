// Package metrics records Prometheus metrics for lifecycle operations and
// exports them to a node-exporter textfile, since the CLI exits before it
// could be scraped.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rollbacksTotal    *prometheus.CounterVec
	accessKeysTotal   *prometheus.CounterVec
	deniedTotal       *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// OperationMetrics records lifecycle metrics. The zero value is usable;
// nothing is recorded until InitMetrics has run.
type OperationMetrics struct{}

// NewOperationMetrics creates a new OperationMetrics.
func NewOperationMetrics() *OperationMetrics {
	return &OperationMetrics{}
}

// InitMetrics registers all metrics with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		operationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iamsvc_operations_total",
				Help: "Total number of lifecycle operations by outcome",
			},
			[]string{"operation", "status"},
		)

		operationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iamsvc_operation_duration_seconds",
				Help:    "Duration of lifecycle operations in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"operation"},
		)

		rollbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iamsvc_rollbacks_total",
				Help: "Total number of onboarding rollbacks by result",
			},
			[]string{"result"},
		)

		accessKeysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iamsvc_access_keys_total",
				Help: "Total number of access keys created, rotated or deleted",
			},
			[]string{"action"},
		)

		deniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iamsvc_authorization_denied_total",
				Help: "Total number of operations denied by authorization",
			},
			[]string{"operation"},
		)

		metricsRegistered = true
	})
}

// RecordOperation records the outcome and duration of an operation.
func (m *OperationMetrics) RecordOperation(operation, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordRollback records an onboarding rollback ("completed" or "failed").
func (m *OperationMetrics) RecordRollback(result string) {
	if !metricsRegistered {
		return
	}
	rollbacksTotal.WithLabelValues(result).Inc()
}

// RecordAccessKey records an access key action ("created", "rotated", "deleted").
func (m *OperationMetrics) RecordAccessKey(action string) {
	if !metricsRegistered {
		return
	}
	accessKeysTotal.WithLabelValues(action).Inc()
}

// RecordDenied records an authorization denial.
func (m *OperationMetrics) RecordDenied(operation string) {
	if !metricsRegistered {
		return
	}
	deniedTotal.WithLabelValues(operation).Inc()
}

// WriteTextfile writes all registered metrics to path in the Prometheus
// text format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// GetOperationsTotal returns the operations counter for testing.
func GetOperationsTotal() *prometheus.CounterVec {
	return operationsTotal
}

// GetOperationDuration returns the duration histogram for testing.
func GetOperationDuration() *prometheus.HistogramVec {
	return operationDuration
}

// GetRollbacksTotal returns the rollback counter for testing.
func GetRollbacksTotal() *prometheus.CounterVec {
	return rollbacksTotal
}

// GetAccessKeysTotal returns the access key counter for testing.
func GetAccessKeysTotal() *prometheus.CounterVec {
	return accessKeysTotal
}

// GetDeniedTotal returns the denial counter for testing.
func GetDeniedTotal() *prometheus.CounterVec {
	return deniedTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
