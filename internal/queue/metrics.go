package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the job queue.
type Metrics struct {
	Jobs *prometheus.GaugeVec
}

// NewMetrics registers the queue metrics once per process.
//
// Metrics:
//   - protoflow_queue_jobs{status} - number of jobs per status
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Jobs: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "protoflow_queue_jobs",
					Help: "Number of implementation jobs by status",
				},
				[]string{"status"},
			),
		}
	})
	return globalMetrics
}
