// Package metrics wraps the statsd client shared by the ledger, the relay
// connection and the workers.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

type Reporter struct {
	client statsd.ClientInterface
	logger *logrus.Entry
}

func NewReporter(client statsd.ClientInterface, logger *logrus.Entry) *Reporter {
	if client == nil {
		client = &statsd.NoOpClient{}
	}
	if logger == nil {
		logger = logrus.WithField("module", "metrics")
	}
	return &Reporter{client: client, logger: logger}
}

// NewNoop returns a reporter that drops everything.
func NewNoop() *Reporter {
	return NewReporter(nil, nil)
}

func (r *Reporter) IncCounter(name string, tags []string) {
	if err := r.client.Count(name, 1, tags, 1); err != nil {
		r.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (r *Reporter) MeasureTime(name string, start time.Time, tags []string) {
	if err := r.client.Timing(name, time.Since(start), tags, 1); err != nil {
		r.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

func (r *Reporter) Gauge(name string, value float64, tags []string) {
	if err := r.client.Gauge(name, value, tags, 1); err != nil {
		r.logger.Errorf("fail to gauge metric, err: %v", err)
	}
}
