package metrics

import "log/slog"

// SlogCollector emits every observation as a structured log line. It is
// the default Collector wired by cmd/corenode when no richer sink (a
// Prometheus registry, a StatsD client) is configured.
type SlogCollector struct {
	logger *slog.Logger
}

// NewSlogCollector returns a Collector backed by the given logger.
func NewSlogCollector(logger *slog.Logger) *SlogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogCollector{logger: logger}
}

func (c *SlogCollector) IncCounter(name string, labels map[string]string, delta float64) {
	c.logger.Info("metric.counter", "name", name, "delta", delta, "labels", labels)
}

func (c *SlogCollector) SetGauge(name string, labels map[string]string, value float64) {
	c.logger.Info("metric.gauge", "name", name, "value", value, "labels", labels)
}

func (c *SlogCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	c.logger.Info("metric.histogram", "name", name, "value", value, "labels", labels)
}
