package core

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CounterCollector export a CCounterDbVec as prometheus gauges, one metric per counter,
// named <namespace>_<db>_<counter>. Collect is called from the http goroutine so the
// snapshot is taken on the main loop by the snapshot func.
type CounterCollector struct {
	namespace string
	snapshot  func(fn func(vec *CCounterDbVec))
}

// NewCounterCollector snapshot runs fn on the thread that owns vec
func NewCounterCollector(namespace string, snapshot func(fn func(vec *CCounterDbVec))) *CounterCollector {
	return &CounterCollector{namespace: namespace, snapshot: snapshot}
}

func metricName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

// Describe is empty, the collector is unchecked since the counter set can grow
func (o *CounterCollector) Describe(ch chan<- *prometheus.Desc) {}

func (o *CounterCollector) Collect(ch chan<- prometheus.Metric) {
	res := make(chan []prometheus.Metric, 1)
	o.snapshot(func(vec *CCounterDbVec) {
		var metrics []prometheus.Metric
		for _, db := range vec.Vec {
			db.Preupdate()
			for _, rec := range db.Vec {
				v, ok := rec.Float64()
				if !ok {
					continue
				}
				desc := prometheus.NewDesc(
					prometheus.BuildFQName(o.namespace, metricName(db.Name), metricName(rec.Name)),
					rec.Help, nil, prometheus.Labels{"unit": rec.Unit})
				metrics = append(metrics, prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v))
			}
		}
		res <- metrics
	})
	select {
	case metrics := <-res:
		for _, m := range metrics {
			ch <- m
		}
	default:
	}
}

// MetricsHandler http handler of a registry with the collector
func MetricsHandler(c *CounterCollector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
