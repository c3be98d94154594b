// Package metrics exports dispatch activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"federation-rpc/method"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultDispatchLatencyBuckets cover single-instance lookups (sub
// millisecond) up to slow fan-outs bounded by the instance timeout.
var DefaultDispatchLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// DefaultFanOutWidthBuckets count instances per call.
var DefaultFanOutWidthBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128}

// Collector implements dispatch.Observer.
type Collector struct {
	// DispatchTotal counts dispatches. Labels: method, kind, outcome (ok, partial, error)
	DispatchTotal *prometheus.CounterVec

	// DispatchDuration tracks end-to-end dispatch latency. Labels: method, kind
	DispatchDuration *prometheus.HistogramVec

	// FanOutWidth tracks how many instances one call reached. Labels: method
	FanOutWidth *prometheus.HistogramVec

	// InstanceFailures counts failed instance invocations. Labels: method, partition
	InstanceFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates dispatch metrics registered with the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewCollectorWithRegistry creates dispatch metrics registered with reg and
// served from gatherer. Tests pass a fresh prometheus.NewRegistry() for both.
// Collectors already present in reg are reused.
func NewCollectorWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "federation",
				Name:      "dispatch_total",
				Help:      "Total number of dispatched calls, broken down by method, kind and outcome.",
			},
			[]string{"method", "kind", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "federation",
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatch latency in seconds, from routing to merged result.",
				Buckets:   DefaultDispatchLatencyBuckets,
			},
			[]string{"method", "kind"},
		),
		FanOutWidth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "federation",
				Name:      "fanout_width",
				Help:      "Number of instances invoked by one call.",
				Buckets:   DefaultFanOutWidthBuckets,
			},
			[]string{"method"},
		),
		InstanceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "federation",
				Name:      "instance_failures_total",
				Help:      "Total number of failed instance invocations, by method and partition.",
			},
			[]string{"method", "partition"},
		),
		gatherer: gatherer,
	}
	c.DispatchTotal = register(reg, c.DispatchTotal)
	c.DispatchDuration = register(reg, c.DispatchDuration)
	c.FanOutWidth = register(reg, c.FanOutWidth)
	c.InstanceFailures = register(reg, c.InstanceFailures)
	return c
}

// register adds c to reg. When an identical collector is already
// registered, that one is returned and keeps accumulating.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveDispatch records one finished dispatch. Failed calls carry no
// fan-out width.
func (c *Collector) ObserveDispatch(methodName string, kind method.Kind, outcome string, width int, elapsed time.Duration) {
	k := kind.String()
	c.DispatchTotal.WithLabelValues(methodName, k, outcome).Inc()
	c.DispatchDuration.WithLabelValues(methodName, k).Observe(elapsed.Seconds())
	if width > 0 {
		c.FanOutWidth.WithLabelValues(methodName).Observe(float64(width))
	}
}

func (c *Collector) ObserveInstanceFailure(methodName, partition string) {
	c.InstanceFailures.WithLabelValues(methodName, partition).Inc()
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
