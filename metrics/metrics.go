package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

// Collector records session activity.
type Collector interface {
	operation.Observer

	SetPeers(n int)
	PeerEvicted()
	SyncSample(roundTripDelay time.Duration, stored bool)
	BuzzReceived(result string)
	QuestionSent(success bool)
	BusDropped(subscriber string)
}

// Prometheus registers its metrics on a private registry, so several
// sessions in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	opsEnqueued  *prometheus.CounterVec
	opsCompleted *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	peers        prometheus.Gauge
	evictions    prometheus.Counter
	syncRTT      prometheus.Histogram
	syncStored   prometheus.Counter
	buzzes       *prometheus.CounterVec
	questions    *prometheus.CounterVec
	busDropped   *prometheus.CounterVec
}

func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		opsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_enqueued_total",
				Help:      "Operations enqueued, by kind",
			},
			[]string{"kind"},
		),
		opsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Operations completed, by kind and status",
			},
			[]string{"kind", "status"},
		),
		opDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from operation start to completion",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
			},
			[]string{"kind"},
		),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operation_queue_depth",
			Help:      "Pending operations behind the current one",
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Peers with an active link",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_evictions_total",
			Help:      "Peers evicted by the liveness sweep",
		}),
		syncRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_round_trip_seconds",
			Help:      "Round-trip delay of clock sync samples",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		syncStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_estimates_replaced_total",
			Help:      "Samples that replaced a stored estimate",
		}),
		buzzes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buzzes_total",
				Help:      "Buzzes received, by arbitration result",
			},
			[]string{"result"},
		),
		questions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "questions_sent_total",
				Help:      "Question dispatches, by result",
			},
			[]string{"result"},
		),
		busDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_events_dropped_total",
				Help:      "Events dropped for a full subscriber",
			},
			[]string{"subscriber"},
		),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) OperationEnqueued(op operation.Operation, depth int) {
	p.opsEnqueued.WithLabelValues(op.Kind().String()).Inc()
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) OperationStarted(op operation.Operation) {
	p.queueDepth.Dec()
}

func (p *Prometheus) OperationCompleted(op operation.Operation, success bool, status fault.Status, elapsed time.Duration) {
	p.opsCompleted.WithLabelValues(op.Kind().String(), status.String()).Inc()
	p.opDuration.WithLabelValues(op.Kind().String()).Observe(elapsed.Seconds())
}

func (p *Prometheus) SetPeers(n int) {
	p.peers.Set(float64(n))
}

func (p *Prometheus) PeerEvicted() {
	p.evictions.Inc()
}

func (p *Prometheus) SyncSample(roundTripDelay time.Duration, stored bool) {
	p.syncRTT.Observe(roundTripDelay.Seconds())
	if stored {
		p.syncStored.Inc()
	}
}

func (p *Prometheus) BuzzReceived(result string) {
	p.buzzes.WithLabelValues(result).Inc()
}

func (p *Prometheus) QuestionSent(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.questions.WithLabelValues(result).Inc()
}

func (p *Prometheus) BusDropped(subscriber string) {
	p.busDropped.WithLabelValues(subscriber).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) OperationEnqueued(operation.Operation, int)                                {}
func (Nop) OperationStarted(operation.Operation)                                      {}
func (Nop) OperationCompleted(operation.Operation, bool, fault.Status, time.Duration) {}
func (Nop) SetPeers(int)                                                              {}
func (Nop) PeerEvicted()                                                              {}
func (Nop) SyncSample(time.Duration, bool)                                            {}
func (Nop) BuzzReceived(string)                                                       {}
func (Nop) QuestionSent(bool)                                                         {}
func (Nop) BusDropped(string)                                                         {}
