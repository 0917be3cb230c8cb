package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recordsync"

// Prometheus is a Collector backed by prometheus/client_golang.
type Prometheus struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	applied     *prometheus.CounterVec
	refetches   *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	fetches     *prometheus.HistogramVec
	subscribers *prometheus.GaugeVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates the collector and registers it with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events fanned out, by channel and resource.",
		}, []string{"channel", "resource"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Messages dropped because a subscriber queue was full.",
		}, []string{"channel", "resource"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Received change events by store outcome.",
		}, []string{"resource", "outcome"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refetches_total",
			Help:      "Full refetches by trigger.",
		}, []string{"resource", "reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Channel reconnection attempts.",
		}, []string{"channel", "resource"}),
		fetches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Full fetch latency by data source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource", "source"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected subscribers by channel.",
		}, []string{"channel"}),
	}

	for _, c := range []prometheus.Collector{
		p.published, p.dropped, p.applied, p.refetches, p.reconnects, p.fetches, p.subscribers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) EventPublished(channel, resource string) {
	p.published.WithLabelValues(channel, resource).Inc()
}

func (p *Prometheus) EventDropped(channel, resource string) {
	p.dropped.WithLabelValues(channel, resource).Inc()
}

func (p *Prometheus) EventApplied(resource, outcome string) {
	p.applied.WithLabelValues(resource, outcome).Inc()
}

func (p *Prometheus) Refetch(resource, reason string) {
	p.refetches.WithLabelValues(resource, reason).Inc()
}

func (p *Prometheus) ReconnectAttempt(channel, resource string) {
	p.reconnects.WithLabelValues(channel, resource).Inc()
}

func (p *Prometheus) FetchCompleted(resource, source string, d time.Duration) {
	p.fetches.WithLabelValues(resource, source).Observe(d.Seconds())
}

func (p *Prometheus) SubscriberConnected(channel string) {
	p.subscribers.WithLabelValues(channel).Inc()
}

func (p *Prometheus) SubscriberDisconnected(channel string) {
	p.subscribers.WithLabelValues(channel).Dec()
}
