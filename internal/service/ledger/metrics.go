package ledger

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures ledger telemetry.
type Observer interface {
	RecordConsumption(creditType string, base, referral int64, duration time.Duration)
	RecordRejection(reason string)
	RecordExpired(credits int)
}

type PrometheusObserver struct {
	consumptions *prometheus.CounterVec
	credits      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	expired      prometheus.Counter
	duration     prometheus.Histogram
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "ledger"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		consumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumptions_total",
			Help:      "Committed credit consumptions by credit type.",
		}, []string{"credit_type"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_credits_total",
			Help:      "Credits consumed by pool.",
		}, []string{"pool"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_consumptions_total",
			Help:      "Consumptions rejected by reason.",
		}, []string{"reason"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_referral_credits_total",
			Help:      "Referral credits moved to EXPIRED.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumption_duration_seconds",
			Help:      "Latency of committed consumptions.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	var err error
	if o.consumptions, err = register(reg, o.consumptions); err != nil {
		return nil, err
	}
	if o.credits, err = register(reg, o.credits); err != nil {
		return nil, err
	}
	if o.rejections, err = register(reg, o.rejections); err != nil {
		return nil, err
	}
	if o.expired, err = register(reg, o.expired); err != nil {
		return nil, err
	}
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}

	return o, nil
}

// register returns the already registered collector when one with the same
// description exists, so several observers can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, errors.Wrap(err, "unable to register ledger metric")
	}

	return c, nil
}

func (o *PrometheusObserver) RecordConsumption(creditType string, base, referral int64, duration time.Duration) {
	o.consumptions.WithLabelValues(creditType).Inc()
	o.credits.WithLabelValues("base").Add(float64(base))
	o.credits.WithLabelValues("referral").Add(float64(referral))
	o.duration.Observe(duration.Seconds())
}

func (o *PrometheusObserver) RecordRejection(reason string) {
	o.rejections.WithLabelValues(reason).Inc()
}

func (o *PrometheusObserver) RecordExpired(credits int) {
	o.expired.Add(float64(credits))
}

type NopObserver struct{}

func (NopObserver) RecordConsumption(string, int64, int64, time.Duration) {}

func (NopObserver) RecordRejection(string) {}

func (NopObserver) RecordExpired(int) {}
