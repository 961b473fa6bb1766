// Package metrics holds prometheus collectors of telemetry loops.
// All methods are nil-safe, components built without metrics just skip counting.
package metrics

import (
	"net/http"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitect"

const (
	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultError     = "error"
)

const (
	RolePublish   = "publish"
	RoleSubscribe = "subscribe"
)

type Metrics struct {
	SampleAttempts    *prometheus.CounterVec
	TicksSkipped      prometheus.Counter
	ReadingsSubmitted *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	FramesSkipped     *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	StreamReconnects  *prometheus.CounterVec
	StreamConnected   *prometheus.GaugeVec
	ImagesUploaded    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers collectors in reg. Nil reg means fresh private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		SampleAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_attempts_total",
			Help:      "Sampler calls by result.",
		}, []string{"result"}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Reading ticks skipped after sampling failed.",
		}),
		ReadingsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_submitted_total",
			Help:      "Reading submissions by metric and result.",
		}, []string{"metric", "result"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to stream channel.",
		}, []string{"channel"}),
		FramesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames not sent because source was unreadable.",
		}, []string{"channel"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from stream feed.",
		}, []string{"channel"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream connection attempts after failure.",
		}, []string{"role"}),
		StreamConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while stream connection is up.",
		}, []string{"role", "channel"}),
		ImagesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_uploaded_total",
			Help:      "Image uploads by result.",
		}, []string{"result"}),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{
		m.SampleAttempts, m.TicksSkipped, m.ReadingsSubmitted,
		m.FramesSent, m.FramesSkipped, m.FramesReceived, m.StreamReconnects,
		m.StreamConnected, m.ImagesUploaded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "metrics register")
		}
	}
	return m, nil
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.gatherer, promhttp.HandlerOpts{})
}

func (self *Metrics) SampleAttempt(result string) {
	if self == nil {
		return
	}
	self.SampleAttempts.WithLabelValues(result).Inc()
}

func (self *Metrics) TickSkipped() {
	if self == nil {
		return
	}
	self.TicksSkipped.Inc()
}

func (self *Metrics) ReadingSubmitted(metric string, err error) {
	if self == nil {
		return
	}
	self.ReadingsSubmitted.WithLabelValues(metric, result(err)).Inc()
}

func (self *Metrics) FrameSent(channel string) {
	if self == nil {
		return
	}
	self.FramesSent.WithLabelValues(channel).Inc()
}

func (self *Metrics) FrameSkipped(channel string) {
	if self == nil {
		return
	}
	self.FramesSkipped.WithLabelValues(channel).Inc()
}

func (self *Metrics) FrameReceived(channel string) {
	if self == nil {
		return
	}
	self.FramesReceived.WithLabelValues(channel).Inc()
}

func (self *Metrics) Reconnect(role string) {
	if self == nil {
		return
	}
	self.StreamReconnects.WithLabelValues(role).Inc()
}

func (self *Metrics) Connected(role, channel string, up bool) {
	if self == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	self.StreamConnected.WithLabelValues(role, channel).Set(v)
}

func (self *Metrics) ImageUploaded(err error) {
	if self == nil {
		return
	}
	self.ImagesUploaded.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
