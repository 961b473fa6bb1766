// Package reading samples scalar sensors periodically and submits readings.
package reading

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/log2"
)

const (
	DefaultInterval    = 300 * time.Second
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 1 * time.Second
)

// Sink is sensorapi.Client in production.
type Sink interface {
	SubmitReading(ctx context.Context, sensorID string, value float64) error
}

// Metric binds sample field name to registered sensor id.
type Metric struct {
	Name     string
	SensorID string
}

type Options struct {
	Sampler     Sampler
	Sink        Sink
	Metrics     []Metric
	Interval    time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Log         *log2.Log
	Stats       *metrics.Metrics
}

type Submitter struct {
	opt Options
	log *log2.Log
}

func NewSubmitter(opt Options) (*Submitter, error) {
	if opt.Sampler == nil {
		return nil, errors.NotValidf("reading Sampler=nil")
	}
	if opt.Sink == nil {
		return nil, errors.NotValidf("reading Sink=nil")
	}
	if len(opt.Metrics) == 0 {
		return nil, errors.NotValidf("reading Metrics=empty")
	}
	for _, m := range opt.Metrics {
		if _, ok := (Sample{}).Value(m.Name); !ok {
			return nil, errors.NotValidf("reading metric=%s", m.Name)
		}
		if m.SensorID == "" {
			return nil, errors.NotValidf("reading metric=%s sensor id=empty", m.Name)
		}
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	return &Submitter{opt: opt, log: opt.Log.Named("reading")}, nil
}

// Run performs Tick every Interval until ctx is done.
// Tick errors are logged, never returned.
func (self *Submitter) Run(ctx context.Context) error {
	self.log.Infof("start interval=%v metrics=%v", self.opt.Interval, self.opt.Metrics)
	for {
		tbegin := time.Now()
		if err := self.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			self.log.Error(err)
		}
		if helpers.Sleep(ctx, self.opt.Interval-time.Since(tbegin)) != nil {
			return nil
		}
	}
}

// Tick samples with bounded retry and submits one reading per metric.
// Exhausted retries skip submission and return ErrSampleExhausted.
// Submission errors are independent, each metric is tried.
func (self *Submitter) Tick(ctx context.Context) error {
	sample, err := self.sample(ctx)
	if err != nil {
		if errors.Cause(err) == ErrSampleExhausted {
			self.opt.Stats.TickSkipped()
		}
		return err
	}
	self.log.Debugf("sample %+v", sample)

	var errs []error
	for _, m := range self.opt.Metrics {
		value, _ := sample.Value(m.Name)
		err := self.opt.Sink.SubmitReading(ctx, m.SensorID, value)
		self.opt.Stats.ReadingSubmitted(m.Name, err)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "metric=%s", m.Name))
		}
	}
	return helpers.FoldErrors(errs)
}

func (self *Submitter) sample(ctx context.Context) (Sample, error) {
	for attempt := 1; ; attempt++ {
		s, err := self.opt.Sampler.Sample(ctx)
		switch {
		case err == nil:
			self.opt.Stats.SampleAttempt(metrics.ResultOK)
			return s, nil
		case errors.Cause(err) != ErrTransientSample:
			self.opt.Stats.SampleAttempt(metrics.ResultError)
			return Sample{}, errors.Annotate(err, "sample")
		}
		self.opt.Stats.SampleAttempt(metrics.ResultTransient)
		self.log.Debugf("sample attempt=%d/%d err=%v", attempt, self.opt.MaxAttempts, err)
		if attempt >= self.opt.MaxAttempts {
			return Sample{}, errors.Annotatef(ErrSampleExhausted, "attempts=%d last=%v", attempt, err)
		}
		if err := helpers.Sleep(ctx, self.opt.RetryDelay); err != nil {
			return Sample{}, err
		}
	}
}
