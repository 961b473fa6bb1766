package reading

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/juju/errors"
)

// ErrTransientSample is recoverable sensor read failure, sampling is retried.
// Samplers may wrap it with errors.Annotate, compare with errors.Cause.
var ErrTransientSample = errors.New("transient sample error")

// ErrSampleExhausted means all sample attempts of one tick failed transiently.
var ErrSampleExhausted = errors.New("sample attempts exhausted")

const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
)

type Sample struct {
	Temperature float64 // Celsius
	Humidity    float64 // relative, percent
}

func (s Sample) Value(metric string) (float64, bool) {
	switch metric {
	case MetricTemperature:
		return s.Temperature, true
	case MetricHumidity:
		return s.Humidity, true
	}
	return 0, false
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// SimSampler is bounded random walk standing in for DHT22 hardware.
// FailRatio of reads return ErrTransientSample, like the real sensor
// checksum errors.
type SimSampler struct {
	FailRatio float64

	mu   sync.Mutex
	rand *rand.Rand
	last Sample
}

func NewSimSampler(seed int64, failRatio float64) *SimSampler {
	return &SimSampler{
		FailRatio: failRatio,
		rand:      rand.New(rand.NewSource(seed)),
		last:      Sample{Temperature: 21, Humidity: 45},
	}
}

func (self *SimSampler) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.rand.Float64() < self.FailRatio {
		return Sample{}, errors.Annotate(ErrTransientSample, "sim checksum")
	}
	self.last.Temperature = walk(self.rand, self.last.Temperature, 0.2, -40, 80)
	self.last.Humidity = walk(self.rand, self.last.Humidity, 0.5, 0, 100)
	return self.last, nil
}

func walk(r *rand.Rand, v, step, min, max float64) float64 {
	v += (r.Float64()*2 - 1) * step
	v = math.Max(min, math.Min(max, v))
	return math.Round(v*10) / 10
}
