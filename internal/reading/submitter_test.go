package reading_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/internal/reading"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/servicemock"
	"github.com/kentonj/monitect/log2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	sensorID string
	value    float64
}

type mockSink struct {
	mu   sync.Mutex
	fail map[string]error
	got  []submission
}

func (m *mockSink) SubmitReading(ctx context.Context, sensorID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, submission{sensorID, value})
	return m.fail[sensorID]
}

func (m *mockSink) submissions() []submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]submission(nil), m.got...)
}

// failing returns sampler failing transiently `fails` times before success.
func failing(fails int32, calls *int32) reading.Sampler {
	return reading.SamplerFunc(func(ctx context.Context) (reading.Sample, error) {
		n := atomic.AddInt32(calls, 1)
		if n <= fails {
			return reading.Sample{}, errors.Annotatef(reading.ErrTransientSample, "read n=%d", n)
		}
		return reading.Sample{Temperature: 22.5, Humidity: 41}, nil
	})
}

var testMetrics = []reading.Metric{
	{Name: reading.MetricTemperature, SensorID: "t1"},
	{Name: reading.MetricHumidity, SensorID: "h1"},
}

func newSubmitter(t testing.TB, opt reading.Options) *reading.Submitter {
	opt.Log = log2.NewTest(t, log2.LDebug)
	if opt.Metrics == nil {
		opt.Metrics = testMetrics
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = time.Millisecond
	}
	s, err := reading.NewSubmitter(opt)
	require.NoError(t, err)
	return s
}

func TestNewSubmitterInvalid(t *testing.T) {
	t.Parallel()

	sampler := reading.NewSimSampler(1, 0)
	sink := &mockSink{}
	cases := []struct {
		name   string
		opt    reading.Options
		expect string
	}{
		{"no-sampler", reading.Options{Sink: sink, Metrics: testMetrics}, "Sampler=nil"},
		{"no-sink", reading.Options{Sampler: sampler, Metrics: testMetrics}, "Sink=nil"},
		{"no-metrics", reading.Options{Sampler: sampler, Sink: sink}, "Metrics=empty"},
		{"bad-metric", reading.Options{Sampler: sampler, Sink: sink, Metrics: []reading.Metric{{Name: "pressure", SensorID: "p"}}}, "metric=pressure"},
		{"no-id", reading.Options{Sampler: sampler, Sink: sink, Metrics: []reading.Metric{{Name: reading.MetricHumidity}}}, "sensor id=empty"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := reading.NewSubmitter(c.opt)
			require.Error(t, err)
			assert.True(t, errors.IsNotValid(err))
			assert.Contains(t, err.Error(), c.expect)
		})
	}
}

func TestTickRetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fails       int32
		expectCalls int32
		expectErr   error
	}{
		{0, 1, nil},
		{1, 2, nil},
		{4, 5, nil},
		{5, 5, reading.ErrSampleExhausted},
		{100, 5, reading.ErrSampleExhausted},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("fails=%d", c.fails), func(t *testing.T) {
			t.Parallel()
			var calls int32
			sink := &mockSink{}
			stats, err := metrics.New(nil)
			require.NoError(t, err)
			s := newSubmitter(t, reading.Options{Sampler: failing(c.fails, &calls), Sink: sink, Stats: stats})

			err = s.Tick(context.Background())
			assert.Equal(t, c.expectCalls, atomic.LoadInt32(&calls))
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				assert.Len(t, sink.submissions(), 0)
				assert.Equal(t, 1.0, testutil.ToFloat64(stats.TicksSkipped))
			} else {
				require.NoError(t, err)
				assert.Equal(t, []submission{{"t1", 22.5}, {"h1", 41}}, sink.submissions())
				assert.Equal(t, 1.0, testutil.ToFloat64(stats.SampleAttempts.WithLabelValues(metrics.ResultOK)))
			}
		})
	}
}

func TestTickRetryDelay(t *testing.T) {
	t.Parallel()

	var calls int32
	s := newSubmitter(t, reading.Options{
		Sampler:    failing(100, &calls),
		Sink:       &mockSink{},
		RetryDelay: 20 * time.Millisecond,
	})
	tbegin := time.Now()
	err := s.Tick(context.Background())
	elapsed := time.Since(tbegin)
	assert.Equal(t, reading.ErrSampleExhausted, errors.Cause(err))
	// 5 attempts, sleeps only between them
	assert.GreaterOrEqual(t, int64(elapsed), int64(80*time.Millisecond))
	assert.Less(t, int64(elapsed), int64(100*time.Millisecond+time.Second))
}

func TestTickPermanentSampleError(t *testing.T) {
	t.Parallel()

	var calls int32
	sampler := reading.SamplerFunc(func(ctx context.Context) (reading.Sample, error) {
		atomic.AddInt32(&calls, 1)
		return reading.Sample{}, fmt.Errorf("device missing")
	})
	sink := &mockSink{}
	s := newSubmitter(t, reading.Options{Sampler: sampler, Sink: sink})
	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device missing")
	assert.Equal(t, int32(1), calls)
	assert.Len(t, sink.submissions(), 0)
}

func TestTickIndependentMetrics(t *testing.T) {
	t.Parallel()

	var calls int32
	sink := &mockSink{fail: map[string]error{"t1": fmt.Errorf("status=500")}}
	stats, err := metrics.New(nil)
	require.NoError(t, err)
	s := newSubmitter(t, reading.Options{Sampler: failing(0, &calls), Sink: sink, Stats: stats})

	err = s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metric=temperature")
	assert.NotContains(t, err.Error(), "metric=humidity")
	assert.Equal(t, []submission{{"t1", 22.5}, {"h1", 41}}, sink.submissions())
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.ReadingsSubmitted.WithLabelValues(reading.MetricTemperature, metrics.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.ReadingsSubmitted.WithLabelValues(reading.MetricHumidity, metrics.ResultOK)))
}

func TestTickCancel(t *testing.T) {
	t.Parallel()

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	sampler := reading.SamplerFunc(func(context.Context) (reading.Sample, error) {
		atomic.AddInt32(&calls, 1)
		return reading.Sample{}, reading.ErrTransientSample
	})
	s := newSubmitter(t, reading.Options{Sampler: sampler, Sink: &mockSink{}, RetryDelay: time.Hour})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.Tick(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunUntilCancel(t *testing.T) {
	t.Parallel()

	var calls int32
	sink := &mockSink{}
	s := newSubmitter(t, reading.Options{
		Sampler:  failing(0, &calls),
		Sink:     sink,
		Interval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	n := len(sink.submissions())
	assert.GreaterOrEqual(t, n, 4)
	assert.Equal(t, 0, n%2)
}

// Always failing sampler skips every tick and the loop keeps ticking.
func TestRunSamplerAlwaysFails(t *testing.T) {
	t.Parallel()

	var calls int32
	sink := &mockSink{}
	stats, err := metrics.New(nil)
	require.NoError(t, err)
	s := newSubmitter(t, reading.Options{
		Sampler:  failing(1000, &calls),
		Sink:     sink,
		Interval: 5 * time.Millisecond,
		Stats:    stats,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2*reading.DefaultMaxAttempts))
	assert.GreaterOrEqual(t, testutil.ToFloat64(stats.TicksSkipped), 2.0)
	assert.Len(t, sink.submissions(), 0)
}

// Sampler fails 4 times then succeeds, one reading per metric reaches the service.
func TestScenarioRetryThenSubmit(t *testing.T) {
	t.Parallel()

	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	api, err := sensorapi.NewClient(sensorapi.Options{BaseURL: srv.URL, Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	ctx := context.Background()
	tid, err := api.Resolve(ctx, sensorapi.TypeTemperature, "dht22-temperature", "C")
	require.NoError(t, err)
	hid, err := api.Resolve(ctx, sensorapi.TypeHumidity, "dht22-humidity", "%")
	require.NoError(t, err)

	var calls int32
	s := newSubmitter(t, reading.Options{
		Sampler: failing(4, &calls),
		Sink:    api,
		Metrics: []reading.Metric{
			{Name: reading.MetricTemperature, SensorID: tid},
			{Name: reading.MetricHumidity, SensorID: hid},
		},
	})
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, int32(5), calls)
	assert.Equal(t, []float64{22.5}, svc.Readings(tid))
	assert.Equal(t, []float64{41}, svc.Readings(hid))

	// humidity endpoint down, temperature still recorded
	svc.FailReadings(hid, http.StatusInternalServerError)
	err = s.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Equal(t, []float64{22.5, 22.5}, svc.Readings(tid))
	assert.Equal(t, []float64{41}, svc.Readings(hid))
}
