package reading

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSampler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewSimSampler(42, 0)
	prev := s.last
	for i := 0; i < 1000; i++ {
		sample, err := s.Sample(ctx)
		require.NoError(t, err)
		assert.InDelta(t, prev.Temperature, sample.Temperature, 0.25)
		assert.InDelta(t, prev.Humidity, sample.Humidity, 0.55)
		assert.True(t, sample.Humidity >= 0 && sample.Humidity <= 100)
		prev = sample
	}

	s.FailRatio = 1
	_, err := s.Sample(ctx)
	assert.Equal(t, ErrTransientSample, errors.Cause(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Sample(cctx)
	assert.Equal(t, context.Canceled, err)
}

func TestSampleValue(t *testing.T) {
	t.Parallel()

	s := Sample{Temperature: -4.5, Humidity: 80}
	v, ok := s.Value(MetricTemperature)
	assert.True(t, ok)
	assert.Equal(t, -4.5, v)
	v, ok = s.Value(MetricHumidity)
	assert.True(t, ok)
	assert.Equal(t, 80.0, v)
	_, ok = s.Value("pressure")
	assert.False(t, ok)
}
