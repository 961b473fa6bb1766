package state

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/reading"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/servicemock"
	"github.com/kentonj/monitect/internal/stream"
	"github.com/kentonj/monitect/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPNG = []byte("\x89PNG\r\n\x1a\n")

func newTestGlobal(t testing.TB, confString string) (context.Context, *Global) {
	log := log2.NewTest(t, log2.LDebug)
	fs := config.NewMockFullReader(map[string]string{"test-inline": confString})
	cfg, err := config.ReadConfig(log, fs, "test-inline")
	require.NoError(t, err, errors.ErrorStack(err))
	ctx, g := NewContext(log)
	g.BuildVersion = "test"
	g.XXX_NewMqttClient = stream.NewMqttMock().MockNew
	require.NoError(t, g.Init(ctx, cfg))
	return ctx, g
}

func TestGetGlobal(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "context['run/state-global'] is nil", func() { GetGlobal(context.Background()) })
	ctx := context.WithValue(context.Background(), ContextKey, "junk")
	assert.Panics(t, func() { GetGlobal(ctx) })

	ctx, g := NewContext(log2.NewTest(t, log2.LDebug))
	assert.Equal(t, g, GetGlobal(ctx))
	g.Stop()
}

func TestInit(t *testing.T) {
	t.Parallel()

	_, g := newTestGlobal(t, `
server_url = "http://hub:8181"
stream_url = "mqtt://broker:1883"
log_debug = true`)
	defer g.StopWait(time.Second)
	assert.Equal(t, "http://hub:8181", g.API.BaseURL())
	_, ok := g.Dialer.(*stream.MqttDialer)
	assert.True(t, ok)
	assert.NotNil(t, g.Metrics)

	log := log2.NewTest(t, log2.LDebug)
	ctx, g2 := NewContext(log)
	defer g2.StopWait(time.Second)
	g2.XXX_NewMqttClient = stream.NewMqttMock().MockNew
	err := g2.Init(ctx, &config.Config{ServerURL: "http://hub", StreamURL: "http://hub", PayloadMode: "hex"})
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
}

func TestGoStop(t *testing.T) {
	t.Parallel()

	ctx, g := newTestGlobal(t, "")
	var finished int32
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, g.Go(ctx, fmt.Sprintf("task%d", i), func(ctx context.Context) error {
			if i == 0 {
				return fmt.Errorf("sibling failure")
			}
			<-ctx.Done()
			atomic.AddInt32(&finished, 1)
			return nil
		}))
	}
	assert.True(t, g.StopWait(5*time.Second))
	assert.Equal(t, int32(2), atomic.LoadInt32(&finished))
	assert.False(t, g.Go(ctx, "late", func(context.Context) error { return nil }))
}

func TestResolveReadingSensors(t *testing.T) {
	t.Parallel()

	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	ctx, g := newTestGlobal(t, fmt.Sprintf(`server_url = "%s"
reading { sensor_name = "attic" retry_delay_ms = 1 }`, srv.URL))
	defer g.StopWait(time.Second)
	existing := svc.AddSensor(sensorapi.TypeHumidity, "attic-humidity")

	ms, err := g.ResolveReadingSensors(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, reading.MetricTemperature, ms[0].Name)
	assert.Equal(t, existing, ms[1].SensorID)
	assert.Equal(t, 1, svc.CreateCount())

	sub, err := g.NewSubmitter(ctx, reading.SamplerFunc(func(context.Context) (reading.Sample, error) {
		return reading.Sample{Temperature: 19.5, Humidity: 60}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, svc.CreateCount())
	require.NoError(t, sub.Tick(ctx))
	assert.Equal(t, []float64{19.5}, svc.Readings(ms[0].SensorID))
	assert.Equal(t, []float64{60}, svc.Readings(existing))
}

func TestResolveReadingSensorsError(t *testing.T) {
	t.Parallel()

	ctx, g := newTestGlobal(t, `server_url = "http://127.0.0.1:1"`)
	defer g.StopWait(time.Second)
	_, err := g.NewSubmitter(ctx, nil)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*sensorapi.RegistrationError)
	assert.True(t, ok, "%T %v", errors.Cause(err), err)
}

func TestRunPublisherSubscriberUploader(t *testing.T) {
	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	defer svc.Close()

	dir, err := ioutil.TempDir("", "monitect-state")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	framesDir := filepath.Join(dir, "frames")
	sinkDir := filepath.Join(dir, "sink")
	require.NoError(t, os.Mkdir(framesDir, 0o755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(framesDir, "pic1.png"), append(testPNG, '1'), 0o644))

	ctx, g := newTestGlobal(t, fmt.Sprintf(`
server_url = "%[1]s"
publish { enabled = true sensor_name = "garage" frames = ["%[2]s/*.png"] interval_ms = 5 }
subscribe { enabled = true client_id = "archiver" sink_dir = "%[3]s" }
camera { enabled = true sensor_name = "garage" frames = ["%[2]s/*.png"] interval_sec = 1 retention_sec = 60 }
reconnect { min_ms = 5 max_sec = 1 }`, srv.URL, framesDir, sinkDir))
	defer g.StopWait(5 * time.Second)

	pub, err := g.NewPublisher(ctx)
	require.NoError(t, err)
	sub, sink, err := g.NewSubscriber()
	require.NoError(t, err)
	assert.Equal(t, "archiver", sub.ClientID())
	up, err := g.NewUploader(ctx)
	require.NoError(t, err)
	// publisher and camera share one camera sensor
	assert.Equal(t, 1, svc.CreateCount())
	camID := svc.Sensors()[0].ID

	require.True(t, g.Go(ctx, "publish", pub.Run))
	require.True(t, g.Go(ctx, "subscribe", func(ctx context.Context) error { return sub.Run(ctx, sink) }))
	require.True(t, g.Go(ctx, "camera", up.Run))

	latest := filepath.Join(sinkDir, "latest.png")
	require.Eventually(t, func() bool {
		b, err := ioutil.ReadFile(latest)
		return err == nil && strings.HasSuffix(string(b), "1")
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.Images(camID) >= 1 }, 5*time.Second, 5*time.Millisecond)

	require.True(t, g.StopWait(5*time.Second))
}

func TestNewPublisherNoFrames(t *testing.T) {
	t.Parallel()

	ctx, g := newTestGlobal(t, `
publish { enabled = true channel = "cam1" frames = ["/nonexistent-monitect/*.png"] }`)
	defer g.StopWait(time.Second)
	_, err := g.NewPublisher(ctx)
	assert.True(t, errors.IsNotFound(err))
}
