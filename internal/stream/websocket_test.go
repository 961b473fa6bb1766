package stream_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/servicemock"
	"github.com/kentonj/monitect/internal/stream"
	"github.com/kentonj/monitect/log2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsEnv struct {
	svc *servicemock.Service
	url string
}

func newWsEnv(t testing.TB) *wsEnv {
	svc := servicemock.New(servicemock.Options{Log: log2.NewTest(t, log2.LDebug)})
	srv := httptest.NewServer(svc)
	t.Cleanup(func() {
		svc.Close()
		srv.Close()
	})
	return &wsEnv{svc: svc, url: srv.URL}
}

func (e *wsEnv) dialer(t testing.TB, mode stream.PayloadMode) stream.Dialer {
	d, err := stream.NewDialer(stream.DialerOptions{
		URL:            e.url,
		Mode:           mode,
		NetworkTimeout: 5 * time.Second,
		Log:            log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	return d
}

func receiveN(t testing.TB, conn stream.Conn, n int) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make([]string, 0, n)
	for len(result) < n {
		f, err := conn.Receive(ctx)
		require.NoError(t, err)
		result = append(result, string(f.Payload))
	}
	return result
}

// Publisher of [pic1, pic2] with subscriber attached yields pic1, pic2, pic1, pic2.
func TestWebsocketPublishScenario(t *testing.T) {
	t.Parallel()

	for _, mode := range []stream.PayloadMode{stream.ModeRaw, stream.ModeBase64} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			const interval = 40 * time.Millisecond
			env := newWsEnv(t)
			channel := env.svc.AddSensor(sensorapi.TypeCamera, "garage")
			ctx := context.Background()

			feed, err := env.dialer(t, stream.ModeRaw).DialFeed(ctx, channel, "viewer")
			require.NoError(t, err)
			defer feed.Close()
			require.Equal(t, 1, env.svc.Hub().Subscribers(channel))

			p, err := stream.NewPublisher(stream.PublisherOptions{
				Channel:  channel,
				Sources:  sources("pic1", "pic2"),
				Interval: interval,
				Dialer:   env.dialer(t, mode),
				Log:      log2.NewTest(t, log2.LDebug),
			})
			require.NoError(t, err)
			stop := runAsync(p.Run)
			got := receiveN(t, feed, 1)
			first := time.Now()
			got = append(got, receiveN(t, feed, 3)...)
			assert.Equal(t, []string{"pic1", "pic2", "pic1", "pic2"}, got)
			assert.True(t, time.Since(first) >= 3*interval-interval/2, "4 frames in %v", time.Since(first))

			// fifth frame is due at 4 intervals
			quiet, cancel := context.WithDeadline(ctx, first.Add(3*interval+interval/2))
			defer cancel()
			_, err = feed.Receive(quiet)
			assert.Equal(t, context.DeadlineExceeded, err)
			require.NoError(t, stop())
		})
	}
}

func TestWebsocketChannelIsolation(t *testing.T) {
	t.Parallel()

	env := newWsEnv(t)
	a := env.svc.AddSensor(sensorapi.TypeCamera, "a")
	b := env.svc.AddSensor(sensorapi.TypeCamera, "b")
	d := env.dialer(t, stream.ModeRaw)
	ctx := context.Background()

	feedA, err := d.DialFeed(ctx, a, "viewer")
	require.NoError(t, err)
	defer feedA.Close()
	all, err := d.DialFeed(ctx, "", "viewer")
	require.NoError(t, err)
	defer all.Close()

	// same client id on same channel is rejected
	_, err = d.DialFeed(ctx, a, "viewer")
	require.Error(t, err)
	assert.True(t, stream.IsConnectionError(err))

	pubA, err := d.DialPublish(ctx, a)
	require.NoError(t, err)
	defer pubA.Close()
	pubB, err := d.DialPublish(ctx, b)
	require.NoError(t, err)
	defer pubB.Close()

	require.NoError(t, pubB.Send(ctx, stream.Frame{Payload: []byte("from-b")}))
	require.Eventually(t, func() bool { return env.svc.Hub().Published(b) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, pubA.Send(ctx, stream.Frame{Payload: []byte("from-a")}))

	assert.Equal(t, []string{"from-a"}, receiveN(t, feedA, 1))
	assert.Equal(t, []string{"from-b", "from-a"}, receiveN(t, all, 2))
}

func TestWebsocketReceiveCancel(t *testing.T) {
	t.Parallel()

	env := newWsEnv(t)
	channel := env.svc.AddSensor(sensorapi.TypeCamera, "c")
	feed, err := env.dialer(t, stream.ModeRaw).DialFeed(context.Background(), channel, "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = feed.Receive(ctx)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))

	require.NoError(t, feed.Close())
	assert.Equal(t, stream.ErrClosing, feed.Close())
	assert.Equal(t, stream.ErrClosing, feed.Send(context.Background(), stream.Frame{}))
}

// Service drops every connection, both loops redial and frames flow again.
func TestWebsocketReconnect(t *testing.T) {
	t.Parallel()

	env := newWsEnv(t)
	channel := env.svc.AddSensor(sensorapi.TypeCamera, "porch")
	stats, err := metrics.New(nil)
	require.NoError(t, err)

	sub, err := stream.NewSubscriber(stream.SubscriberOptions{
		Channel:   channel,
		ClientID:  "viewer",
		Dialer:    env.dialer(t, stream.ModeRaw),
		Reconnect: fastReconnect,
		Log:       log2.NewTest(t, log2.LDebug),
		Stats:     stats,
	})
	require.NoError(t, err)
	frames := make(chan string, 1024)
	stopSub := runAsync(func(ctx context.Context) error {
		return sub.Run(ctx, stream.SinkFunc(func(_ context.Context, f stream.Frame) error {
			frames <- string(f.Payload)
			return nil
		}))
	})
	require.Eventually(t, func() bool { return env.svc.Hub().Subscribers(channel) == 1 }, 5*time.Second, time.Millisecond)

	p, err := stream.NewPublisher(stream.PublisherOptions{
		Channel:   channel,
		Sources:   sources("x"),
		Interval:  2 * time.Millisecond,
		Dialer:    env.dialer(t, stream.ModeRaw),
		Reconnect: fastReconnect,
		Log:       log2.NewTest(t, log2.LDebug),
		Stats:     stats,
	})
	require.NoError(t, err)
	stopPub := runAsync(p.Run)

	waitFrame := func() {
		select {
		case <-frames:
		case <-time.After(5 * time.Second):
			t.Fatal("no frame")
		}
	}
	waitFrame()
	require.True(t, env.svc.Hub().DropAll() >= 2)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.StreamReconnects.WithLabelValues(metrics.RoleSubscribe)) >= 1 &&
			testutil.ToFloat64(stats.StreamReconnects.WithLabelValues(metrics.RolePublish)) >= 1
	}, 5*time.Second, time.Millisecond)
	for len(frames) > 0 {
		<-frames
	}
	waitFrame()

	require.NoError(t, stopPub())
	require.NoError(t, stopSub())
	assert.Equal(t, 0.0, testutil.ToFloat64(stats.StreamConnected.WithLabelValues(metrics.RoleSubscribe, channel)))
}
