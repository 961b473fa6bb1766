package agent

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/servicemock"
	"github.com/kentonj/monitect/internal/state"
	"github.com/kentonj/monitect/internal/stream"
	"github.com/kentonj/monitect/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readConfig(t testing.TB, s string) *config.Config {
	fs := config.NewMockFullReader(map[string]string{"test-inline": s})
	cfg, err := config.ReadConfig(log2.NewTest(t, log2.LDebug), fs, "test-inline")
	require.NoError(t, err)
	return cfg
}

func newContext(t testing.TB) (context.Context, *state.Global) {
	ctx, g := state.NewContext(log2.NewTest(t, log2.LDebug))
	g.XXX_NewMqttClient = stream.NewMqttMock().MockNew
	return ctx, g
}

func TestRunSampleUntilStop(t *testing.T) {
	t.Parallel()

	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	cfg := readConfig(t, fmt.Sprintf(`
server_url = "%s"
reading { enabled = true sensor_name = "porch" interval_sec = 1 sim_seed = 7 }`, srv.URL))

	ctx, g := newContext(t)
	done := make(chan error, 1)
	go func() { done <- Main(ctx, cfg) }()

	var tempID string
	require.Eventually(t, func() bool {
		for _, s := range svc.Sensors() {
			if s.Type == sensorapi.TypeTemperature && s.Name == "porch-temperature" {
				tempID = s.ID
			}
		}
		return tempID != "" && len(svc.Readings(tempID)) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	g.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, 2, svc.CreateCount())
}

func TestRunNothingEnabled(t *testing.T) {
	t.Parallel()

	ctx, g := newContext(t)
	defer g.Stop()
	err := Main(ctx, readConfig(t, `server_url = "http://127.0.0.1:1"`))
	assert.True(t, errors.IsNotValid(err))
}

func TestRunTaskFailureStops(t *testing.T) {
	t.Parallel()

	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	// feed dial fails and reconnect is disabled, so the only task ends
	cfg := readConfig(t, fmt.Sprintf(`
server_url = "%s"
stream_url = "ws://127.0.0.1:1"
subscribe { channel = "cam1" }
reconnect { disabled = true }`, srv.URL))

	ctx, _ := newContext(t)
	err := SubscribeMod.Main(ctx, cfg)
	require.Error(t, err)
	assert.True(t, stream.IsConnectionError(err))
	assert.Contains(t, err.Error(), "task=subscribe")
}

func TestBuildTasksRegistrationError(t *testing.T) {
	t.Parallel()

	ctx, g := newContext(t)
	defer g.Stop()
	cfg := readConfig(t, `
server_url = "http://127.0.0.1:1"
camera { enabled = true sensor_name = "cam" frames = ["x.png"] }`)
	err := CameraMod.Main(ctx, cfg)
	require.Error(t, err)
	_, ok := errors.Cause(err).(*sensorapi.RegistrationError)
	assert.True(t, ok)
}
