package register

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/servicemock"
	"github.com/kentonj/monitect/internal/state"
	"github.com/kentonj/monitect/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	svc := servicemock.New(servicemock.Options{})
	srv := httptest.NewServer(svc)
	defer srv.Close()
	camID := svc.AddSensor(sensorapi.TypeCamera, "garage")

	log := log2.NewTest(t, log2.LDebug)
	fs := config.NewMockFullReader(map[string]string{"test-inline": fmt.Sprintf(`
server_url = "%s"
reading { sensor_name = "attic" }
publish { sensor_name = "garage" }
camera { sensor_name = "garage" }`, srv.URL)})
	cfg, err := config.ReadConfig(log, fs, "test-inline")
	require.NoError(t, err)

	var buf bytes.Buffer
	Output = &buf
	for i := 0; i < 2; i++ {
		buf.Reset()
		ctx, g := state.NewContext(log)
		require.NoError(t, Main(ctx, cfg))
		g.Stop()
	}
	assert.Equal(t, 2, svc.CreateCount())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "temperature\tattic-temperature\t"))
	assert.True(t, strings.HasPrefix(lines[1], "humidity\tattic-humidity\t"))
	assert.Equal(t, "camera\tgarage\t"+camID, lines[2])
}
