package state

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/stream"
	"github.com/kentonj/monitect/log2"
	"github.com/temoto/alive/v2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Log          *log2.Log
	Metrics      *metrics.Metrics
	API          *sensorapi.Client
	Dialer       stream.Dialer

	// test hooks, nil in production
	XXX_HTTPClient    *http.Client
	XXX_NewMqttClient func(*mqtt.ClientOptions) mqtt.Client

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

// NewContext returns context cancelled on g.Alive.Stop().
func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = log2.ContextWithLog(ctx, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.Infof("build version=%s", g.BuildVersion)
	g.Log.Debugf("config: %s", cfg.String())

	var err error
	if g.Metrics, err = metrics.New(nil); err != nil {
		return errors.Annotate(err, "metrics init")
	}

	g.API, err = sensorapi.NewClient(sensorapi.Options{
		BaseURL:        cfg.ServerURL,
		HTTPClient:     g.XXX_HTTPClient,
		Log:            g.Log.Named("registry"),
		NetworkTimeout: cfg.NetworkTimeout(),
	})
	if err != nil {
		return errors.Annotate(err, "sensorapi init")
	}

	mode, err := stream.ParsePayloadMode(cfg.PayloadMode)
	if err != nil {
		return errors.Annotate(err, "config payload_mode")
	}
	g.Dialer, err = stream.NewDialer(stream.DialerOptions{
		URL:            cfg.StreamURL,
		Mode:           mode,
		NetworkTimeout: cfg.NetworkTimeout(),
		Log:            g.Log.Named("stream"),
		QoS:            byte(cfg.MqttQoS),
		NewClient:      g.XXX_NewMqttClient,
		LogDebug:       cfg.LogDebug,
	})
	if err != nil {
		return errors.Annotate(err, "stream init")
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// Go runs task in background until it returns or Alive is stopped.
// Task error is logged, sibling tasks keep running.
// Returns false after Stop().
func (g *Global) Go(ctx context.Context, name string, task func(context.Context) error) bool {
	if !g.Alive.Add(1) {
		return false
	}
	go func() {
		defer g.Alive.Done()
		g.Log.Debugf("task=%s start", name)
		if err := task(ctx); err != nil {
			g.Error(err, "task=%s", name)
			return
		}
		g.Log.Debugf("task=%s done", name)
	}()
	return true
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
