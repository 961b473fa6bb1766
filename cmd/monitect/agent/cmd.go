// Package agent runs long-lived monitect loops: reading submitter,
// frame publisher, feed subscriber and camera uploader.
package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/cmd/monitect/subcmd"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/internal/config"
	"github.com/kentonj/monitect/internal/state"
)

const (
	taskSample    = "sample"
	taskPublish   = "publish"
	taskSubscribe = "subscribe"
	taskCamera    = "camera"
)

var (
	SampleMod    = subcmd.Mod{Name: taskSample, Main: only(taskSample)}
	PublishMod   = subcmd.Mod{Name: taskPublish, Main: only(taskPublish)}
	SubscribeMod = subcmd.Mod{Name: taskSubscribe, Main: only(taskSubscribe)}
	CameraMod    = subcmd.Mod{Name: taskCamera, Main: only(taskCamera)}
	// RunMod starts every section enabled in config.
	RunMod = subcmd.Mod{Name: "run", Main: Main}
)

type task struct {
	name string
	run  func(context.Context) error
}

func only(name string) func(context.Context, *config.Config) error {
	return func(ctx context.Context, cfg *config.Config) error {
		return run(ctx, cfg, map[string]bool{name: true})
	}
}

func Main(ctx context.Context, cfg *config.Config) error {
	return run(ctx, cfg, map[string]bool{
		taskSample:    cfg.Reading.Enabled,
		taskPublish:   cfg.Publish.Enabled,
		taskSubscribe: cfg.Subscribe.Enabled,
		taskCamera:    cfg.Camera.Enabled,
	})
}

// run blocks until Alive is stopped or every task returned.
// Returns first task error.
func run(ctx context.Context, cfg *config.Config, enabled map[string]bool) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)

	tasks, err := buildTasks(ctx, g, enabled)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return errors.NotValidf("config has no enabled sections")
	}
	serveMetrics(ctx, g)

	var wg sync.WaitGroup
	var firstErr helpers.AtomicError
	for _, t := range tasks {
		t := t
		wg.Add(1)
		started := g.Go(ctx, t.name, func(ctx context.Context) error {
			defer wg.Done()
			err := t.run(ctx)
			if err != nil {
				firstErr.StoreOnce(errors.Annotatef(err, "task=%s", t.name))
			}
			return err
		})
		if !started {
			wg.Done()
		}
	}
	go func() {
		wg.Wait()
		g.Stop()
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("init complete, running tasks=%d", len(tasks))
	g.Alive.Wait()
	if err, _ := firstErr.Load(); err != nil {
		return err
	}
	return nil
}

// buildTasks resolves sensors before anything starts, registration error is fatal.
func buildTasks(ctx context.Context, g *state.Global, enabled map[string]bool) ([]task, error) {
	tasks := make([]task, 0, 4)
	if enabled[taskSample] {
		s, err := g.NewSubmitter(ctx, nil)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task{taskSample, s.Run})
	}
	if enabled[taskPublish] {
		p, err := g.NewPublisher(ctx)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task{taskPublish, p.Run})
	}
	if enabled[taskSubscribe] {
		sub, sink, err := g.NewSubscriber()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task{taskSubscribe, func(ctx context.Context) error { return sub.Run(ctx, sink) }})
	}
	if enabled[taskCamera] {
		u, err := g.NewUploader(ctx)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task{taskCamera, u.Run})
	}
	return tasks, nil
}

func serveMetrics(ctx context.Context, g *state.Global) {
	addr := g.Config.MetricsListen
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: g.Metrics.Handler()}
	g.Go(ctx, "metrics", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		g.Log.Infof("metrics listen=%s", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return errors.Annotatef(err, "metrics listen=%s", addr)
		}
		return nil
	})
}
