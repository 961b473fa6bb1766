package state

import (
	"context"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/camera"
	"github.com/kentonj/monitect/internal/reading"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/internal/stream"
)

const (
	UnitTemperature = "C"
	UnitHumidity    = "%"
)

// ReadingSensors are (type, name, unit) of metrics sensor name is split into.
func ReadingSensors(name string) []SensorRef {
	return []SensorRef{
		{Metric: reading.MetricTemperature, Type: sensorapi.TypeTemperature, Name: name + "-temperature", Unit: UnitTemperature},
		{Metric: reading.MetricHumidity, Type: sensorapi.TypeHumidity, Name: name + "-humidity", Unit: UnitHumidity},
	}
}

type SensorRef struct {
	Metric string
	Type   sensorapi.SensorType
	Name   string
	Unit   string
}

// ResolveReadingSensors registers every metric sensor, first failure aborts.
func (g *Global) ResolveReadingSensors(ctx context.Context) ([]reading.Metric, error) {
	refs := ReadingSensors(g.Config.Reading.SensorName)
	ms := make([]reading.Metric, 0, len(refs))
	for _, ref := range refs {
		id, err := g.API.Resolve(ctx, ref.Type, ref.Name, ref.Unit)
		if err != nil {
			return nil, err
		}
		g.Log.Infof("sensor type=%s name=%s id=%s", ref.Type, ref.Name, id)
		ms = append(ms, reading.Metric{Name: ref.Metric, SensorID: id})
	}
	return ms, nil
}

// NewSubmitter uses sampler or simulated one when nil.
func (g *Global) NewSubmitter(ctx context.Context, sampler reading.Sampler) (*reading.Submitter, error) {
	cfg := &g.Config.Reading
	ms, err := g.ResolveReadingSensors(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "reading")
	}
	if sampler == nil {
		sampler = reading.NewSimSampler(cfg.SimSeed, cfg.SimFailRatio)
	}
	return reading.NewSubmitter(reading.Options{
		Sampler:     sampler,
		Sink:        g.API,
		Metrics:     ms,
		Interval:    cfg.Interval(reading.DefaultInterval),
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay(reading.DefaultRetryDelay),
		Log:         g.Log,
		Stats:       g.Metrics,
	})
}

func (g *Global) NewPublisher(ctx context.Context) (*stream.Publisher, error) {
	cfg := &g.Config.Publish
	channel := cfg.Channel
	if channel == "" {
		id, err := g.API.Resolve(ctx, sensorapi.TypeCamera, cfg.SensorName, "")
		if err != nil {
			return nil, errors.Annotate(err, "publish")
		}
		channel = id
	}
	sources, err := stream.GlobSources(cfg.Frames...)
	if err != nil {
		return nil, errors.Annotate(err, "publish")
	}
	return stream.NewPublisher(stream.PublisherOptions{
		Channel:   channel,
		Sources:   sources,
		Interval:  cfg.Interval(stream.DefaultPublishInterval),
		Dialer:    g.Dialer,
		Reconnect: g.reconnectOptions(),
		Log:       g.Log,
		Stats:     g.Metrics,
	})
}

// NewSubscriber returns subscriber and the sink configured for it.
func (g *Global) NewSubscriber() (*stream.Subscriber, stream.Sink, error) {
	cfg := &g.Config.Subscribe
	sub, err := stream.NewSubscriber(stream.SubscriberOptions{
		Channel:   cfg.Channel,
		ClientID:  cfg.ClientID,
		Dialer:    g.Dialer,
		Reconnect: g.reconnectOptions(),
		Log:       g.Log,
		Stats:     g.Metrics,
	})
	if err != nil {
		return nil, nil, errors.Annotate(err, "subscribe")
	}
	var sink stream.Sink = stream.LogSink{Log: g.Log.Named("sink")}
	if cfg.SinkDir != "" {
		sink = &stream.DirSink{Dir: cfg.SinkDir, Sequence: cfg.SinkSequence}
	}
	return sub, sink, nil
}

func (g *Global) NewUploader(ctx context.Context) (*camera.Uploader, error) {
	cfg := &g.Config.Camera
	id, err := g.API.Resolve(ctx, sensorapi.TypeCamera, cfg.SensorName, "")
	if err != nil {
		return nil, errors.Annotate(err, "camera")
	}
	sources, err := stream.GlobSources(cfg.Frames...)
	if err != nil {
		return nil, errors.Annotate(err, "camera")
	}
	return camera.NewUploader(camera.Options{
		SensorID:  id,
		Sources:   sources,
		Interval:  cfg.Interval(camera.DefaultInterval),
		Retention: cfg.Retention(),
		Store:     g.API,
		Log:       g.Log,
		Stats:     g.Metrics,
	})
}

func (g *Global) reconnectOptions() stream.ReconnectOptions {
	cfg := &g.Config.Reconnect
	return stream.ReconnectOptions{
		Disabled: cfg.Disabled,
		Min:      cfg.Min(stream.DefaultReconnectMin),
		Max:      cfg.Max(stream.DefaultReconnectMax),
		K:        float32(cfg.K),
	}
}
