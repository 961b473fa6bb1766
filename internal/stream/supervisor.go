package stream

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/log2"
)

const (
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 60 * time.Second
	DefaultReconnectK   = 2
)

type ReconnectOptions struct {
	Disabled bool
	Min      time.Duration
	Max      time.Duration
	K        float32
}

// Supervisor keeps one connection alive across failures.
// Session runs on live connection until it returns. ConnectionError from dial
// or session is retried after backoff unless reconnect is disabled,
// any other error ends Run. Backoff resets only after a session stayed up
// longer than Max, so a server dropping every fresh connection is
// retried with growing delay.
type Supervisor struct {
	Role    string
	Channel string
	Dial    func(ctx context.Context) (Conn, error)
	Log     *log2.Log
	Stats   *metrics.Metrics

	reconnect bool
	stable    time.Duration
	backoff   helpers.Backoff
}

func NewSupervisor(role, channel string, opt ReconnectOptions, dial func(context.Context) (Conn, error)) *Supervisor {
	if opt.Min <= 0 {
		opt.Min = DefaultReconnectMin
	}
	if opt.Max <= 0 {
		opt.Max = DefaultReconnectMax
	}
	if opt.K == 0 {
		opt.K = DefaultReconnectK
	}
	return &Supervisor{
		Role:      role,
		Channel:   channel,
		Dial:      dial,
		reconnect: !opt.Disabled,
		stable:    opt.Max,
		backoff:   helpers.Backoff{Min: opt.Min, Max: opt.Max, K: opt.K},
	}
}

// Run returns nil when ctx is done.
func (self *Supervisor) Run(ctx context.Context, session func(context.Context, Conn) error) error {
	for {
		up, err := self.once(ctx, session)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !self.reconnect || !IsConnectionError(err) {
			return err
		}
		if up > self.stable {
			self.backoff.Reset()
		}
		self.backoff.Failure()
		delay := self.backoff.DelayBefore()
		self.Log.Errorf("%v, reconnect in %v", err, delay)
		if helpers.Sleep(ctx, delay) != nil {
			return nil
		}
		self.Stats.Reconnect(self.Role)
	}
}

// once returns how long the session ran, zero when dial failed.
func (self *Supervisor) once(ctx context.Context, session func(context.Context, Conn) error) (time.Duration, error) {
	conn, err := self.Dial(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	self.Log.Debugf("%s channel=%s connected", self.Role, self.Channel)
	self.Stats.Connected(self.Role, self.Channel, true)
	defer func() {
		self.Stats.Connected(self.Role, self.Channel, false)
		_ = conn.Close()
	}()
	start := time.Now()
	err = session(ctx, conn)
	return time.Since(start), err
}
