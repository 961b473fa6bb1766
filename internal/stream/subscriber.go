package stream

import (
	"context"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/log2"
)

type SubscriberOptions struct {
	// Empty Channel subscribes to all channels (/consume).
	Channel   string
	ClientID  string
	Dialer    Dialer
	Reconnect ReconnectOptions
	Log       *log2.Log
	Stats     *metrics.Metrics
}

// Subscriber hands every inbound frame of feed to sink.
type Subscriber struct {
	opt SubscriberOptions
	log *log2.Log
	sup *Supervisor
}

func NewSubscriber(opt SubscriberOptions) (*Subscriber, error) {
	if opt.Dialer == nil {
		return nil, errors.NotValidf("subscriber Dialer=nil")
	}
	if opt.ClientID == "" {
		opt.ClientID = DefaultClientID()
	}
	self := &Subscriber{opt: opt, log: opt.Log.Named("feed")}
	self.sup = NewSupervisor(metrics.RoleSubscribe, opt.Channel, opt.Reconnect, func(ctx context.Context) (Conn, error) {
		return opt.Dialer.DialFeed(ctx, opt.Channel, opt.ClientID)
	})
	self.sup.Log = self.log
	self.sup.Stats = opt.Stats
	return self, nil
}

func (self *Subscriber) ClientID() string { return self.opt.ClientID }

// Subscribe opens single feed connection without supervision.
func (self *Subscriber) Subscribe(ctx context.Context) (*Subscription, error) {
	conn, err := self.opt.Dialer.DialFeed(ctx, self.opt.Channel, self.opt.ClientID)
	if err != nil {
		return nil, err
	}
	return &Subscription{conn: conn, channel: self.opt.Channel, log: self.log, stats: self.opt.Stats}, nil
}

// Run receives frames until ctx is done. Sink errors are logged and skipped.
// Returns ConnectionError when feed is lost and reconnect is disabled.
func (self *Subscriber) Run(ctx context.Context, sink Sink) error {
	self.log.Infof("start channel=%s client=%s", self.opt.Channel, self.opt.ClientID)
	return self.sup.Run(ctx, func(ctx context.Context, conn Conn) error {
		sub := &Subscription{conn: conn, channel: self.opt.Channel, log: self.log, stats: self.opt.Stats}
		for {
			f, err := sub.Receive(ctx)
			if err != nil {
				return err
			}
			if err := sink.HandleFrame(ctx, f); err != nil {
				self.log.Errorf("sink channel=%s: %v", f.Channel, err)
			}
		}
	})
}

type Subscription struct {
	conn    Conn
	channel string
	log     *log2.Log
	stats   *metrics.Metrics
}

// Receive blocks for next frame. Malformed frames are logged and skipped,
// connection failure and cancellation are returned.
func (self *Subscription) Receive(ctx context.Context) (Frame, error) {
	for {
		f, err := self.conn.Receive(ctx)
		if err == nil {
			label := f.Channel
			if label == "" {
				label = self.channel
			}
			self.stats.FrameReceived(label)
			self.log.Debugf("frame channel=%s size=%d", f.Channel, len(f.Payload))
			return f, nil
		}
		if IsConnectionError(err) || ctx.Err() != nil || errors.Cause(err) == ErrClosing {
			return Frame{}, err
		}
		self.log.Errorf("feed channel=%s skip: %v", self.channel, err)
	}
}

func (self *Subscription) Close() error { return self.conn.Close() }
