package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/log2"
)

const DefaultPublishInterval = 1 * time.Second

type PublisherOptions struct {
	Channel   string
	Sources   []Source
	Interval  time.Duration
	Dialer    Dialer
	Reconnect ReconnectOptions
	Log       *log2.Log
	Stats     *metrics.Metrics
}

// Publisher sends frames of Sources in order, cycling forever over one
// persistent connection. After reconnect it resumes at the frame that failed.
type Publisher struct {
	opt   PublisherOptions
	log   *log2.Log
	sup   *Supervisor
	index int64 // atomic
}

func NewPublisher(opt PublisherOptions) (*Publisher, error) {
	if opt.Channel == "" {
		return nil, errors.NotValidf("publisher Channel=empty")
	}
	if len(opt.Sources) == 0 {
		return nil, errors.NotValidf("publisher Sources=empty")
	}
	if opt.Dialer == nil {
		return nil, errors.NotValidf("publisher Dialer=nil")
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultPublishInterval
	}
	self := &Publisher{opt: opt, log: opt.Log.Named("publish")}
	self.sup = NewSupervisor(metrics.RolePublish, opt.Channel, opt.Reconnect, func(ctx context.Context) (Conn, error) {
		return opt.Dialer.DialPublish(ctx, opt.Channel)
	})
	self.sup.Log = self.log
	self.sup.Stats = opt.Stats
	return self, nil
}

// Index is position of next frame to send.
func (self *Publisher) Index() int { return int(atomic.LoadInt64(&self.index)) }

// Run returns nil when ctx is done, ConnectionError when reconnect is disabled.
func (self *Publisher) Run(ctx context.Context) error {
	self.log.Infof("start channel=%s frames=%d interval=%v", self.opt.Channel, len(self.opt.Sources), self.opt.Interval)
	return self.sup.Run(ctx, self.session)
}

func (self *Publisher) session(ctx context.Context, conn Conn) error {
	n := len(self.opt.Sources)
	for {
		i := self.Index()
		src := self.opt.Sources[i]
		payload, err := src.ReadFrame(ctx)
		if err != nil {
			// unreadable frame is skipped, connection stays
			self.log.Errorf("frame index=%d: %v", i, err)
			self.opt.Stats.FrameSkipped(self.opt.Channel)
		} else {
			if err = conn.Send(ctx, Frame{Channel: self.opt.Channel, Payload: payload}); err != nil {
				return err
			}
			self.opt.Stats.FrameSent(self.opt.Channel)
			self.log.Debugf("sent index=%d source=%s size=%d", i, src.Name(), len(payload))
		}
		atomic.StoreInt64(&self.index, int64(nextIndex(i, n)))
		if err := helpers.Sleep(ctx, self.opt.Interval); err != nil {
			return err
		}
	}
}
