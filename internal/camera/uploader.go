// Package camera periodically uploads frames as stored images
// and trims images older than retention period.
package camera

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/internal/metrics"
	"github.com/kentonj/monitect/internal/stream"
	"github.com/kentonj/monitect/log2"
)

const DefaultInterval = 5 * time.Second

// Store is sensorapi.Client in production.
type Store interface {
	UploadImage(ctx context.Context, sensorID string, filename string, r io.Reader) (string, error)
	TruncateImages(ctx context.Context, sensorID string, oldest time.Time) (map[string]interface{}, error)
}

type Options struct {
	SensorID  string
	Sources   []stream.Source
	Interval  time.Duration
	Retention time.Duration // 0 keeps everything
	Store     Store
	Log       *log2.Log
	Stats     *metrics.Metrics
	Now       func() time.Time
}

type Uploader struct {
	opt       Options
	log       *log2.Log
	index     int
	truncated time.Time
}

func NewUploader(opt Options) (*Uploader, error) {
	if opt.SensorID == "" {
		return nil, errors.NotValidf("camera SensorID=empty")
	}
	if len(opt.Sources) == 0 {
		return nil, errors.NotValidf("camera Sources=empty")
	}
	if opt.Store == nil {
		return nil, errors.NotValidf("camera Store=nil")
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Uploader{opt: opt, log: opt.Log.Named("camera")}, nil
}

// Run uploads one frame per Interval until ctx is done.
// Upload and truncate errors are logged, never returned.
func (self *Uploader) Run(ctx context.Context) error {
	self.log.Infof("start sensor=%s frames=%d interval=%v retention=%v",
		self.opt.SensorID, len(self.opt.Sources), self.opt.Interval, self.opt.Retention)
	for {
		tbegin := time.Now()
		if err := self.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			self.log.Error(err)
		}
		if helpers.Sleep(ctx, self.opt.Interval-time.Since(tbegin)) != nil {
			return nil
		}
	}
}

// Tick uploads frame at current index, advances index, truncates when due.
func (self *Uploader) Tick(ctx context.Context) error {
	src := self.opt.Sources[self.index]
	self.index = (self.index + 1) % len(self.opt.Sources)

	var errs []error
	b, err := src.ReadFrame(ctx)
	if err == nil {
		var imageID string
		imageID, err = self.opt.Store.UploadImage(ctx, self.opt.SensorID, filename(src, b), bytes.NewReader(b))
		self.opt.Stats.ImageUploaded(err)
		if err == nil {
			self.log.Debugf("uploaded source=%s image=%s size=%d", src.Name(), imageID, len(b))
		}
	}
	if err != nil {
		errs = append(errs, err)
	}
	if err := self.truncate(ctx); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (self *Uploader) truncate(ctx context.Context) error {
	if self.opt.Retention <= 0 {
		return nil
	}
	now := self.opt.Now()
	if !self.truncated.IsZero() && now.Sub(self.truncated) < self.opt.Retention {
		return nil
	}
	result, err := self.opt.Store.TruncateImages(ctx, self.opt.SensorID, now.Add(-self.opt.Retention))
	if err != nil {
		return errors.Annotate(err, "truncate")
	}
	self.truncated = now
	self.log.Debugf("truncate result=%v", result)
	return nil
}

func filename(src stream.Source, b []byte) string {
	name := filepath.Base(src.Name())
	if name == "." || name == string(filepath.Separator) {
		name = "frame"
	}
	if filepath.Ext(name) == "" {
		name += stream.FrameExt(b)
	}
	return name
}
