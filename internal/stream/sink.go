package stream

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/kentonj/monitect/helpers"
	"github.com/kentonj/monitect/log2"
)

// Sink consumes received frames. Errors are logged by Subscriber, feed goes on.
type Sink interface {
	HandleFrame(ctx context.Context, f Frame) error
}

type SinkFunc func(ctx context.Context, f Frame) error

func (f SinkFunc) HandleFrame(ctx context.Context, frame Frame) error { return f(ctx, frame) }

type LogSink struct{ Log *log2.Log }

func (s LogSink) HandleFrame(ctx context.Context, f Frame) error {
	s.Log.Infof("frame channel=%s size=%d type=%s", f.Channel, len(f.Payload), http.DetectContentType(f.Payload))
	return nil
}

// WriterSink writes raw payloads back to back, e.g. into a pipe of image viewer.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterSink) HandleFrame(ctx context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Annotate(helpers.WriteAll(s.W, f.Payload), "writer sink")
}

// DirSink stores frames as files in Dir.
// Default is single latest.<ext> replaced atomically on every frame,
// Sequence keeps every frame as <seq>.<ext>.
type DirSink struct {
	Dir      string
	Sequence bool

	mu  sync.Mutex
	seq int
}

func (s *DirSink) HandleFrame(ctx context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.Dir
	if f.Channel != "" {
		if !ValidChannel(f.Channel) {
			return errors.NotValidf("dir sink channel=%q", f.Channel)
		}
		dir = filepath.Join(dir, f.Channel)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Annotate(err, "dir sink")
	}
	name := "latest" + FrameExt(f.Payload)
	if s.Sequence {
		s.seq++
		name = fmt.Sprintf("%06d%s", s.seq, FrameExt(f.Payload))
	}
	tmp, err := ioutil.TempFile(dir, ".frame-*")
	if err != nil {
		return errors.Annotate(err, "dir sink")
	}
	_, err = tmp.Write(f.Payload)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Annotatef(err, "dir sink file=%s", name)
	}
	return nil
}

// FrameExt guesses file extension by payload content.
func FrameExt(b []byte) string {
	switch http.DetectContentType(b) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}
