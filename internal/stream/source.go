package stream

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/juju/errors"
)

// Source produces one frame payload per read, e.g. image file on disk.
type Source interface {
	Name() string
	ReadFrame(ctx context.Context) ([]byte, error)
}

// FileSource reads whole file on every call, so updated images are picked up.
type FileSource string

func (s FileSource) Name() string { return string(s) }
func (s FileSource) ReadFrame(ctx context.Context) ([]byte, error) {
	b, err := ioutil.ReadFile(string(s))
	return b, errors.Annotatef(err, "frame source=%s", s)
}

type BytesSource struct {
	Label string
	Data  []byte
}

func (s BytesSource) Name() string                                  { return s.Label }
func (s BytesSource) ReadFrame(ctx context.Context) ([]byte, error) { return s.Data, nil }

// GlobSources returns FileSource per match of patterns, sorted within each pattern.
func GlobSources(patterns ...string) ([]Source, error) {
	var result []Source
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.Annotatef(err, "frame source pattern=%s", p)
		}
		if len(matches) == 0 {
			return nil, errors.NotFoundf("frame source pattern=%s", p)
		}
		sort.Strings(matches)
		for _, m := range matches {
			result = append(result, FileSource(m))
		}
	}
	return result, nil
}

func nextIndex(i, n int) int { return (i + 1) % n }
