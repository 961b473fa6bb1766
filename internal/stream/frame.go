// Package stream carries binary frames over persistent channels keyed by sensor id.
// Publisher writes frames from a cyclic list of sources, Subscriber reads a feed.
// Transports are websocket (service /publish and /feed endpoints) or MQTT broker.
package stream

import (
	"encoding/base64"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

type Frame struct {
	// Channel is sensor id. Empty on frames sent to unscoped consumers
	// over transports that do not tell origin.
	Channel string
	Payload []byte
}

// ValidChannel reports whether id is usable as one topic level and one file name.
func ValidChannel(id string) bool {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\+#`) {
		return false
	}
	return filepath.Base(id) == id
}

// PayloadMode is per channel wire encoding of frame payload.
type PayloadMode string

const (
	// ModeRaw sends payload bytes as is, websocket binary message.
	ModeRaw PayloadMode = "raw"
	// ModeBase64 sends standard base64 text, websocket text message.
	ModeBase64 PayloadMode = "base64"
)

func ParsePayloadMode(s string) (PayloadMode, error) {
	switch PayloadMode(s) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeBase64:
		return ModeBase64, nil
	}
	return "", errors.NotValidf("payload mode=%s", s)
}

func (m PayloadMode) encode(b []byte) []byte {
	if m != ModeBase64 {
		return b
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

func (m PayloadMode) decode(b []byte) ([]byte, error) {
	if m != ModeBase64 {
		return b, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, errors.NotValidf("base64 frame len=%d (%v)", len(b), err)
	}
	return out[:n], nil
}
