package stream

import (
	"context"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

// Conn is one live channel connection, publish or feed side.
// Send and Receive are not safe for concurrent use by multiple goroutines.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

type Dialer interface {
	DialPublish(ctx context.Context, channel string) (Conn, error)
	// Empty channel subscribes to frames of all channels.
	DialFeed(ctx context.Context, channel, clientID string) (Conn, error)
}

type DialerOptions struct {
	URL            string
	Mode           PayloadMode
	NetworkTimeout time.Duration
	Log            *log2.Log

	// MQTT only
	QoS       byte
	NewClient func(*mqtt.ClientOptions) mqtt.Client
	LogDebug  bool
}

// NewDialer picks transport by URL scheme:
// ws, wss, http, https for service websocket; mqtt, tcp, ssl, tls for MQTT broker.
func NewDialer(opt DialerOptions) (Dialer, error) {
	if opt.URL == "" {
		return nil, errors.NotValidf("stream URL=empty")
	}
	u, err := url.Parse(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error stream URL=%s", opt.URL)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return NewWebsocketDialer(u, opt), nil
	case "mqtt", "tcp", "ssl", "tls":
		return NewMqttDialer(u, opt), nil
	}
	return nil, errors.NotValidf("stream URL scheme=%s", u.Scheme)
}

// DefaultClientID is used by subscribers without configured identity.
func DefaultClientID() string { return "monitect-" + uuid.NewString() }
