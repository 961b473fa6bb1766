package stream

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/log2"
)

// WebsocketDialer connects to service endpoints
// /sensors/{id}/publish, /sensors/{id}/feed?clientId= and /consume?clientId=.
type WebsocketDialer struct {
	base    string
	mode    PayloadMode
	timeout time.Duration
	dialer  websocket.Dialer
	log     *log2.Log
}

func NewWebsocketDialer(u *url.URL, opt DialerOptions) *WebsocketDialer {
	base := *u
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/")
	base.RawQuery = ""
	return &WebsocketDialer{
		base:    base.String(),
		mode:    opt.Mode,
		timeout: opt.NetworkTimeout,
		dialer:  websocket.Dialer{HandshakeTimeout: opt.NetworkTimeout},
		log:     opt.Log,
	}
}

func (self *WebsocketDialer) DialPublish(ctx context.Context, channel string) (Conn, error) {
	if channel == "" {
		return nil, errors.NotValidf("publish channel=empty")
	}
	return self.dial(ctx, "publish", channel, self.base+"/sensors/"+url.PathEscape(channel)+"/publish")
}

func (self *WebsocketDialer) DialFeed(ctx context.Context, channel, clientID string) (Conn, error) {
	q := url.Values{"clientId": {clientID}}.Encode()
	if channel == "" {
		return self.dial(ctx, "feed", channel, self.base+"/consume?"+q)
	}
	return self.dial(ctx, "feed", channel, self.base+"/sensors/"+url.PathEscape(channel)+"/feed?"+q)
}

func (self *WebsocketDialer) dial(ctx context.Context, role, channel, u string) (Conn, error) {
	self.log.Debugf("websocket dial %s", u)
	c, resp, err := self.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			err = errors.Annotatef(err, "status=%d", resp.StatusCode)
		}
		return nil, connError("dial", role, channel, err)
	}
	return &wsConn{
		c:       c,
		role:    role,
		channel: channel,
		mode:    self.mode,
		timeout: self.timeout,
		closed:  make(chan struct{}),
	}, nil
}

type wsConn struct {
	c       *websocket.Conn
	role    string
	channel string
	mode    PayloadMode
	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (self *wsConn) isClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

func (self *wsConn) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if self.isClosed() {
		return ErrClosing
	}
	deadline := time.Now().Add(self.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	mt := websocket.BinaryMessage
	if self.mode == ModeBase64 {
		mt = websocket.TextMessage
	}
	_ = self.c.SetWriteDeadline(deadline)
	if err := self.c.WriteMessage(mt, self.mode.encode(f.Payload)); err != nil {
		if self.isClosed() {
			return ErrClosing
		}
		return connError("send", self.role, self.channel, err)
	}
	return nil
}

// Receive blocks for next message. Text messages carry base64 payload,
// binary messages raw bytes, whatever mode this side was configured with.
// Cancelled ctx closes the connection.
func (self *wsConn) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() { self.c.Close() })
	mt, b, err := self.c.ReadMessage()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if self.isClosed() {
			return Frame{}, ErrClosing
		}
		return Frame{}, connError("receive", self.role, self.channel, err)
	}
	if mt == websocket.TextMessage {
		if b, err = ModeBase64.decode(b); err != nil {
			return Frame{}, errors.Annotatef(err, "feed channel=%s", self.channel)
		}
	}
	return Frame{Channel: self.channel, Payload: b}, nil
}

func (self *wsConn) Close() error {
	err := ErrClosing
	self.closeOnce.Do(func() {
		close(self.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = self.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// may be closed already by cancelled Receive
		_ = self.c.Close()
		err = nil
	})
	return err
}
