package stream_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/kentonj/monitect/internal/stream"
)

// fakeDialer counts dials, records sent payloads, fails by script.
type fakeDialer struct {
	mu sync.Mutex
	// dial number (1-based) -> successful sends before failure, absent = never fails
	sendBudget map[int]int
	// dial number -> dial error
	dialErr map[int]error
	dials   int
	sent    []string
	feed    chan stream.Frame
}

func (d *fakeDialer) DialPublish(ctx context.Context, channel string) (stream.Conn, error) {
	return d.dial(channel)
}

func (d *fakeDialer) DialFeed(ctx context.Context, channel, clientID string) (stream.Conn, error) {
	return d.dial(channel)
}

func (d *fakeDialer) dial(channel string) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := d.dialErr[d.dials]; err != nil {
		return nil, err
	}
	budget, limited := d.sendBudget[d.dials]
	return &fakeConn{d: d, channel: channel, budget: budget, limited: limited}, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fakeConn struct {
	d       *fakeDialer
	channel string
	budget  int
	limited bool
}

func (c *fakeConn) Send(ctx context.Context, f stream.Frame) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.limited {
		if c.budget == 0 {
			return &stream.ConnectionError{Op: "send", Role: "publish", Channel: c.channel, Err: fmt.Errorf("broken pipe")}
		}
		c.budget--
	}
	c.d.sent = append(c.d.sent, string(f.Payload))
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (stream.Frame, error) {
	select {
	case f, ok := <-c.d.feed:
		if !ok {
			return stream.Frame{}, &stream.ConnectionError{Op: "receive", Role: "feed", Channel: c.channel, Err: fmt.Errorf("eof")}
		}
		return f, nil
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error { return nil }

func sources(names ...string) []stream.Source {
	ss := make([]stream.Source, len(names))
	for i, n := range names {
		ss[i] = stream.BytesSource{Label: n, Data: []byte(n)}
	}
	return ss
}
