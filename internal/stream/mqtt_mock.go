package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory broker for MqttDialer tests.
// Use MockNew as DialerOptions.NewClient, every call makes new client of same broker.
type MqttMock struct {
	Pub chan MockMsg // every publish, dropped when full

	mu         sync.Mutex
	clients    []*mockClient
	connectErr error
}

type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{Pub: make(chan MockMsg, 32)}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	c := &mockClient{broker: self, opt: opt}
	self.mu.Lock()
	self.clients = append(self.clients, c)
	self.mu.Unlock()
	return c
}

// SetConnectError makes following Connect calls fail, nil restores.
func (self *MqttMock) SetConnectError(err error) {
	self.mu.Lock()
	self.connectErr = err
	self.mu.Unlock()
}

// Drop disconnects every client, calling its connection lost handler.
func (self *MqttMock) Drop(err error) int {
	self.mu.Lock()
	clients := self.clients
	self.clients = nil
	self.mu.Unlock()
	n := 0
	for _, c := range clients {
		if c.drop() {
			n++
			if h := c.opt.OnConnectionLost; h != nil {
				h(c, err)
			}
		}
	}
	return n
}

// Subscribers counts live subscriptions matching topic.
func (self *MqttMock) Subscribers(topic string) int {
	n := 0
	for _, c := range self.snapshot() {
		n += len(c.match(topic))
	}
	return n
}

func (self *MqttMock) ClientIDs() []string {
	var ids []string
	for _, c := range self.snapshot() {
		if c.IsConnected() {
			ids = append(ids, c.opt.ClientID)
		}
	}
	return ids
}

func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	if self.deliver(topic, payload) == 0 {
		t.Errorf("not subscribed for topic=%s", topic)
	}
}

func (self *MqttMock) deliver(topic string, payload []byte) int {
	select {
	case self.Pub <- MockMsg{T: topic, P: payload}:
	default:
	}
	n := 0
	for _, c := range self.snapshot() {
		for _, sub := range c.match(topic) {
			msg := MockMsg{T: topic, P: payload}
			sub.Handler(c, msg)
			n++
		}
	}
	return n
}

func (self *MqttMock) snapshot() []*mockClient {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]*mockClient(nil), self.clients...)
}

type mockClient struct {
	broker *MqttMock
	opt    *mqtt.ClientOptions

	mu        sync.Mutex
	connected bool
	subs      []MockSub
}

func (self *mockClient) drop() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	was := self.connected
	self.connected = false
	self.subs = nil
	return was
}

func (self *mockClient) match(topic string) []MockSub {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return nil
	}
	var result []MockSub
	for _, sub := range self.subs {
		if topicMatch(sub.Pattern, topic) {
			result = append(result, sub)
		}
	}
	return result
}

func (self *mockClient) IsConnected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}
func (self *mockClient) IsConnectionOpen() bool { return self.IsConnected() }

func (self *mockClient) Connect() mqtt.Token {
	self.broker.mu.Lock()
	err := self.broker.connectErr
	self.broker.mu.Unlock()
	if err == nil {
		self.mu.Lock()
		self.connected = true
		self.mu.Unlock()
	}
	return mockToken{err}
}

func (self *mockClient) Disconnect(uint) { self.drop() }

func (self *mockClient) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	if !self.IsConnected() {
		return mockToken{errors.New("not connected")}
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	default:
		return mockToken{errors.Errorf("unknown payload type %T", payload)}
	}
	self.broker.deliver(topic, b)
	return mockToken{nil}
}

func (self *mockClient) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return mockToken{errors.New("not connected")}
	}
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	return mockToken{nil}
}

func (self *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	self.mu.Lock()
	defer self.mu.Unlock()
	kept := self.subs[:0]
	for _, sub := range self.subs {
		remove := false
		for _, t := range topics {
			remove = remove || sub.Pattern == t
		}
		if !remove {
			kept = append(kept, sub)
		}
	}
	self.subs = kept
	return mockToken{nil}
}

func (self *mockClient) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }

type MockMsg struct {
	T string
	P []byte
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return 0 }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }

// topicMatch supports + and # wildcards.
func topicMatch(pattern, topic string) bool {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	for i, p := range ps {
		if p == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if p != "+" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
