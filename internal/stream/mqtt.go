package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/log2"
)

const (
	mqttTopicPrefix = "sensors/"
	mqttTopicSuffix = "/frames"
	mqttTopicAll    = "sensors/+/frames"
	mqttQueueSize   = 16
)

func MqttTopic(channel string) string { return mqttTopicPrefix + channel + mqttTopicSuffix }

// MqttChannel returns sensor id from frame topic.
func MqttChannel(topic string) (string, bool) {
	if !strings.HasPrefix(topic, mqttTopicPrefix) || !strings.HasSuffix(topic, mqttTopicSuffix) {
		return "", false
	}
	ch := topic[len(mqttTopicPrefix) : len(topic)-len(mqttTopicSuffix)]
	if !ValidChannel(ch) {
		return "", false
	}
	return ch, true
}

// MqttDialer carries channels over MQTT broker, one client per connection.
// Topic is sensors/{id}/frames, unscoped feed subscribes sensors/+/frames.
// Paho auto reconnect is off, Supervisor owns reconnects.
type MqttDialer struct {
	broker    string
	username  string
	password  string
	mode      PayloadMode
	qos       byte
	timeout   time.Duration
	newClient func(*mqtt.ClientOptions) mqtt.Client
	log       *log2.Log
}

func NewMqttDialer(u *url.URL, opt DialerOptions) *MqttDialer {
	broker := *u
	if broker.Scheme == "mqtt" {
		broker.Scheme = "tcp"
	}
	self := &MqttDialer{
		mode:      opt.Mode,
		qos:       opt.QoS,
		timeout:   opt.NetworkTimeout,
		newClient: opt.NewClient,
		log:       opt.Log,
	}
	if broker.User != nil {
		self.username = broker.User.Username()
		self.password, _ = broker.User.Password()
		broker.User = nil
	}
	self.broker = broker.String()
	if self.newClient == nil {
		self.newClient = mqtt.NewClient
		self.setPahoLog(opt)
	}
	return self
}

// paho loggers are package globals
func (self *MqttDialer) setPahoLog(opt DialerOptions) {
	if opt.Log != nil {
		mqttLog := opt.Log.Clone(log2.LDebug)
		mqttLog.SetPrefix("mqtt: ")
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if opt.LogDebug {
			mqtt.DEBUG = mqttLog
		}
	}
}

func (self *MqttDialer) DialPublish(ctx context.Context, channel string) (Conn, error) {
	if channel == "" {
		return nil, errors.NotValidf("publish channel=empty")
	}
	return self.dial(ctx, "publish", channel, DefaultClientID())
}

func (self *MqttDialer) DialFeed(ctx context.Context, channel, clientID string) (Conn, error) {
	return self.dial(ctx, "feed", channel, clientID)
}

func (self *MqttDialer) dial(ctx context.Context, role, channel, clientID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &mqttConn{
		role:    role,
		channel: channel,
		mode:    self.mode,
		qos:     self.qos,
		timeout: self.timeout,
		log:     self.log,
		lost:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	opt := mqtt.NewClientOptions().
		AddBroker(self.broker).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(clientID).
		SetConnectTimeout(self.timeout).
		SetConnectionLostHandler(c.onLost).
		SetKeepAlive(self.timeout / 2).
		SetOrderMatters(true).
		SetPingTimeout(self.timeout).
		SetWriteTimeout(self.timeout)
	if self.username != "" {
		opt.SetUsername(self.username).SetPassword(self.password)
	}
	c.m = self.newClient(opt)
	self.log.Debugf("mqtt connect broker=%s client=%s", self.broker, clientID)
	if err := c.tokenWait(c.m.Connect(), "connect"); err != nil {
		return nil, connError("dial", role, channel, err)
	}

	if role == "feed" {
		c.in = make(chan Frame, mqttQueueSize)
		topic := mqttTopicAll
		if channel != "" {
			topic = MqttTopic(channel)
		}
		if err := c.tokenWait(c.m.Subscribe(topic, self.qos, c.onMessage), "subscribe:"+topic); err != nil {
			c.m.Disconnect(0)
			return nil, connError("dial", role, channel, err)
		}
	}
	return c, nil
}

type mqttConn struct {
	m       mqtt.Client
	role    string
	channel string
	mode    PayloadMode
	qos     byte
	timeout time.Duration
	log     *log2.Log
	in      chan Frame

	lostOnce  sync.Once
	lost      chan struct{}
	lostErr   error
	closeOnce sync.Once
	closed    chan struct{}
}

func (self *mqttConn) onLost(_ mqtt.Client, err error) {
	self.lostOnce.Do(func() {
		if err == nil {
			err = fmt.Errorf("connection lost")
		}
		self.lostErr = err
		close(self.lost)
	})
}

func (self *mqttConn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()
	channel := self.channel
	if channel == "" {
		var ok bool
		if channel, ok = MqttChannel(msg.Topic()); !ok {
			self.log.Errorf("mqtt drop frame invalid topic=%q", msg.Topic())
			return
		}
	}
	payload, err := self.mode.decode(msg.Payload())
	if err != nil {
		self.log.Errorf("mqtt topic=%s drop frame: %v", msg.Topic(), err)
		return
	}
	f := Frame{Channel: channel, Payload: payload}
	// drop oldest, broker callback must not block
	for {
		select {
		case self.in <- f:
			return
		default:
		}
		select {
		case <-self.in:
		default:
		}
	}
}

func (self *mqttConn) Send(ctx context.Context, f Frame) error {
	if err := self.check(ctx, "send"); err != nil {
		return err
	}
	topic := MqttTopic(self.channel)
	if err := self.tokenWait(self.m.Publish(topic, self.qos, false, self.mode.encode(f.Payload)), "publish:"+topic); err != nil {
		return connError("send", self.role, self.channel, err)
	}
	return nil
}

func (self *mqttConn) Receive(ctx context.Context) (Frame, error) {
	if err := self.check(ctx, "receive"); err != nil {
		return Frame{}, err
	}
	select {
	case f := <-self.in:
		return f, nil
	case <-self.lost:
		return Frame{}, connError("receive", self.role, self.channel, self.lostErr)
	case <-self.closed:
		return Frame{}, ErrClosing
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (self *mqttConn) Close() error {
	err := ErrClosing
	self.closeOnce.Do(func() {
		close(self.closed)
		self.m.Disconnect(uint(time.Second / time.Millisecond))
		err = nil
	})
	return err
}

func (self *mqttConn) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-self.closed:
		return ErrClosing
	case <-self.lost:
		return connError(op, self.role, self.channel, self.lostErr)
	default:
		return nil
	}
}

func (self *mqttConn) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}
