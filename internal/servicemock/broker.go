package servicemock

import (
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/kentonj/monitect/log2"
	"github.com/temoto/alive/v2"
)

const defaultReadLimit = 1 << 20

type BrokerOptions struct {
	Log *log2.Log
	// Username:password accepted on CONNECT, empty map allows anyone.
	Users          map[string]string
	NetworkTimeout time.Duration
}

// Broker is minimal MQTT 3.1.1 server for frame streaming tests.
// QoS 0 and 1 from publishers, no retain, no will, no persistent sessions.
// Delivery to subscribers is in publisher packet order.
type Broker struct {
	alive   *alive.Alive
	opt     BrokerOptions
	log     *log2.Log
	ns      *transport.NetServer
	nextid  uint32
	subs    *topic.Tree // *brokerSub
	mu      sync.Mutex
	clients map[string]*brokerClient
	stat    map[string]int
}

// Subscriptions belong to connection, not client id, so overtaken
// connection cleanup keeps subscriptions of the new one.
type brokerSub struct {
	pattern string
	client  *brokerClient
	qos     packet.QOS
}

type brokerClient struct {
	id     string
	conn   transport.Conn
	sendmu sync.Mutex
	once   sync.Once
}

func (c *brokerClient) send(pkt packet.Generic) error {
	c.sendmu.Lock()
	defer c.sendmu.Unlock()
	return c.conn.Send(pkt, false)
}

func (c *brokerClient) close() {
	c.once.Do(func() { _ = c.conn.Close() })
}

// NewBroker listens on addr, use "127.0.0.1:0" in tests.
func NewBroker(addr string, opt BrokerOptions) (*Broker, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 5 * time.Second
	}
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "broker listen=%s", addr)
	}
	b := &Broker{
		alive:   alive.NewAlive(),
		opt:     opt,
		log:     opt.Log,
		ns:      transport.NewNetServer(listen),
		subs:    topic.NewStandardTree(),
		clients: make(map[string]*brokerClient),
		stat:    make(map[string]int),
	}
	b.alive.Add(1)
	go b.acceptLoop()
	return b, nil
}

// URL for stream dialer, credentials are not included.
func (b *Broker) URL() string { return "mqtt://" + b.ns.Addr().String() }

func (b *Broker) Close() error {
	b.alive.Stop()
	err := b.ns.Close()
	b.DropAll()
	b.alive.Wait()
	return err
}

// DropAll closes every client connection without DISCONNECT, used to test reconnect.
func (b *Broker) DropAll() int {
	b.mu.Lock()
	cs := make([]*brokerClient, 0, len(b.clients))
	for _, c := range b.clients {
		cs = append(cs, c)
	}
	b.mu.Unlock()
	for _, c := range cs {
		c.close()
	}
	return len(cs)
}

// Published returns count of PUBLISH packets seen on topic.
func (b *Broker) Published(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stat[topicName]
}

func (b *Broker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broker) nextID() packet.ID {
	u32 := atomic.AddUint32(&b.nextid, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (b *Broker) acceptLoop() {
	defer b.alive.Done()
	for {
		conn, err := b.ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Error(errors.Annotate(err, "broker accept"))
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.processConn(conn)
	}
}

func (b *Broker) onConnect(conn transport.Conn) (*brokerClient, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, broker.ErrUnexpectedPacket
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotate(broker.ErrNotAuthorized, "clientid=empty")
	}
	if len(b.opt.Users) != 0 {
		if secret, ok := b.opt.Users[pktConnect.Username]; !ok || secret != pktConnect.Password {
			connack.ReturnCode = packet.NotAuthorized
			_ = conn.Send(connack, false)
			return nil, errors.Annotatef(broker.ErrNotAuthorized, "username=%s", pktConnect.Username)
		}
	}

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > b.opt.NetworkTimeout {
		keepalive = b.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	b.log.Debugf("broker CONNECT client=%s username=%s keepalive=%d", pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)
	return &brokerClient{id: pktConnect.ClientID, conn: conn}, nil
}

func (b *Broker) processConn(conn transport.Conn) {
	defer b.alive.Done()
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(defaultReadLimit)
	conn.SetReadTimeout(b.opt.NetworkTimeout)
	c, err := b.onConnect(conn)
	if err != nil {
		b.log.Infof("broker onConnect addr=%s err=%v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	if ex, ok := b.clients[c.id]; ok {
		b.log.Infof("broker client overtake id=%s", c.id)
		ex.close()
	}
	b.clients[c.id] = c
	b.mu.Unlock()

	for b.alive.IsRunning() {
		pkt, err := conn.Receive()
		if err != nil {
			if err != io.EOF && !isClosedConn(err) {
				b.log.Debugf("broker recv client=%s err=%v", c.id, err)
			}
			break
		}
		if err = b.processPacket(c, pkt); err != nil {
			if err != io.EOF {
				b.log.Errorf("broker client=%s err=%v", c.id, err)
			}
			break
		}
	}
	c.close()

	b.mu.Lock()
	if ex := b.clients[c.id]; ex == c {
		delete(b.clients, c.id)
	}
	for _, value := range b.subs.All() {
		if sub := value.(*brokerSub); sub.client == c {
			b.subs.Remove(sub.pattern, value)
		}
	}
	b.mu.Unlock()
}

// io.EOF return means clean disconnect.
func (b *Broker) processPacket(c *brokerClient, pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		return c.send(packet.NewPingresp())

	case *packet.Publish:
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			if err := c.send(puback); err != nil {
				return err
			}
		default:
			return errors.NotSupportedf("qos=%d", pt.Message.QOS)
		}
		b.publish(&pt.Message)
		return nil

	case *packet.Puback:
		return nil

	case *packet.Subscribe:
		if len(pt.Subscriptions) == 0 {
			return errors.NotValidf("subscribe with empty list")
		}
		suback := packet.NewSuback()
		suback.ID = pt.ID
		suback.ReturnCodes = make([]packet.QOS, 0, len(pt.Subscriptions))
		b.mu.Lock()
		for _, s := range pt.Subscriptions {
			sub := &brokerSub{pattern: s.Topic, client: c, qos: s.QOS}
			if sub.qos > packet.QOSAtLeastOnce {
				sub.qos = packet.QOSAtLeastOnce
			}
			b.subs.Add(sub.pattern, sub)
			suback.ReturnCodes = append(suback.ReturnCodes, sub.qos)
		}
		b.mu.Unlock()
		return c.send(suback)

	case *packet.Disconnect:
		return io.EOF
	}
	return errors.NotSupportedf("packet=%s", pkt.String())
}

func (b *Broker) publish(msg *packet.Message) {
	type target struct {
		c   *brokerClient
		qos packet.QOS
	}
	b.mu.Lock()
	b.stat[msg.Topic]++
	targets := make([]target, 0, 4)
	uniq := make(map[*brokerClient]struct{})
	for _, x := range b.subs.Match(msg.Topic) {
		sub := x.(*brokerSub)
		if _, ok := uniq[sub.client]; ok {
			continue
		}
		uniq[sub.client] = struct{}{}
		targets = append(targets, target{sub.client, sub.qos})
	}
	b.mu.Unlock()

	for _, t := range targets {
		pub := packet.NewPublish()
		pub.Message = *msg.Copy()
		pub.Message.Retain = false
		if msg.QOS < t.qos {
			pub.Message.QOS = msg.QOS
		} else {
			pub.Message.QOS = t.qos
		}
		if pub.Message.QOS != packet.QOSAtMostOnce {
			pub.ID = b.nextID()
		}
		if err := t.c.send(pub); err != nil {
			b.log.Debugf("broker deliver client=%s err=%v", t.c.id, err)
			t.c.close()
		}
	}
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}
