package servicemock

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ConsumeAll is pseudo channel of /consume subscribers, they get frames of every channel.
const ConsumeAll = ""

type Message struct {
	Channel string
	Type    int // websocket.BinaryMessage or TextMessage
	Data    []byte
}

type subscriber struct {
	clientID string
	ch       chan Message
}

// Hub fans out published frames to subscribers of the same channel.
// No memory: frame published while nobody listens is lost.
// Slow subscriber loses oldest queued frames, publisher never blocks.
type Hub struct {
	mu    sync.Mutex
	size  int
	subs  map[string]map[string]*subscriber
	conns map[*websocket.Conn]struct{}
	stat  map[string]int
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Hub{
		size:  queueSize,
		subs:  make(map[string]map[string]*subscriber),
		conns: make(map[*websocket.Conn]struct{}),
		stat:  make(map[string]int),
	}
}

func (h *Hub) Publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stat[m.Channel]++
	for _, s := range h.subs[m.Channel] {
		publishDropOldest(s.ch, m)
	}
	if m.Channel != ConsumeAll {
		for _, s := range h.subs[ConsumeAll] {
			publishDropOldest(s.ch, m)
		}
	}
}

// Published returns count of frames seen on channel.
func (h *Hub) Published(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stat[channel]
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// DropAll closes every live websocket, used to test reconnect.
func (h *Hub) DropAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.conns)
	for c := range h.conns {
		c.Close()
		delete(h.conns, c)
	}
	return n
}

func (h *Hub) attach(channel, clientID string) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.subs[channel]
	if m == nil {
		m = make(map[string]*subscriber)
		h.subs[channel] = m
	}
	if _, found := m[clientID]; found {
		return nil, fmt.Errorf("client %s already attached to channel=%s", clientID, channel)
	}
	s := &subscriber{clientID: clientID, ch: make(chan Message, h.size)}
	m[clientID] = s
	return s, nil
}

func (h *Hub) detach(channel string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[channel]; m != nil && m[s.clientID] == s {
		delete(m, s.clientID)
	}
}

func (h *Hub) track(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) untrack(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func publishDropOldest(ch chan Message, m Message) {
	for {
		select {
		case ch <- m:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
