// Package feedtest provides an in-memory change-feed server for tests.
package feedtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"inbox-service/internal/feed"
	"inbox-service/internal/models"
)

// ErrOffline is returned by Dial while the server is offline.
var ErrOffline = errors.New("feedtest: server offline")

// Server accepts feed.Client connections in memory and speaks the same subscription protocol as
// the real websocket endpoint.
type Server struct {
	mu      sync.Mutex
	conns   map[*pipeConn]struct{}
	deny    map[models.Topic]string
	offline bool
	dials   int
	last    time.Time
}

// NewServer creates an online server.
func NewServer() *Server {
	return &Server{
		conns: make(map[*pipeConn]struct{}),
		deny:  make(map[models.Topic]string),
	}
}

// Dial implements feed.Dialer.
func (s *Server) Dial(ctx context.Context) (feed.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.offline {
		return nil, ErrOffline
	}
	c := &pipeConn{
		server: s,
		in:     make(chan []byte, 1024),
		done:   make(chan struct{}),
		topics: make(map[models.Topic]struct{}),
	}
	s.conns[c] = struct{}{}
	return c, nil
}

// Dials returns how many dial attempts were made.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Deny makes subscribe requests for topic fail with reason.
func (s *Server) Deny(topic models.Topic, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny[topic] = reason
}

// Drop closes every open connection, as a network failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]*pipeConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// SetOffline makes Dial fail until called again with false. Going offline also drops
// open connections.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
	if offline {
		s.Drop()
	}
}

// Subscribed reports whether any connection holds topic.
func (s *Server) Subscribed(topic models.Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.has(topic) {
			return true
		}
	}
	return false
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Publish delivers ev to every connection subscribed to its topic. A zero At is stamped with a
// strictly increasing clock. Events sent while nobody listens are lost.
func (s *Server) Publish(ev models.ChangeEvent) {
	s.mu.Lock()
	if ev.At.IsZero() {
		now := time.Now().UTC()
		if !now.After(s.last) {
			now = s.last.Add(time.Microsecond)
		}
		s.last = now
		ev.At = now
	}
	targets := make([]*pipeConn, 0, len(s.conns))
	for c := range s.conns {
		if c.has(ev.Topic) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.push(ev)
	}
}

// PublishEvent lets the server stand in for a handler's event publisher.
func (s *Server) PublishEvent(_ context.Context, ev models.ChangeEvent) error {
	s.Publish(ev)
	return nil
}

// PushRaw sends an arbitrary frame to every connection, bypassing topic filtering.
func (s *Server) PushRaw(frame []byte) {
	s.mu.Lock()
	conns := make([]*pipeConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.enqueue(frame)
	}
}

func (s *Server) forget(c *pipeConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) denial(topic models.Topic) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.deny[topic]
	return reason, ok
}

type pipeConn struct {
	server *Server
	in     chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	topics map[models.Topic]struct{}
}

func (c *pipeConn) has(topic models.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *pipeConn) push(ev models.ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *pipeConn) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.in <- data:
	default:
	}
}

func (c *pipeConn) ReadJSON(v interface{}) error {
	select {
	case <-c.done:
		return io.EOF
	case data := <-c.in:
		return json.Unmarshal(data, v)
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame models.SubscriptionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	reply := models.ChangeEvent{Topic: frame.Topic, At: time.Now().UTC()}
	switch frame.Op {
	case models.OpSubscribe:
		if reason, denied := c.server.denial(frame.Topic); denied {
			reply.Type = models.EventSubscribeDenied
			reply.Reason = reason
			break
		}
		c.mu.Lock()
		c.topics[frame.Topic] = struct{}{}
		c.mu.Unlock()
		reply.Type = models.EventSubscribed
	case models.OpUnsubscribe:
		c.mu.Lock()
		delete(c.topics, frame.Topic)
		c.mu.Unlock()
		reply.Type = models.EventUnsubscribed
	default:
		reply.Type = models.EventSubscribeDenied
		reply.Reason = "unknown op"
	}
	c.push(reply)
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.server.forget(c)
	})
	return nil
}
