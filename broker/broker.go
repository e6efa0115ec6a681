// Package broker provides a best-effort, JSON-over-TCP pub/sub fan-out for
// audit events. It is operational tooling, not the envelope transport: a
// disconnected or slow subscriber never blocks or fails a durable audit
// write. Adapted from a generic topic/connection broker pattern, narrowed
// to one concern — audit event fan-out.
package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nikodemus-eth/saoe/audit"
)

// Message is the wire envelope for one published audit event.
type Message struct {
	Topic string      `json:"topic"`
	Event audit.Event `json:"event"`
}

// Service is a TCP server that accepts subscriber connections on a topic
// and fans out published messages to all current subscribers of that
// topic. Publish never blocks on a slow subscriber: each subscriber has a
// bounded outbound queue, and a full queue drops the message for that
// subscriber only.
type Service struct {
	mu     sync.Mutex
	topics map[string]map[chan Message]struct{}
	logger zerolog.Logger
}

// NewService constructs an empty broker Service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		topics: make(map[string]map[chan Message]struct{}),
		logger: logger,
	}
}

// PublishForAgent fans event out to every subscriber of topic
// "audit.<agent_id>". AgentSink wraps it to implement audit.Sink.
func (s *Service) PublishForAgent(agentID string, event audit.Event) {
	topic := "audit." + agentID
	s.mu.Lock()
	subs := s.topics[topic]
	chans := make([]chan Message, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	msg := Message{Topic: topic, Event: event}
	for _, ch := range chans {
		select {
		case ch <- msg:
		default:
			s.logger.Warn().Str("topic", topic).Msg("subscriber queue full, dropping audit event")
		}
	}
}

// Subscribe registers a new subscriber channel for topic. The caller must
// call Unsubscribe when done.
func (s *Service) Subscribe(topic string) chan Message {
	ch := make(chan Message, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[chan Message]struct{})
	}
	s.topics[topic][ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch from topic and closes it.
func (s *Service) Unsubscribe(topic string, ch chan Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.topics[topic]; ok {
		delete(subs, ch)
	}
	close(ch)
}

// Listen serves subscriber connections on addr. Each connection sends a
// single line naming the topic it wants ("audit.<agent_id>\n"), after
// which every subsequent published message on that topic is written to it
// as one JSON line.
func (s *Service) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				s.logger.Error().Err(err).Msg("broker: accept failed")
				return
			}
			go s.handleConn(conn)
		}
	}()
	return nil
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	topicLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	topic := trimNewline(topicLine)

	ch := s.Subscribe(topic)
	defer s.Unsubscribe(topic, ch)

	enc := json.NewEncoder(conn)
	for msg := range ch {
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// AgentSink adapts a Service to the audit.Sink interface for one
// particular agent_id, so audit.Log.SetSink(AgentSink{...}) fans every
// emitted event out to that agent's topic.
type AgentSink struct {
	Service *Service
	AgentID string
}

func (a AgentSink) Publish(event audit.Event) {
	a.Service.PublishForAgent(a.AgentID, event)
}
