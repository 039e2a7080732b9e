// Package mqttbroker is a small in-process MQTT 3.1.1 broker for scanner
// networks without a broker of their own. It accepts QoS 0 and QoS 1
// publishes and delivers to subscribers at QoS 0.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each publish whose topic matches its filter.
type Handler func(context.Context, Message)

type route struct {
	filter  string
	handler Handler
}

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	closed   atomic.Bool

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		subs:   make(map[string]struct{}),
	}
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

func (s *session) wants(topic string) bool {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for filter := range s.subs {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

// Broker accepts MQTT clients on a TCP listener.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	received     atomic.Uint64

	routesMu sync.RWMutex
	routes   []route

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, sessions: make(map[*session]struct{})}
}

// Handle registers h for publishes matching filter. Filters use the MQTT
// wildcards + and #.
func (b *Broker) Handle(filter string, h Handler) {
	b.routesMu.Lock()
	defer b.routesMu.Unlock()
	b.routes = append(b.routes, route{filter: filter, handler: h})
}

// Start begins listening on bind. The returned channel is closed once the
// accept loop ends; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr reports the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Received is the number of publishes accepted since Start.
func (b *Broker) Received() uint64 {
	return b.received.Load()
}

// Stop closes the listener and every client connection.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessionsMu.Unlock()

	b.wg.Wait()
	b.logger.Info("mqtt broker stopped")
	return nil
}

// Publish delivers a message from the server itself to matching subscribers.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.deliver(topic, payload, nil)
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	ctx := context.Background()

	header, body, err := readPacket(s.reader)
	if err != nil {
		return
	}
	if header>>4 != packetConnect {
		b.logger.Debug("first packet was not CONNECT", "type", header>>4)
		return
	}
	if err := b.connect(s, body); err != nil {
		b.logger.Debug("connect rejected", "remote", s.conn.RemoteAddr().String(), "error", err)
		return
	}

	for {
		header, body, err := readPacket(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				b.logger.Debug("read packet failed", "client", s.clientID, "error", err)
			}
			return
		}

		switch header >> 4 {
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("bad publish", "client", s.clientID, "error", err)
				return
			}
			b.received.Add(1)
			b.dispatch(ctx, Message{ClientID: s.clientID, Topic: msg.topic, Payload: msg.payload})
			if err := b.deliver(msg.topic, msg.payload, s); err != nil {
				b.logger.Debug("forward publish failed", "topic", msg.topic, "error", err)
			}
			if msg.qos == 1 {
				if err := s.write(encodeAck(packetPubAck, msg.packetID)); err != nil {
					return
				}
			}
		case packetSubscribe:
			if err := b.subscribe(s, body); err != nil {
				b.logger.Debug("bad subscribe", "client", s.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.unsubscribe(s, body); err != nil {
				b.logger.Debug("bad unsubscribe", "client", s.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := s.write([]byte{0xd0, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", s.clientID, "type", header>>4)
			return
		}
	}
}

func (b *Broker) connect(s *session, body []byte) error {
	rd := fieldReader(body)

	proto, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if proto != "MQTT" || level != 4 {
		// Return code 1: unacceptable protocol version.
		_ = s.write([]byte{0x20, 0x02, 0x00, 0x01})
		return fmt.Errorf("unsupported protocol %q level %d", proto, level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if _, err := rd.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}

	// Will, username and password are read and dropped.
	if flags&0x04 != 0 {
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read will message: %w", err)
		}
	}
	if flags&0x80 != 0 {
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	s.clientID = clientID

	if err := s.write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", clientID)
	return nil
}

func (b *Broker) subscribe(s *session, body []byte) error {
	rd := fieldReader(body)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var granted []byte
	for len(rd) > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if !validFilter(filter) {
			granted = append(granted, 0x80)
			continue
		}
		s.subsMu.Lock()
		s.subs[filter] = struct{}{}
		s.subsMu.Unlock()
		granted = append(granted, 0x00)
	}
	if len(granted) == 0 {
		return errors.New("subscribe without filters")
	}
	return s.write(encodeSubAck(packetID, granted))
}

func (b *Broker) unsubscribe(s *session, body []byte) error {
	rd := fieldReader(body)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for len(rd) > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		s.subsMu.Lock()
		delete(s.subs, filter)
		s.subsMu.Unlock()
	}
	return s.write(encodeAck(packetUnsubAck, packetID))
}

func (b *Broker) dispatch(ctx context.Context, msg Message) {
	b.routesMu.RLock()
	routes := b.routes
	b.routesMu.RUnlock()

	for _, r := range routes {
		if MatchTopic(r.filter, msg.Topic) {
			b.invoke(ctx, r.handler, msg)
		}
	}
}

func (b *Broker) invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}

func (b *Broker) deliver(topic string, payload []byte, from *session) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	for s := range b.sessions {
		if s == from || !s.wants(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("deliver failed", "client", s.clientID, "error", err)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches the subscription filter.
func MatchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		switch {
		case f == "#":
			return true
		case i >= len(tl):
			return false
		case f == "+":
		case f != tl[i]:
			return false
		}
	}
	return len(fl) == len(tl)
}

func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, "+") && l != "+" {
			return false
		}
	}
	return true
}
