// Package integration holds the pieces the tests need to run workers against something that
// looks like a real broker: an in-process MQTT broker, generated certificates and a TCP proxy
// that can cut connections.
package integration

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/log"
)

// Broker is a minimal MQTT 3.1.1 broker. It answers CONNECT, SUBSCRIBE, PUBLISH and PINGREQ and
// routes publishes back to subscribers, capped at QoS 1. Enough for a client to see its own echoes.
type Broker struct {
	listener    net.Listener
	logger      *logrus.Entry
	connackCode atomic.Int32
	echo        atomic.Bool
	accepted    atomic.Int64
	connects    atomic.Int64
	subscribes  atomic.Int64
	publishes   atomic.Int64

	mu       sync.Mutex
	sessions map[*session]struct{}
	payloads [][]byte
	wg       sync.WaitGroup
	closed   bool
}

type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	subs    []string
	nextId  uint16
}

// NewBroker listens on a random port on localhost. With a tls.Config every connection must
// complete a TLS handshake first.
func NewBroker(tlsConfig *tls.Config) (*Broker, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("broker listen: %w", err)
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	b := &Broker{
		listener: l,
		logger:   log.New("broker", log.InfoLevel),
		sessions: make(map[*session]struct{}),
	}
	b.echo.Store(true)
	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

func (b *Broker) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

// SetConnackCode makes the broker answer subsequent CONNECTs with the given return code.
func (b *Broker) SetConnackCode(code byte) {
	b.connackCode.Store(int32(code))
}

// SetEcho turns routing of publishes to subscribers on or off.
func (b *Broker) SetEcho(on bool) {
	b.echo.Store(on)
}

// Accepted is the number of TCP connections accepted, handshake or not.
func (b *Broker) Accepted() int {
	return int(b.accepted.Load())
}

func (b *Broker) Connects() int {
	return int(b.connects.Load())
}

func (b *Broker) Subscribes() int {
	return int(b.subscribes.Load())
}

func (b *Broker) Publishes() int {
	return int(b.publishes.Load())
}

// Payloads returns a copy of every payload published to the broker, in arrival order.
func (b *Broker) Payloads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([][]byte, len(b.payloads))
	copy(res, b.payloads)
	return res
}

// DropClients closes every open client connection without sending anything.
func (b *Broker) DropClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		_ = s.conn.Close()
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	_ = b.listener.Close()
	b.DropClients()
	b.wg.Wait()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Errorf("accept: %s", err)
			}
			return
		}
		b.accepted.Add(1)
		s := &session{conn: conn}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.sessions[s] = struct{}{}
		b.wg.Add(1)
		b.mu.Unlock()
		go b.serve(s)
	}
}

func (b *Broker) serve(s *session) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		_ = s.conn.Close()
	}()
	cp, err := packets.ReadPacket(s.conn)
	if err != nil {
		b.logger.Debugf("reading CONNECT: %s", err)
		return
	}
	connect, ok := cp.(*packets.ConnectPacket)
	if !ok {
		b.logger.Warnf("expected CONNECT, got %s", cp.String())
		return
	}
	b.connects.Add(1)
	connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	connack.ReturnCode = byte(b.connackCode.Load())
	if err := s.write(connack); err != nil {
		return
	}
	if connack.ReturnCode != packets.Accepted {
		b.logger.Debugf("refused %s with code %d", connect.ClientIdentifier, connack.ReturnCode)
		return
	}
	for {
		cp, err := packets.ReadPacket(s.conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.SubscribePacket:
			b.subscribes.Add(1)
			suback := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			suback.MessageID = p.MessageID
			b.mu.Lock()
			for i, topic := range p.Topics {
				s.subs = append(s.subs, topic)
				suback.ReturnCodes = append(suback.ReturnCodes, minQos(p.Qoss[i], 1))
			}
			b.mu.Unlock()
			if err := s.write(suback); err != nil {
				return
			}
		case *packets.PublishPacket:
			b.publishes.Add(1)
			b.mu.Lock()
			b.payloads = append(b.payloads, append([]byte(nil), p.Payload...))
			b.mu.Unlock()
			switch p.Qos {
			case 1:
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				if err := s.write(ack); err != nil {
					return
				}
			case 2:
				rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
				rec.MessageID = p.MessageID
				if err := s.write(rec); err != nil {
					return
				}
			}
			if b.echo.Load() {
				b.route(p)
			}
		case *packets.PubrelPacket:
			comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
			comp.MessageID = p.MessageID
			if err := s.write(comp); err != nil {
				return
			}
		case *packets.PingreqPacket:
			if err := s.write(packets.NewControlPacket(packets.Pingresp)); err != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		default:
			// PUBACKs for our own deliveries and anything else we don't care about.
		}
	}
}

func (b *Broker) route(p *packets.PublishPacket) {
	b.mu.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		for _, filter := range s.subs {
			if topicMatches(filter, p.TopicName) {
				targets = append(targets, s)
				break
			}
		}
	}
	b.mu.Unlock()
	for _, s := range targets {
		out := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		out.TopicName = p.TopicName
		out.Payload = p.Payload
		out.Qos = minQos(p.Qos, 1)
		if out.Qos > 0 {
			out.MessageID = s.messageId()
		}
		if err := s.write(out); err != nil {
			b.logger.Debugf("routing to subscriber: %s", err)
		}
	}
}

func (s *session) write(p packets.ControlPacket) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return p.Write(s.conn)
}

func (s *session) messageId() uint16 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.nextId++
	if s.nextId == 0 {
		s.nextId = 1
	}
	return s.nextId
}

func minQos(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// topicMatches supports the + and # wildcards.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
