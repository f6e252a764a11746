package integration

// Simple TCP proxy between a worker and a broker.
// Reset cuts every connection going through it, which is how the tests simulate a network failure.

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/celerway/mqttload/log"
)

type Proxy struct {
	listener net.Listener
	target   string
	logger   *logrus.Entry
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewProxy listens on a random localhost port and forwards everything to target.
func NewProxy(target string) (*Proxy, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("proxy listen: %w", err)
	}
	p := &Proxy{
		listener: listener,
		target:   target,
		logger:   log.New("proxy", log.InfoLevel),
		conns:    make(map[net.Conn]struct{}),
	}
	p.logger.Debugf("Setting up a proxy from %s --> %s", listener.Addr(), target)
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *Proxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Reset closes both ends of every proxied connection. New connections are still accepted.
func (p *Proxy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = c.Close()
	}
}

func (p *Proxy) Close() {
	_ = p.listener.Close()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Reset()
	p.wg.Wait()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.logger.Error("error accepting connection: ", err)
			}
			return
		}
		p.wg.Add(1)
		go p.pipe(conn)
	}
}

func (p *Proxy) pipe(conn net.Conn) {
	defer p.wg.Done()
	conn2, err := net.Dial("tcp", p.target)
	if err != nil {
		p.logger.Error("error dialing remote addr: ", err)
		_ = conn.Close()
		return
	}
	p.track(conn, conn2)
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(conn2, conn)
		_ = conn2.Close()
		close(done)
	}()
	_, _ = io.Copy(conn, conn2)
	_ = conn.Close()
	<-done
	p.untrack(conn, conn2)
}

func (p *Proxy) track(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		if p.closed {
			_ = c.Close()
			continue
		}
		p.conns[c] = struct{}{}
	}
}

func (p *Proxy) untrack(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		delete(p.conns, c)
	}
}
