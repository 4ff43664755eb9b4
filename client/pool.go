package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api"
)

// Pool caches live connections keyed by broker address. Connections open
// lazily on first use and are evicted on any request error, so the next call
// re-establishes. Safe for concurrent use.
type Pool struct {
	dialer *Dialer
	log    *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool(dialer *Dialer) *Pool {
	return &Pool{
		dialer: dialer,
		log:    dialer.logger(),
		conns:  make(map[string]*Conn),
	}
}

// Get returns the pooled connection for addr, opening one if needed.
// Connections past the configured TTL or idle limit are recycled.
func (p *Pool) Get(addr string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		if !conn.Expired(kafkaclient.ConnectionTTL, p.dialer.MaxIdle) {
			return conn, nil
		}
		p.log.Debug("recycling expired connection", zap.String("addr", addr))
		conn.Close()
		delete(p.conns, addr)
	}
	conn, err := p.dialer.Dial(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// Evict closes and forgets the connection for addr, if any.
func (p *Pool) Evict(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		conn.Close()
		delete(p.conns, addr)
	}
}

// Call makes a request-response round trip against addr. On any error the
// connection is evicted so the next call starts clean.
func (p *Pool) Call(addr string, req *api.Request, v interface{}) error {
	conn, err := p.Get(addr)
	if err != nil {
		return err
	}
	if err := conn.Send(req, v); err != nil {
		p.Evict(addr)
		return err
	}
	return nil
}

// CallOneWay writes a request for which no response will arrive.
func (p *Pool) CallOneWay(addr string, req *api.Request) error {
	conn, err := p.Get(addr)
	if err != nil {
		return err
	}
	if err := conn.SendOneWay(req); err != nil {
		p.Evict(addr)
		return err
	}
	return nil
}

// CloseAll closes every pooled connection. The pool remains usable.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		conn.Close()
		delete(p.conns, addr)
	}
}
