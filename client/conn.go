// Package client has code for making api calls to brokers. The Conn type is
// a single broker connection with strict request-response pairing; the Pool
// caches connections per broker address; the Cluster sits on top of the pool
// and owns metadata discovery, leader lookup, offset resolution, and group
// coordinator resolution. Calls are synchronous and execute in the calling
// goroutine.
package client

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api"
	"github.com/andrewjamesbrown/kafkaclient/api/ApiVersions"
)

// Dialer opens broker connections applying the shared TLS context and
// timeouts. The zero value is usable: plaintext, package level timeouts,
// no logging.
type Dialer struct {
	ClientID string
	TLS      *tls.Config
	// DialTimeout covers the TCP connect and, when TLS is set, the
	// handshake. Zero means kafkaclient.DialTimeout.
	DialTimeout time.Duration
	// SocketTimeout bounds each request-response round trip. Zero means
	// kafkaclient.SocketTimeout.
	SocketTimeout time.Duration
	// MaxIdle closes connections that have not carried a request for this
	// long (brokers close idle connections server side; recycling client
	// side avoids errors on the next call). Zero disables the check.
	MaxIdle time.Duration
	Logger  *zap.Logger
}

func (d *Dialer) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return kafkaclient.DialTimeout
}

func (d *Dialer) socketTimeout() time.Duration {
	if d.SocketTimeout > 0 {
		return d.SocketTimeout
	}
	return kafkaclient.SocketTimeout
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Dial connects to addr and performs the ApiVersions exchange. The returned
// Conn is ready for use.
func (d *Dialer) Dial(addr string) (*Conn, error) {
	var netConn net.Conn
	var err error
	if d.TLS != nil {
		netConn, err = tls.DialWithDialer(&net.Dialer{Timeout: d.dialTimeout()}, "tcp", addr, d.TLS)
	} else {
		netConn, err = net.DialTimeout("tcp", addr, d.dialTimeout())
	}
	if err != nil {
		return nil, fmt.Errorf("error connecting to broker %s (TLS: %v): %w", addr, d.TLS != nil, err)
	}
	c := &Conn{
		netConn:  netConn,
		addr:     addr,
		clientID: d.ClientID,
		timeout:  d.socketTimeout(),
		opened:   time.Now().UTC(),
		log:      d.logger(),
	}
	c.lastUsed = c.opened
	versions := &ApiVersions.Response{}
	if err := c.Send(ApiVersions.NewRequest(), versions); err != nil {
		c.Close()
		return nil, fmt.Errorf("error getting api versions from broker: %w", err)
	}
	if err := kafkaclient.ErrorFromCode(versions.ErrorCode); err != nil {
		c.Close()
		return nil, fmt.Errorf("error response for api versions call: %w", err)
	}
	c.versions = versions
	return c, nil
}

// Conn is a connection to a single broker. Exactly one request is in flight
// at a time: Send writes the framed request and reads the response before
// returning. Correlation ids are strictly monotonically increasing per
// connection and every response is checked against the id of the request it
// answers. Safe for concurrent use; calls serialize.
type Conn struct {
	mu       sync.Mutex
	netConn  net.Conn
	addr     string
	clientID string
	timeout  time.Duration
	opened   time.Time
	lastUsed time.Time
	// correlation holds the id assigned to the most recent request.
	correlation int32
	versions    *ApiVersions.Response
	log         *zap.Logger
}

func (c *Conn) Addr() string { return c.addr }

// Expired reports whether the connection has outlived ttl or sat idle longer
// than maxIdle (zero disables either check).
func (c *Conn) Expired(ttl, maxIdle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 && time.Since(c.opened) > ttl {
		return true
	}
	if maxIdle > 0 && time.Since(c.lastUsed) > maxIdle {
		return true
	}
	return false
}

// adjustVersion downgrades Produce requests for 1.0 era brokers. Produce
// request bodies are wire identical across versions 5 through 7, so the
// downgrade is just a header change.
func (c *Conn) adjustVersion(req *api.Request) {
	if c.versions == nil {
		return
	}
	if req.ApiKey == api.Produce && c.versions.Max(api.Produce) == 5 {
		req.ApiVersion = 5
	}
}

// Send makes a synchronous request-response round trip and unmarshals the
// response body into v. On any I/O, framing, or correlation error the
// connection is left in an undefined state and must be discarded; the pool
// does this on the caller's behalf.
func (c *Conn) Send(req *api.Request, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.write(req)
	if err != nil {
		return err
	}
	resp, err := api.Read(bufio.NewReader(c.netConn))
	if err != nil {
		return fmt.Errorf("error reading %s response from %s: %w", api.Keys[req.ApiKey], c.addr, err)
	}
	if got := resp.CorrelationId(); got != id {
		return fmt.Errorf("correlation mismatch from %s: sent %d got %d", c.addr, id, got)
	}
	if err := resp.Unmarshal(v); err != nil {
		return fmt.Errorf("error unmarshaling %s response from %s: %w", api.Keys[req.ApiKey], c.addr, err)
	}
	c.lastUsed = time.Now().UTC()
	return nil
}

// SendOneWay writes a request for which the broker sends no response
// (Produce with acks=0).
func (c *Conn) SendOneWay(req *api.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.write(req); err != nil {
		return err
	}
	c.lastUsed = time.Now().UTC()
	return nil
}

func (c *Conn) write(req *api.Request) (int32, error) {
	c.correlation++
	req.CorrelationId = c.correlation
	req.ClientId = c.clientID
	c.adjustVersion(req)
	if err := c.netConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	out := bufio.NewWriter(c.netConn)
	if _, err := out.Write(req.Bytes()); err != nil {
		return 0, fmt.Errorf("error sending %s request to %s: %w", api.Keys[req.ApiKey], c.addr, err)
	}
	if err := out.Flush(); err != nil {
		return 0, fmt.Errorf("error finalizing %s request to %s: %w", api.Keys[req.ApiKey], c.addr, err)
	}
	return c.correlation, nil
}

func (c *Conn) Close() error {
	return c.netConn.Close()
}
