// Package mockbroker runs an in-process broker speaking just enough of the
// wire protocol for tests: it accepts framed requests, dispatches them to
// registered per-api-key handlers, and writes back framed responses. It
// answers ApiVersions on its own so client connection setup works out of the
// box. Test support only; it implements no log and retains no state beyond
// per-api-key request counts and what handlers capture.
package mockbroker

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"reflect"
	"sync"

	"github.com/andrewjamesbrown/kafkaclient/api"
	"github.com/andrewjamesbrown/kafkaclient/api/ApiVersions"
	"github.com/andrewjamesbrown/kafkaclient/wire"
)

// RequestHeader is the decoded common prefix of every request.
type RequestHeader struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string
}

// Handler consumes a request body and returns a response body struct to be
// wire marshaled. Returning nil writes no response (acks=0 produce).
type Handler func(h *RequestHeader, body []byte) interface{}

type Broker struct {
	ln net.Listener

	mu       sync.Mutex
	handlers map[int16]Handler
	counts   map[int16]int
	closed   bool
}

// Start listens on a random localhost port and begins serving.
func Start() (*Broker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Broker{
		ln:       ln,
		handlers: make(map[int16]Handler),
		counts:   make(map[int16]int),
	}
	go b.serve()
	return b, nil
}

func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// Host and Port of the listening socket, for building metadata responses.
func (b *Broker) Host() string {
	host, _, _ := net.SplitHostPort(b.Addr())
	return host
}

func (b *Broker) Port() int32 {
	_, port, _ := net.SplitHostPort(b.Addr())
	var p int32
	for _, c := range port {
		p = p*10 + int32(c-'0')
	}
	return p
}

// Handle registers the handler for an api key. Replacing a handler while
// the broker is serving is allowed; the handler is looked up per request.
func (b *Broker) Handle(apiKey int16, h Handler) {
	b.mu.Lock()
	b.handlers[apiKey] = h
	b.mu.Unlock()
}

// Requests returns how many requests with the api key have been served.
func (b *Broker) Requests(apiKey int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[apiKey]
}

func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.ln.Close()
}

func (b *Broker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.serveConn(conn)
	}
}

func (b *Broker) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var size int32
		if err := binary.Read(conn, binary.BigEndian, &size); err != nil {
			return
		}
		if size <= 0 || size > 1<<26 {
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		r := bytes.NewReader(frame)
		header := &RequestHeader{}
		if err := wire.Read(r, reflect.ValueOf(header)); err != nil {
			return
		}
		body := make([]byte, r.Len())
		io.ReadFull(r, body)

		b.mu.Lock()
		b.counts[header.ApiKey]++
		handler := b.handlers[header.ApiKey]
		b.mu.Unlock()

		var resp interface{}
		if handler != nil {
			resp = handler(header, body)
		} else if header.ApiKey == api.ApiVersions {
			resp = defaultApiVersions()
		}
		if resp == nil {
			continue
		}
		out := new(bytes.Buffer)
		binary.Write(out, binary.BigEndian, header.CorrelationId)
		if err := wire.Write(out, reflect.ValueOf(resp)); err != nil {
			return
		}
		if err := binary.Write(conn, binary.BigEndian, int32(out.Len())); err != nil {
			return
		}
		if _, err := conn.Write(out.Bytes()); err != nil {
			return
		}
	}
}

func defaultApiVersions() *ApiVersions.Response {
	resp := &ApiVersions.Response{}
	for key := range api.Keys {
		resp.ApiKeys = append(resp.ApiKeys, ApiVersions.ApiKey{
			ApiKey: key, MinVersion: 0, MaxVersion: 7,
		})
	}
	return resp
}

// Unmarshal decodes a request body into v. Helper for handlers.
func Unmarshal(body []byte, v interface{}) error {
	return wire.Read(bytes.NewReader(body), reflect.ValueOf(v))
}
