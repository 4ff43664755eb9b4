package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/andrewjamesbrown/kafkaclient/wire"
)

// MaxResponseSize bounds how large a single framed response may claim to be.
// Protects against unbounded allocation on a garbled size prefix.
var MaxResponseSize int32 = 1 << 28

// Read a single framed response: int32 size, int32 correlation id, body.
func Read(r io.Reader) (*Response, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("error reading response size: %w", err)
	}
	if size < 4 || size > MaxResponseSize {
		return nil, fmt.Errorf("invalid response size: %d", size)
	}
	b := make([]byte, int(size))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	return &Response{body: b}, nil
}

type Response struct {
	body []byte
}

func (r *Response) CorrelationId() int32 {
	return int32(binary.BigEndian.Uint32(r.body))
}

func (r *Response) Unmarshal(v interface{}) error {
	// [4:] skips bytes used for correlation id
	return wire.Read(bytes.NewReader(r.body[4:]), reflect.ValueOf(v))
}

func (r *Response) Bytes() []byte {
	// [4:] skips bytes used for correlation id
	return r.body[4:]
}
