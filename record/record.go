// Package record implements functions for marshaling and unmarshaling
// individual Kafka records.
package record

import (
	"encoding/binary"
	"errors"

	"github.com/andrewjamesbrown/kafkaclient/varint"
)

func New(key, value []byte) *Record {
	r := &Record{
		KeyLen:   int64(len(key)),
		Key:      key,
		ValueLen: int64(len(value)),
		Value:    value,
	}
	if key == nil {
		r.KeyLen = -1
	}
	if value == nil {
		r.ValueLen = -1
	}
	return r
}

// Record in wire format. Len is the byte length of the record body (not
// including the Len varint itself). KeyLen and ValueLen of -1 denote null.
type Record struct {
	Len            int64
	Attributes     int8
	TimestampDelta int64
	OffsetDelta    int64
	KeyLen         int64
	Key            []byte
	ValueLen       int64
	Value          []byte
	// headers are neither parsed nor retained; Unmarshal stops after Value
}

var ErrTruncated = errors.New("truncated record")

func Unmarshal(b []byte) (*Record, error) {
	r := &Record{}
	var offset, n int
	if r.Len, n = varint.DecodeZigZag64(b); n == 0 {
		return nil, ErrTruncated
	}
	offset += n
	if len(b) < offset+int(r.Len) {
		return nil, ErrTruncated
	}
	r.Attributes = int8(b[offset])
	offset++
	if r.TimestampDelta, n = varint.DecodeZigZag64(b[offset:]); n == 0 {
		return nil, ErrTruncated
	}
	offset += n
	if r.OffsetDelta, n = varint.DecodeZigZag64(b[offset:]); n == 0 {
		return nil, ErrTruncated
	}
	offset += n
	if r.KeyLen, n = varint.DecodeZigZag64(b[offset:]); n == 0 {
		return nil, ErrTruncated
	}
	offset += n
	if r.KeyLen >= 0 {
		if len(b) < offset+int(r.KeyLen) {
			return nil, ErrTruncated
		}
		r.Key = make([]byte, r.KeyLen)
		offset += copy(r.Key, b[offset:offset+int(r.KeyLen)])
	}
	if r.ValueLen, n = varint.DecodeZigZag64(b[offset:]); n == 0 {
		return nil, ErrTruncated
	}
	offset += n
	if r.ValueLen >= 0 {
		if len(b) < offset+int(r.ValueLen) {
			return nil, ErrTruncated
		}
		r.Value = make([]byte, r.ValueLen)
		offset += copy(r.Value, b[offset:offset+int(r.ValueLen)])
	}
	return r, nil
}

// Marshal encodes the record body (attributes through the empty header
// count) and prefixes it with its byte length. Record marshaling is on the
// produce hot path, so varints write through a shared scratch buffer
// instead of allocating per field.
func (r *Record) Marshal() []byte {
	scratch := make([]byte, binary.MaxVarintLen64)
	body := make([]byte, 0, 24+len(r.Key)+len(r.Value))
	body = append(body, byte(r.Attributes)) // attributes is a raw byte, not a varint
	body = varint.PutZigZag64(body, scratch, r.TimestampDelta)
	body = varint.PutZigZag64(body, scratch, r.OffsetDelta)
	body = varint.PutZigZag64(body, scratch, r.KeyLen)
	body = append(body, r.Key...)
	body = varint.PutZigZag64(body, scratch, r.ValueLen)
	body = append(body, r.Value...)
	body = varint.PutZigZag64(body, scratch, 0) // no headers
	out := varint.PutZigZag64(make([]byte, 0, len(body)+binary.MaxVarintLen64), scratch, int64(len(body)))
	return append(out, body...)
}
