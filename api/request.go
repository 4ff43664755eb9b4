package api

import (
	"bytes"
	"encoding/binary"
	"reflect"

	"github.com/andrewjamesbrown/kafkaclient/wire"
)

// https://kafka.apache.org/protocol
//
// Requests are framed as: int32 size, int16 api key, int16 api version,
// int32 correlation id, string client id, body.

type Request struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string
	Body          interface{}
}

func (r *Request) Bytes() []byte {
	tmp := new(bytes.Buffer)
	if err := wire.Write(tmp, reflect.ValueOf(r)); err != nil {
		panic(err) // request structs are fixed at compile time
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(tmp.Len()))
	tmp.WriteTo(buf)
	return buf.Bytes()
}
