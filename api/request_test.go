package api

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type echoBody struct {
	N int32
}

func TestUnitRequestFraming(t *testing.T) {
	req := &Request{
		ApiKey:        Metadata,
		ApiVersion:    5,
		CorrelationId: 42,
		ClientId:      "cid",
		Body:          echoBody{N: 7},
	}
	b := req.Bytes()
	size := int32(binary.BigEndian.Uint32(b))
	if int(size) != len(b)-4 {
		t.Fatal(size, len(b))
	}
	if k := int16(binary.BigEndian.Uint16(b[4:])); k != Metadata {
		t.Fatal(k)
	}
	if v := int16(binary.BigEndian.Uint16(b[6:])); v != 5 {
		t.Fatal(v)
	}
	if c := int32(binary.BigEndian.Uint32(b[8:])); c != 42 {
		t.Fatal(c)
	}
	if l := int16(binary.BigEndian.Uint16(b[12:])); l != 3 {
		t.Fatal(l)
	}
	if s := string(b[14:17]); s != "cid" {
		t.Fatal(s)
	}
}

func TestUnitResponseRead(t *testing.T) {
	body := []byte{0, 0, 0, 42, 0, 0, 0, 7} // correlation id 42, int32 body 7
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(len(body)))
	buf.Write(body)
	resp, err := Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if id := resp.CorrelationId(); id != 42 {
		t.Fatal(id)
	}
	v := &echoBody{}
	if err := resp.Unmarshal(v); err != nil {
		t.Fatal(err)
	}
	if v.N != 7 {
		t.Fatal(v.N)
	}
}

func TestUnitResponseReadBadSize(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(-5))
	if _, err := Read(buf); err == nil {
		t.Fatal("expected error")
	}
}
