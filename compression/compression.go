// Package compression provides record batch compressors and decompressors.
// Codec ids match the batch Attributes bits. The gzip, snappy, and zstd
// implementations come from klauspost/compress; lz4 (frame format, as
// produced by other Kafka clients) from pierrec/lz4.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/andrewjamesbrown/kafkaclient/batch"
)

const (
	None   = batch.None
	Gzip   = batch.Gzip
	Snappy = batch.Snappy
	Lz4    = batch.Lz4
	Zstd   = batch.Zstd
)

// Nop implements batch.Compressor and batch.Decompressor. Use it to marshal
// and unmarshal uncompressed record batches.
type Nop struct{}

func (*Nop) Compress(b []byte) ([]byte, error)   { return b, nil }
func (*Nop) Decompress(b []byte) ([]byte, error) { return b, nil }
func (*Nop) Type() int16                         { return None }

// GzipCodec implements batch.Compressor and batch.Decompressor. Level 0
// means gzip.DefaultCompression.
type GzipCodec struct {
	Level int
}

func (c *GzipCodec) Type() int16 { return Gzip }

func (c *GzipCodec) Compress(b []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	buf := new(bytes.Buffer)
	w, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// SnappyCodec implements batch.Compressor and batch.Decompressor using the
// block format (what Kafka clients exchange).
type SnappyCodec struct{}

func (*SnappyCodec) Type() int16 { return Snappy }

func (*SnappyCodec) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (*SnappyCodec) Decompress(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}

// Lz4Codec implements batch.Compressor and batch.Decompressor using the lz4
// frame format.
type Lz4Codec struct{}

func (*Lz4Codec) Type() int16 { return Lz4 }

func (*Lz4Codec) Compress(b []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (*Lz4Codec) Decompress(b []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
}

// ZstdCodec implements batch.Compressor and batch.Decompressor. Encoder and
// decoder are created on first use and reused; both are safe for concurrent
// use via EncodeAll/DecodeAll.
type ZstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *ZstdCodec) Type() int16 { return Zstd }

func (c *ZstdCodec) init() {
	c.once.Do(func() {
		if c.enc, c.err = zstd.NewWriter(nil); c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
}

func (c *ZstdCodec) Compress(b []byte) ([]byte, error) {
	if c.init(); c.err != nil {
		return nil, c.err
	}
	return c.enc.EncodeAll(b, nil), nil
}

func (c *ZstdCodec) Decompress(b []byte) ([]byte, error) {
	if c.init(); c.err != nil {
		return nil, c.err
	}
	return c.dec.DecodeAll(b, nil)
}

var decompressors = map[int16]batch.Decompressor{
	None:   &Nop{},
	Gzip:   &GzipCodec{},
	Snappy: &SnappyCodec{},
	Lz4:    &Lz4Codec{},
	Zstd:   &ZstdCodec{},
}

// ForCodec returns the decompressor for a batch Attributes codec id. Fetched
// batches may have been compressed by any client with any codec, so the
// fetch path looks decompressors up here rather than being configured with
// one.
func ForCodec(codec int16) (batch.Decompressor, error) {
	d, ok := decompressors[codec]
	if !ok {
		return nil, fmt.Errorf("unknown compression codec: %d", codec)
	}
	return d, nil
}

// ByName maps configuration names to compressors. Returns nil for "" and
// "none".
func ByName(name string) (batch.Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "gzip":
		return &GzipCodec{}, nil
	case "snappy":
		return &SnappyCodec{}, nil
	case "lz4":
		return &Lz4Codec{}, nil
	case "zstd":
		return &ZstdCodec{}, nil
	}
	return nil, fmt.Errorf("unknown compression codec: %q", name)
}
