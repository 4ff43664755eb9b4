/*
Package batch implements building, marshaling, and unmarshaling of Kafka
record batches.

Producing

Call NewBuilder and Add records to it. Call Builder.Build and pass the
returned Batch to the producer. Compress the batch before marshaling if
desired.

Fetching

A successful fetch response carries a RecordSet. Call its Batches method to
get byte slices containing individual record batches, and Unmarshal each
batch individually (this is where the crc is verified). To get individual
records call Batch.Records and then record.Unmarshal. Passing around batches
is much more efficient than passing individual records, so save record
unmarshaling until the very end.
*/
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/andrewjamesbrown/kafkaclient/record"
	"github.com/andrewjamesbrown/kafkaclient/varint"
)

// Compression codec ids carried in the low 3 bits of batch Attributes.
const (
	None   int16 = 0
	Gzip   int16 = 1
	Snappy int16 = 2
	Lz4    int16 = 3
	Zstd   int16 = 4
)

const codecMask = 0b111

// Timestamp type bit of batch Attributes.
const (
	TimestampCreate    = 0b0000
	TimestampLogAppend = 0b1000
)

type Compressor interface {
	Compress([]byte) ([]byte, error)
	Type() int16
}

type Decompressor interface {
	Decompress([]byte) ([]byte, error)
	Type() int16
}

// Byte offsets of the magic-2 batch header fields. The header is a fixed 61
// byte layout; everything from attrOffset to the end of the batch is covered
// by the crc at crcOffset.
// https://kafka.apache.org/documentation/#recordbatch
const (
	baseOffsetOffset  = 0  // int64
	batchLengthOffset = 8  // int32, bytes remaining after this field
	leaderEpochOffset = 12 // int32
	magicOffset       = 16 // int8, always 2
	crcOffset         = 17 // uint32 (crc32c)
	attrOffset        = 21 // int16
	lastDeltaOffset   = 23 // int32
	firstTsOffset     = 27 // int64, ms since epoch
	maxTsOffset       = 35 // int64, ms since epoch
	producerIdOffset  = 43 // int64
	producerEpOffset  = 51 // int16
	baseSeqOffset     = 53 // int32
	numRecordsOffset  = 57 // int32
	headerLen         = 61
)

const magic = 2

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Batch is a decoded record batch header plus its (possibly compressed)
// marshaled record bodies. Not safe for concurrent use.
type Batch struct {
	BaseOffset           int64
	PartitionLeaderEpoch int32
	Crc                  uint32
	Attributes           int16
	LastOffsetDelta      int32
	FirstTimestamp       int64 // ms since epoch
	MaxTimestamp         int64 // ms since epoch
	ProducerId           int64 // transactions only
	ProducerEpoch        int16 // transactions only
	BaseSequence         int32
	NumRecords           int32
	MarshaledRecords     []byte `json:"-"`
}

func NewBuilder(now time.Time) *Builder {
	return &Builder{created: now}
}

// Builder accumulates records for one batch. There is no limit on the
// number of records (up to the user). Not safe for concurrent use.
type Builder struct {
	created time.Time
	records []*record.Record
}

// Add records to the batch. References to added records are not released on
// call to Build.
func (b *Builder) Add(records ...*record.Record) {
	b.records = append(b.records, records...)
}

func (b *Builder) AddStrings(values ...string) *Builder {
	for _, s := range values {
		b.records = append(b.records, record.New(nil, []byte(s)))
	}
	return b
}

// NumRecords that have been added to the builder.
func (b *Builder) NumRecords() int {
	return len(b.records)
}

var (
	ErrEmpty     = errors.New("empty batch")
	ErrNilRecord = errors.New("nil record in batch")
)

// Build marshals the added records and fills in the batch header fields.
// Record offset deltas are assigned in insertion order. FirstTimestamp is
// the builder's creation time, MaxTimestamp the time passed here. The
// records are left uncompressed; call Batch.Compress if wanted. Returns
// ErrEmpty with no records, ErrNilRecord if any record is nil. Idempotent.
func (b *Builder) Build(now time.Time) (*Batch, error) {
	if len(b.records) == 0 {
		return nil, ErrEmpty
	}
	var bodies []byte
	for i, r := range b.records {
		if r == nil {
			return nil, ErrNilRecord
		}
		r.OffsetDelta = int64(i)
		bodies = append(bodies, r.Marshal()...)
	}
	return &Batch{
		Attributes:       None,
		LastOffsetDelta:  int32(len(b.records) - 1),
		FirstTimestamp:   b.created.UnixMilli(),
		MaxTimestamp:     now.UnixMilli(),
		ProducerId:       -1,
		ProducerEpoch:    -1,
		BaseSequence:     -1,
		NumRecords:       int32(len(b.records)),
		MarshaledRecords: bodies,
	}, nil
}

var ErrCorrupt = errors.New("batch crc does not match bytes")

// Unmarshal decodes a single record batch and verifies its crc. A crc
// mismatch returns ErrCorrupt; there is then no way to tell how many
// records the batch held.
func Unmarshal(data []byte) (*Batch, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("batch header truncated: %d bytes", len(data))
	}
	be := binary.BigEndian
	if m := int8(data[magicOffset]); m != magic {
		return nil, fmt.Errorf("unsupported batch magic: %d", m)
	}
	b := &Batch{
		BaseOffset:           int64(be.Uint64(data[baseOffsetOffset:])),
		PartitionLeaderEpoch: int32(be.Uint32(data[leaderEpochOffset:])),
		Crc:                  be.Uint32(data[crcOffset:]),
		Attributes:           int16(be.Uint16(data[attrOffset:])),
		LastOffsetDelta:      int32(be.Uint32(data[lastDeltaOffset:])),
		FirstTimestamp:       int64(be.Uint64(data[firstTsOffset:])),
		MaxTimestamp:         int64(be.Uint64(data[maxTsOffset:])),
		ProducerId:           int64(be.Uint64(data[producerIdOffset:])),
		ProducerEpoch:        int16(be.Uint16(data[producerEpOffset:])),
		BaseSequence:         int32(be.Uint32(data[baseSeqOffset:])),
		NumRecords:           int32(be.Uint32(data[numRecordsOffset:])),
		MarshaledRecords:     data[headerLen:],
	}
	if crc32.Checksum(data[attrOffset:], crcTable) != b.Crc {
		return nil, ErrCorrupt
	}
	return b, nil
}

// Marshal encodes the header and appends the marshaled records. If you want
// the batch compressed call Compress first. Mutates the batch Crc.
func (b *Batch) Marshal() RecordSet {
	out := make([]byte, headerLen+len(b.MarshaledRecords))
	be := binary.BigEndian
	be.PutUint64(out[baseOffsetOffset:], uint64(b.BaseOffset))
	// batch length counts everything past its own field
	be.PutUint32(out[batchLengthOffset:], uint32(len(out)-leaderEpochOffset))
	be.PutUint32(out[leaderEpochOffset:], uint32(b.PartitionLeaderEpoch))
	out[magicOffset] = magic
	be.PutUint16(out[attrOffset:], uint16(b.Attributes))
	be.PutUint32(out[lastDeltaOffset:], uint32(b.LastOffsetDelta))
	be.PutUint64(out[firstTsOffset:], uint64(b.FirstTimestamp))
	be.PutUint64(out[maxTsOffset:], uint64(b.MaxTimestamp))
	be.PutUint64(out[producerIdOffset:], uint64(b.ProducerId))
	be.PutUint16(out[producerEpOffset:], uint16(b.ProducerEpoch))
	be.PutUint32(out[baseSeqOffset:], uint32(b.BaseSequence))
	be.PutUint32(out[numRecordsOffset:], uint32(b.NumRecords))
	copy(out[headerLen:], b.MarshaledRecords)
	b.Crc = crc32.Checksum(out[attrOffset:], crcTable)
	be.PutUint32(out[crcOffset:], b.Crc)
	return out
}

func (b *Batch) CompressionType() int16 {
	return b.Attributes & codecMask
}

func (b *Batch) TimestampType() int16 {
	return b.Attributes & TimestampLogAppend
}

// LastOffset of a record in the batch.
func (b *Batch) LastOffset() int64 {
	return b.BaseOffset + int64(b.LastOffsetDelta)
}

// Compress the record bodies with the supplied compressor and stamp its
// codec into the attribute bits. Mutates the batch on success only. Call
// before Marshal. Not idempotent.
func (b *Batch) Compress(c Compressor) error {
	compressed, err := c.Compress(b.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error compressing batch records: %w", err)
	}
	b.Attributes = (b.Attributes &^ codecMask) | c.Type()
	b.Crc = 0 // stale until the next Marshal
	b.MarshaledRecords = compressed
	return nil
}

// Decompress the record bodies with the supplied decompressor and clear the
// codec bits. Call after Unmarshal and before Records. Not idempotent.
func (b *Batch) Decompress(d Decompressor) error {
	bodies, err := d.Decompress(b.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error decompressing record batch: %w", err)
	}
	b.Attributes = b.Attributes &^ codecMask
	b.Crc = 0
	b.MarshaledRecords = bodies
	return nil
}

// Records splits the record bodies into individual marshaled records (each
// a length varint plus that many bytes). Decompress first if the codec bits
// are set. Stops at the first body that does not parse as a whole record.
func (b *Batch) Records() [][]byte {
	var records [][]byte
	rest := b.MarshaledRecords
	for len(rest) > 0 {
		bodyLen, n := varint.DecodeZigZag64(rest)
		end := n + int(bodyLen)
		if n == 0 || bodyLen < 0 || end > len(rest) {
			break
		}
		records = append(records, rest[:end])
		rest = rest[end:]
	}
	return records
}

// RecordSet is one or more record batches laid end to end. Fetch API calls
// respond with record sets. A record set holding a single batch is byte
// identical to that batch.
type RecordSet []byte

// Batches splits the record set into its individual batches by walking the
// (base offset, batch length) trailers. Kafka caps response sizes, so the
// final batch may arrive truncated; a trailing fragment shorter than its
// declared length is dropped.
func (rs RecordSet) Batches() [][]byte {
	var batches [][]byte
	rest := []byte(rs)
	for len(rest) >= leaderEpochOffset {
		n := leaderEpochOffset + int(int32(binary.BigEndian.Uint32(rest[batchLengthOffset:])))
		if n > len(rest) {
			break // truncated tail
		}
		batches = append(batches, rest[:n])
		rest = rest[n:]
	}
	return batches
}
