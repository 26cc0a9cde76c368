// Package chunk implements the self-delimiting records a transaction log
// part is made of.
//
// A record is laid out as
//
//	┌──────────┐┌──────────┐┌──────────────────────────────────────────────┐
//	│ Encoding ││ Body Len ││                     Body                     │
//	│  1 byte  ││ 4 bytes  ││ Raw Len (4) │ Payload (N) │ Checksum (8)    │
//	└──────────┘└──────────┘└──────────────────────────────────────────────┘
//
// where Payload is the packet encoding of one or more entries, compressed as
// named by the encoding byte, and Checksum covers Raw Len and Payload.
// Multi-byte integers are little endian.
package chunk

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/influxdata/translog"
)

const (
	// HeaderSize is the size of the record header: encoding + body length.
	HeaderSize = 1 + 4

	// MaxBodySize bounds the body length accepted when reading a record.
	// Anything larger is treated as garbage.
	MaxBodySize = 256 << 20

	rawLenSize   = 4
	checksumSize = 8
	minBodySize  = rawLenSize + checksumSize

	// MaxPayloadSize is the largest packet encoding a single record holds.
	MaxPayloadSize = MaxBodySize - minBodySize
)

var (
	// ErrChecksum is returned when a record fails its integrity check.
	ErrChecksum = &translog.Error{Code: translog.ECorrupt, Msg: "record checksum mismatch"}

	// ErrShortRecord is returned when a record is cut off by end of file.
	ErrShortRecord = &translog.Error{Code: translog.ECorrupt, Msg: "short record"}

	// ErrUnknownEncoding is returned for an encoding byte that is not understood.
	ErrUnknownEncoding = &translog.Error{Code: translog.ECorrupt, Msg: "unknown record encoding"}

	// ErrInvalidRecord is returned when a record header is not plausible.
	ErrInvalidRecord = &translog.Error{Code: translog.ECorrupt, Msg: "invalid record"}

	// ErrRecordTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrRecordTooLarge = &translog.Error{Code: translog.EInvalid, Msg: "record too large"}
)

var bufPool sync.Pool

// getBuf returns a buffer with length size from the buffer pool.
func getBuf(size int) []byte {
	x := bufPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := *x.(*[]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// putBuf returns a buffer to the pool.
func putBuf(buf []byte) {
	bufPool.Put(&buf)
}

// Chunk accumulates entries that are written as one record.
type Chunk struct {
	packet *translog.Packet
}

// New returns an empty chunk.
func New() *Chunk {
	return &Chunk{packet: translog.NewPacket()}
}

// Add appends e to the chunk.
func (c *Chunk) Add(e translog.Entry) error { return c.packet.Add(e) }

// Range returns the serials held by the chunk.
func (c *Chunk) Range() translog.SerialNumRange { return c.packet.Range() }

// Empty reports whether the chunk has no entries.
func (c *Chunk) Empty() bool { return c.packet.Empty() }

// Packet returns the entries of the chunk.
func (c *Chunk) Packet() *translog.Packet { return c.packet }

// Reset empties the chunk.
func (c *Chunk) Reset() { c.packet = translog.NewPacket() }

// AppendRecord encodes the chunk as a record and appends it to dst.
func (c *Chunk) AppendRecord(dst []byte, enc Encoding, level int) ([]byte, error) {
	return AppendRecord(dst, enc, level, c.packet.Bytes())
}

// AppendRecord encodes raw packet bytes as a record and appends it to dst.
// If the payload does not compress, the record is stored uncompressed.
// Payloads larger than MaxPayloadSize are refused so that every record
// written can be read back.
func AppendRecord(dst []byte, enc Encoding, level int, raw []byte) ([]byte, error) {
	if !enc.Valid() {
		return nil, ErrUnknownEncoding
	}
	if len(raw) > MaxPayloadSize {
		return nil, ErrRecordTooLarge
	}

	payload, err := compress(enc.Compression(), level, raw)
	if err == errIncompressible {
		enc = enc.WithCompression(CompressionNone)
		payload = raw
	} else if err != nil {
		return nil, err
	}

	bodyLen := rawLenSize + len(payload) + checksumSize
	start := len(dst)

	var hdr [HeaderSize + rawLenSize]byte
	hdr[0] = byte(enc)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(bodyLen))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(raw)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)

	var sum [checksumSize]byte
	binary.LittleEndian.PutUint64(sum[:], checksum(enc.Checksum(), dst[start+HeaderSize:]))
	return append(dst, sum[:]...), nil
}

func checksum(c Checksum, b []byte) uint64 {
	switch c {
	case ChecksumXXH64:
		return xxhash.Sum64(b)
	case ChecksumCRC32:
		return uint64(crc32.ChecksumIEEE(b))
	default:
		return 0
	}
}

// DecodeBody verifies and decodes the body of a record written with enc.
func DecodeBody(enc Encoding, body []byte) (*translog.Packet, error) {
	if !enc.Valid() {
		return nil, ErrUnknownEncoding
	}
	if len(body) < minBodySize {
		return nil, ErrInvalidRecord
	}

	data := body[:len(body)-checksumSize]
	want := binary.LittleEndian.Uint64(body[len(body)-checksumSize:])
	if got := checksum(enc.Checksum(), data); got != want {
		return nil, ErrChecksum
	}

	rawLen := int(binary.LittleEndian.Uint32(data[:rawLenSize]))
	if rawLen > MaxBodySize {
		return nil, ErrInvalidRecord
	}
	raw, err := decompress(enc.Compression(), data[rawLenSize:], rawLen)
	if err != nil {
		return nil, &translog.Error{Code: translog.ECorrupt, Msg: "decompress record", Err: err}
	}
	return translog.NewPacketFromBytes(raw)
}

// ReadRecord reads one record from r. It returns the decoded packet and the
// number of bytes the record occupies. A clean end of input is reported as
// io.EOF; a record cut off part way is reported as ErrShortRecord.
func ReadRecord(r io.Reader) (*translog.Packet, int64, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
		return nil, 0, io.EOF
	} else if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, ErrShortRecord
	} else if err != nil {
		return nil, 0, err
	}

	enc := Encoding(hdr[0])
	if !enc.Valid() {
		return nil, 0, ErrUnknownEncoding
	}
	bodyLen := int(binary.LittleEndian.Uint32(hdr[1:5]))
	if bodyLen < minBodySize || bodyLen > MaxBodySize {
		return nil, 0, ErrInvalidRecord
	}

	body := getBuf(bodyLen)
	defer putBuf(body)

	if _, err := io.ReadFull(r, body); err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, ErrShortRecord
	} else if err != nil {
		return nil, 0, err
	}

	p, err := DecodeBody(enc, body)
	if err != nil {
		return nil, 0, err
	}
	return p, int64(HeaderSize + bodyLen), nil
}
