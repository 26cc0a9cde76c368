package chunk

import (
	"fmt"
	"strings"
)

// Checksum identifies the integrity check stored with every record.
type Checksum uint8

const (
	ChecksumNone Checksum = iota
	ChecksumXXH64
	ChecksumCRC32
)

func (c Checksum) String() string {
	switch c {
	case ChecksumNone:
		return "none"
	case ChecksumXXH64:
		return "xxh64"
	case ChecksumCRC32:
		return "crc32"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Compression identifies how the payload of a record is compressed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Encoding is the one byte stored in front of every record. The high nibble
// holds the checksum kind and the low nibble the compression kind.
type Encoding uint8

// DefaultEncoding checksums records with XXH64 and compresses them with zstd.
var DefaultEncoding = NewEncoding(ChecksumXXH64, CompressionZstd)

// NewEncoding combines a checksum and a compression kind.
func NewEncoding(sum Checksum, comp Compression) Encoding {
	return Encoding(uint8(sum)<<4 | uint8(comp)&0x0f)
}

// Checksum returns the checksum kind.
func (e Encoding) Checksum() Checksum { return Checksum(e >> 4) }

// Compression returns the compression kind.
func (e Encoding) Compression() Compression { return Compression(e & 0x0f) }

// WithCompression returns e with its compression kind replaced.
func (e Encoding) WithCompression(c Compression) Encoding {
	return NewEncoding(e.Checksum(), c)
}

// Valid reports whether both halves of the encoding are known.
func (e Encoding) Valid() bool {
	return e.Checksum() <= ChecksumCRC32 && e.Compression() <= CompressionZstd
}

func (e Encoding) String() string {
	return e.Checksum().String() + "+" + e.Compression().String()
}

// MarshalText implements encoding.TextMarshaler.
func (e Encoding) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, ErrUnknownEncoding
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Encoding) UnmarshalText(b []byte) error {
	v, err := ParseEncoding(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ParseEncoding parses "<checksum>+<compression>", for example "xxh64+zstd".
// The single word "none" disables both.
func ParseEncoding(s string) (Encoding, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "none" {
		return NewEncoding(ChecksumNone, CompressionNone), nil
	}

	parts := strings.Split(s, "+")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid encoding %q: expected <checksum>+<compression>", s)
	}

	var sum Checksum
	switch parts[0] {
	case "none":
		sum = ChecksumNone
	case "xxh64":
		sum = ChecksumXXH64
	case "crc32":
		sum = ChecksumCRC32
	default:
		return 0, fmt.Errorf("invalid encoding %q: unknown checksum %q", s, parts[0])
	}

	var comp Compression
	switch parts[1] {
	case "none":
		comp = CompressionNone
	case "snappy":
		comp = CompressionSnappy
	case "lz4":
		comp = CompressionLZ4
	case "zstd":
		comp = CompressionZstd
	default:
		return 0, fmt.Errorf("invalid encoding %q: unknown compression %q", s, parts[1])
	}
	return NewEncoding(sum, comp), nil
}
