package chunk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// errIncompressible is returned when compression would not shrink the data.
// The record is then written uncompressed.
var errIncompressible = errors.New("data is incompressible")

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast,
	lz4.Level1, lz4.Level2, lz4.Level3,
	lz4.Level4, lz4.Level5, lz4.Level6,
	lz4.Level7, lz4.Level8, lz4.Level9,
}

// zstd encoders are safe for concurrent use through EncodeAll, so one is
// kept per compression level.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[zstd.EncoderLevel]*zstd.Encoder{}

	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

func compress(c Compression, level int, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		return compressSnappy(data)
	case CompressionLZ4:
		return compressLZ4(data, level)
	case CompressionZstd:
		return compressZstd(data, level)
	default:
		return nil, ErrUnknownEncoding
	}
}

func decompress(c Compression, data []byte, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(data), size)
		}
		return append([]byte(nil), data...), nil
	case CompressionSnappy:
		return decompressSnappy(data, size)
	case CompressionLZ4:
		return decompressLZ4(data, size)
	case CompressionZstd:
		return decompressZstd(data, size)
	default:
		return nil, ErrUnknownEncoding
	}
}

func compressSnappy(data []byte) ([]byte, error) {
	compressed := snappy.Encode(nil, data)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressSnappy(data []byte, size int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	} else if n != size {
		return nil, fmt.Errorf("snappy decompress: got %d bytes, expected %d", n, size)
	}
	out, err := snappy.Decode(make([]byte, n), data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	var (
		n   int
		err error
	)
	if level <= 0 {
		n, err = lz4.CompressBlock(data, dst, nil)
	} else {
		if level >= len(lz4Levels) {
			level = len(lz4Levels) - 1
		}
		n, err = lz4.CompressBlockHC(data, dst, lz4Levels[level], nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	l := zstd.SpeedDefault
	if level > 0 {
		l = zstd.EncoderLevelFromZstd(level)
	}

	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, ok := zstdEncoders[l]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(l))
	if err != nil {
		return nil, err
	}
	zstdEncoders[l] = enc
	return enc, nil
}

func compressZstd(data []byte, level int) ([]byte, error) {
	enc, err := zstdEncoder(level)
	if err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(data []byte, size int) ([]byte, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	if zstdDecoderErr != nil {
		return nil, fmt.Errorf("zstd decompress: %w", zstdDecoderErr)
	}

	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
