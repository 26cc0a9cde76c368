package tlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/influxdata/translog/storage/chunk"
	"github.com/influxdata/translog/toml"
)

const (
	// DefaultPartSizeLimit is the byte size after which the active part is
	// rotated on the next append.
	DefaultPartSizeLimit = 256 << 20 // 256MiB

	// DefaultChunkSizeLimit is the size a commit chunk may grow to before it
	// is handed to the committer.
	DefaultChunkSizeLimit = 256 << 10 // 256KiB

	// DefaultChunkAgeLimit is how long entries may wait in a commit chunk.
	DefaultChunkAgeLimit = 10 * time.Millisecond

	// DefaultCompressionLevel selects the codec's default level.
	DefaultCompressionLevel = 0

	// maxCompressionLevel bounds levels accepted by Validate.
	maxCompressionLevel = 22
)

// Config holds the tunables of a domain. A Config is passed by value and can
// be swapped on a live domain with SetConfig.
type Config struct {
	Encoding         chunk.Encoding `toml:"encoding"`
	CompressionLevel int            `toml:"compression-level"`
	PartSizeLimit    toml.Size      `toml:"part-size-limit"`
	ChunkSizeLimit   toml.Size      `toml:"chunk-size-limit"`
	ChunkAgeLimit    toml.Duration  `toml:"chunk-age-limit"`

	// FsyncOnCommit makes every append wait for an fsync of the active part.
	FsyncOnCommit bool `toml:"fsync-on-commit"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Encoding:         chunk.DefaultEncoding,
		CompressionLevel: DefaultCompressionLevel,
		PartSizeLimit:    toml.Size(DefaultPartSizeLimit),
		ChunkSizeLimit:   toml.Size(DefaultChunkSizeLimit),
		ChunkAgeLimit:    toml.Duration(DefaultChunkAgeLimit),
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !c.Encoding.Valid() {
		return fmt.Errorf("unrecognized encoding %s", c.Encoding)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > maxCompressionLevel {
		return fmt.Errorf("compression-level must be between 0 and %d", maxCompressionLevel)
	}
	if c.PartSizeLimit == 0 {
		return errors.New("part-size-limit must be positive")
	}
	if c.ChunkSizeLimit == 0 {
		return errors.New("chunk-size-limit must be positive")
	}
	if c.ChunkAgeLimit < 0 {
		return errors.New("chunk-age-limit must not be negative")
	}
	return nil
}
