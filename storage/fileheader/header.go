// Package fileheader implements the versioned header written once at the
// start of every transaction log part.
package fileheader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// Magic identifies a transaction log part.
	Magic = "TLOG"

	// Version is the current header version.
	Version = 1

	// fixedSize is magic + version + tag length.
	fixedSize = len(Magic) + 1 + 4

	maxTagSize = 1 << 20
)

var (
	ErrInvalidHeader        = errors.New("invalid file header")
	ErrInvalidHeaderVersion = errors.New("invalid file header version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("fileheader: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("fileheader: CBOR decoder initialization failed: " + err.Error())
	}
}

// Header is the identity and versioning metadata of a part file. Tags are
// free-form and opaque to the log itself.
type Header struct {
	Version uint8
	Tags    map[string]any
}

// New returns an empty header at the current version.
func New() *Header {
	return &Header{Version: Version, Tags: map[string]any{}}
}

// PutTag sets a tag.
func (h *Header) PutTag(key string, value any) { h.Tags[key] = value }

// Tag returns a tag and whether it exists.
func (h *Header) Tag(key string) (any, bool) {
	v, ok := h.Tags[key]
	return v, ok
}

// WriteTo writes the header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	tags, err := encMode.Marshal(h.Tags)
	if err != nil {
		return 0, fmt.Errorf("encode header tags: %w", err)
	}

	buf := make([]byte, fixedSize, fixedSize+len(tags))
	copy(buf, Magic)
	buf[len(Magic)] = h.Version
	binary.LittleEndian.PutUint32(buf[len(Magic)+1:], uint32(len(tags)))
	buf = append(buf, tags...)

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadHeader reads a header from r and returns it together with its encoded
// length.
func ReadHeader(r io.Reader) (*Header, int64, error) {
	var fixed [fixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if string(fixed[:len(Magic)]) != Magic {
		return nil, 0, ErrInvalidHeader
	}

	h := &Header{Version: fixed[len(Magic)]}
	if h.Version != Version {
		return nil, 0, ErrInvalidHeaderVersion
	}

	n := binary.LittleEndian.Uint32(fixed[len(Magic)+1:])
	if n > maxTagSize {
		return nil, 0, ErrInvalidHeader
	}
	tags := make([]byte, n)
	if _, err := io.ReadFull(r, tags); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if err := decMode.Unmarshal(tags, &h.Tags); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if h.Tags == nil {
		h.Tags = map[string]any{}
	}
	return h, int64(fixedSize) + int64(n), nil
}

// Context supplies the identity tags stamped on a new part file.
type Context interface {
	AddTags(h *Header, name string)
}

// DefaultContext tags files with their name, creation time, host and the
// creating program.
type DefaultContext struct {
	Creator string

	// Now is used for the creation time. Defaults to time.Now.
	Now func() time.Time
}

// AddTags implements Context.
func (c DefaultContext) AddTags(h *Header, name string) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	h.PutTag("fileName", name)
	h.PutTag("createTime", now().UTC().UnixNano())
	if host, err := os.Hostname(); err == nil {
		h.PutTag("hostname", host)
	}
	if c.Creator != "" {
		h.PutTag("creator", c.Creator)
	}
}
