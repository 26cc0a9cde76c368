package translog

import (
	"encoding/binary"
	"fmt"
)

// EntryHeaderSize is the encoded size of an entry without its payload:
// serial (8) + type (4) + payload length (4).
const EntryHeaderSize = 8 + 4 + 4

// Entry is a single record in the log.
type Entry struct {
	Serial SerialNum
	Type   uint32
	Data   []byte
}

// Size returns the encoded size of the entry.
func (e Entry) Size() int { return EntryHeaderSize + len(e.Data) }

// AppendEntry appends the wire encoding of e to dst.
func AppendEntry(dst []byte, e Entry) []byte {
	var hdr [EntryHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(e.Serial))
	binary.BigEndian.PutUint32(hdr[8:12], e.Type)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(e.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, e.Data...)
}

// DecodeEntry decodes the entry at the start of b and returns it together
// with the number of bytes consumed. The returned Data aliases b.
func DecodeEntry(b []byte) (Entry, int, error) {
	if len(b) < EntryHeaderSize {
		return Entry{}, 0, ErrMalformedPacket
	}
	n := int(binary.BigEndian.Uint32(b[12:16]))
	if n > len(b)-EntryHeaderSize {
		return Entry{}, 0, ErrMalformedPacket
	}
	e := Entry{
		Serial: SerialNum(binary.BigEndian.Uint64(b[0:8])),
		Type:   binary.BigEndian.Uint32(b[8:12]),
		Data:   b[EntryHeaderSize : EntryHeaderSize+n],
	}
	return e, EntryHeaderSize + n, nil
}

// Packet is an ordered batch of entries sharing one backing buffer. Entries
// in a packet have strictly increasing serial numbers.
type Packet struct {
	buf   []byte
	count int
	rng   SerialNumRange
}

// NewPacket returns an empty packet.
func NewPacket() *Packet {
	return &Packet{}
}

// NewPacketFromBytes validates b as a sequence of encoded entries and wraps
// it in a packet. The packet takes ownership of b.
func NewPacketFromBytes(b []byte) (*Packet, error) {
	p := &Packet{}
	for pos := 0; pos < len(b); {
		e, n, err := DecodeEntry(b[pos:])
		if err != nil {
			return nil, err
		}
		if err := p.checkOrder(e.Serial); err != nil {
			return nil, err
		}
		p.track(e.Serial)
		pos += n
	}
	p.buf = b
	return p, nil
}

// Add appends e to the packet.
func (p *Packet) Add(e Entry) error {
	if err := p.checkOrder(e.Serial); err != nil {
		return err
	}
	p.buf = AppendEntry(p.buf, e)
	p.track(e.Serial)
	return nil
}

// Merge appends all entries of o to the packet.
func (p *Packet) Merge(o *Packet) error {
	if o.Empty() {
		return nil
	}
	if err := p.checkOrder(o.rng.From); err != nil {
		return err
	}
	if p.count == 0 {
		p.rng.From = o.rng.From
	}
	p.buf = append(p.buf, o.buf...)
	p.count += o.count
	p.rng.To = o.rng.To
	return nil
}

func (p *Packet) checkOrder(s SerialNum) error {
	if s == 0 {
		return ErrReservedSerial
	}
	if p.count > 0 && s <= p.rng.To {
		return &Error{
			Code: ErrSerialOrder.Code,
			Msg:  ErrSerialOrder.Msg,
			Err:  fmt.Errorf("serial %d follows %d", s, p.rng.To),
		}
	}
	return nil
}

func (p *Packet) track(s SerialNum) {
	if p.count == 0 {
		p.rng.From = s
	}
	p.rng.To = s
	p.count++
}

// ForEach calls fn for every entry in order. Iteration stops at the first
// error returned by fn.
func (p *Packet) ForEach(fn func(Entry) error) error {
	for pos := 0; pos < len(p.buf); {
		e, n, err := DecodeEntry(p.buf[pos:])
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// Entries decodes all entries of the packet.
func (p *Packet) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, p.count)
	err := p.ForEach(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Bytes returns the wire encoding of the packet.
func (p *Packet) Bytes() []byte { return p.buf }

// Range returns the first and last serial in the packet.
func (p *Packet) Range() SerialNumRange { return p.rng }

// Count returns the number of entries.
func (p *Packet) Count() int { return p.count }

// SizeBytes returns the encoded size of the packet.
func (p *Packet) SizeBytes() int { return len(p.buf) }

// Empty reports whether the packet holds no entries.
func (p *Packet) Empty() bool { return p.count == 0 }

// Reset empties the packet, keeping its buffer for reuse.
func (p *Packet) Reset() {
	p.buf = p.buf[:0]
	p.count = 0
	p.rng = SerialNumRange{}
}
