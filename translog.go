// Package translog defines the vocabulary shared by the transaction log
// storage engine and its clients: serial numbers, entries, packets and the
// destinations that replayed packets are delivered to.
package translog

import (
	"fmt"
	"math"
)

// SerialNum identifies a single log entry. Serial numbers are assigned by the
// producer and must be strictly increasing within a domain. Zero is reserved
// to mean "unset".
type SerialNum uint64

// MaxSerial is the largest representable serial number. When used as the
// upper bound of a visit it means "follow the tail"; during directory scans
// it marks a file that does not belong to any part.
const MaxSerial = SerialNum(math.MaxUint64)

// SerialNumRange is a span of serial numbers.
//
// When used for a visit the range is open on the left: an entry is selected
// when From < serial <= To. When describing the content of a part the range
// is [From, To] over the serials still retained; an empty part starting at s
// reports From = s and To = s-1.
type SerialNumRange struct {
	From SerialNum
	To   SerialNum
}

// NewSerialNumRange returns the empty range positioned at s.
func NewSerialNumRange(s SerialNum) SerialNumRange {
	r := SerialNumRange{From: s}
	if s > 0 {
		r.To = s - 1
	}
	return r
}

// Contains reports whether s is selected by the range when used for a visit.
func (r SerialNumRange) Contains(s SerialNum) bool {
	return r.From < s && s <= r.To
}

// Empty reports whether the visit range selects nothing.
func (r SerialNumRange) Empty() bool { return r.From >= r.To }

// OpenEnded reports whether the range follows the tail of the log.
func (r SerialNumRange) OpenEnded() bool { return r.To == MaxSerial }

func (r SerialNumRange) String() string {
	if r.OpenEnded() {
		return fmt.Sprintf("(%d, tail]", r.From)
	}
	return fmt.Sprintf("(%d, %d]", r.From, r.To)
}
