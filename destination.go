package translog

import "time"

// Destination receives the packets replayed by a visit session.
type Destination interface {
	// Send delivers a packet for session id. Returning false rejects the
	// packet and ends the session with an error.
	Send(id int, domain string, p *Packet) bool

	// Done is called once the session has delivered everything in its range.
	Done(id int, domain string)

	// Error is called when the session stops because of err.
	Error(id int, domain string, err error)

	// Connected reports whether the destination still accepts packets.
	Connected() bool
}

// Status is the outcome of a session operation.
type Status int

const (
	// StatusOK means the session was found and the operation completed.
	StatusOK Status = 0

	// StatusNotFound means the session id is unknown or already reaped.
	StatusNotFound Status = -1

	// StatusBusy means the session is still finishing its current visit.
	StatusBusy Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// DoneCallback is invoked when an append has been committed, with the
// error that occurred, if any.
type DoneCallback func(err error)

// PartInfo describes one part of a domain.
type PartInfo struct {
	Range    SerialNumRange
	Count    uint64
	ByteSize int64
	FileName string
}

// DomainInfo is a consistent snapshot of a domain.
type DomainInfo struct {
	Range             SerialNumRange
	Count             uint64
	ByteSize          int64
	MaxSessionRunTime time.Duration
	Parts             []PartInfo
}
