package translog

import (
	"errors"
	"strings"
)

// Error codes used by the transaction log.
const (
	EInternal    = "internal error"
	ENotFound    = "not found"
	EInvalid     = "invalid"
	EConflict    = "conflict"
	ECorrupt     = "corrupt"
	EUnavailable = "unavailable"
)

var (
	// ErrSerialOrder is returned when an entry does not have a serial number
	// strictly greater than the entry before it.
	ErrSerialOrder = &Error{
		Code: EInternal,
		Msg:  "serial numbers must be strictly increasing",
	}

	// ErrReservedSerial is returned for entries carrying serial number 0.
	ErrReservedSerial = &Error{
		Code: EInvalid,
		Msg:  "serial number 0 is reserved",
	}

	// ErrMalformedPacket is returned when packet bytes cannot be decoded.
	ErrMalformedPacket = &Error{
		Code: ECorrupt,
		Msg:  "malformed packet",
	}
)

// Error is the error type returned by the transaction log.
//
// Code targets automated handlers, Msg is meant for the operator, and
// Op plus Err form a logical stack trace.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("<" + e.Code + ">")
	}
	return b.String()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code and message so that sentinels keep matching
// after being wrapped with an Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Msg == t.Msg && (t.Op == "" || e.Op == t.Op)
}

// ErrorCode returns the code of the root error, if available; otherwise returns EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return EInternal
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise return empty string.
func ErrorOp(err error) string {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// WithOp annotates err with op, keeping its code.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: ErrorCode(err), Op: op, Err: err}
}
