// Package record defines the fixed-layout event records produced by the
// capture pipeline and their binary encoding.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"threadwatch/internal/host"
)

// Type tags a record and determines its payload and serialized size.
type Type int32

const (
	TypeThreadStart  Type = 0
	TypeThreadDeath  Type = 1
	TypeThreadSample Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeThreadStart:
		return "THREAD_START"
	case TypeThreadDeath:
		return "THREAD_DEATH"
	case TypeThreadSample:
		return "THREAD_SAMPLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

const (
	// MaxThreadNameLength is the longest name kept; longer names are truncated.
	MaxThreadNameLength = 50

	// Magic is written once at the start of every record stream.
	Magic uint32 = 0xdeadbeef

	// HeaderSize is type(4) + thread id(4) + seconds(8) + nanoseconds(8).
	HeaderSize = 4 + 4 + 8 + 8

	nameFieldSize  = MaxThreadNameLength + 1
	stateFieldSize = 4
)

// Serialized record sizes per type. The stream carries no length prefix, so
// readers depend on this table.
var sizes = map[Type]int{
	TypeThreadStart:  HeaderSize + nameFieldSize,
	TypeThreadDeath:  HeaderSize,
	TypeThreadSample: HeaderSize + stateFieldSize,
}

var ErrUnknownType = errors.New("unknown record type")

// Size returns the serialized length of a record of type t.
func Size(t Type) (int, error) {
	n, ok := sizes[t]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, int32(t))
	}
	return n, nil
}

// MaxSize is the largest serialized record.
func MaxSize() int {
	largest := 0
	for _, n := range sizes {
		largest = max(largest, n)
	}
	return largest
}

// Record is one observation. Only the payload field matching Type is
// meaningful; the others keep whatever a previous use of the slot left.
type Record struct {
	Type      Type
	ThreadID  int32
	Timestamp time.Time

	// ThreadStart payload, zero-terminated.
	Name [nameFieldSize]byte

	// ThreadSample payload.
	State host.ThreadState
}

// SetName copies name into the fixed name buffer, truncating it to
// MaxThreadNameLength bytes and zero-filling the rest.
func (r *Record) SetName(name string) {
	n := copy(r.Name[:MaxThreadNameLength], name)
	clear(r.Name[n:])
}

// NameString returns the name up to the first zero byte.
func (r *Record) NameString() string {
	if i := bytes.IndexByte(r.Name[:], 0); i >= 0 {
		return string(r.Name[:i])
	}
	return string(r.Name[:])
}

// ThreadStart fills r as a thread start record.
func (r *Record) ThreadStart(id int32, name string, ts time.Time) {
	r.Type = TypeThreadStart
	r.ThreadID = id
	r.Timestamp = ts
	r.SetName(name)
}

// ThreadDeath fills r as a thread death record.
func (r *Record) ThreadDeath(id int32, ts time.Time) {
	r.Type = TypeThreadDeath
	r.ThreadID = id
	r.Timestamp = ts
}

// ThreadSample fills r as a thread state sample record.
func (r *Record) ThreadSample(id int32, state host.ThreadState, ts time.Time) {
	r.Type = TypeThreadSample
	r.ThreadID = id
	r.Timestamp = ts
	r.State = state
}

func (r *Record) String() string {
	base := fmt.Sprintf("type=%s thread_id=%d time=%s", r.Type, r.ThreadID, r.Timestamp.Format(time.RFC3339Nano))
	switch r.Type {
	case TypeThreadStart:
		return base + fmt.Sprintf(" name=%q", r.NameString())
	case TypeThreadSample:
		return base + fmt.Sprintf(" state=%s (0x%x)", r.State, int32(r.State))
	default:
		return base
	}
}
