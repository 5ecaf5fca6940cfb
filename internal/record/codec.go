package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"time"

	"threadwatch/internal/host"
)

// ErrBadMagic is returned when a stream does not start with Magic in either
// byte order.
var ErrBadMagic = errors.New("bad stream magic")

// Append appends the serialized form of r to dst: the common header in field
// order followed by the payload dictated by r.Type.
func Append(dst []byte, order binary.AppendByteOrder, r *Record) ([]byte, error) {
	if _, err := Size(r.Type); err != nil {
		return dst, err
	}
	dst = order.AppendUint32(dst, uint32(r.Type))
	dst = order.AppendUint32(dst, uint32(r.ThreadID))
	dst = order.AppendUint64(dst, uint64(r.Timestamp.Unix()))
	dst = order.AppendUint64(dst, uint64(r.Timestamp.Nanosecond()))

	switch r.Type {
	case TypeThreadStart:
		dst = append(dst, r.Name[:MaxThreadNameLength]...)
		dst = append(dst, 0)
	case TypeThreadDeath:
	case TypeThreadSample:
		dst = order.AppendUint32(dst, uint32(r.State))
	}
	return dst, nil
}

// Encoder writes a record stream in little-endian byte order.
type Encoder struct {
	w       io.Writer
	scratch []byte
	written int64
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, scratch: make([]byte, 0, MaxSize())}
}

// WriteHeader writes the stream magic. It must be called once, first.
func (e *Encoder) WriteHeader() error {
	e.scratch = binary.LittleEndian.AppendUint32(e.scratch[:0], Magic)
	return e.flushScratch()
}

// Encode serializes one record. A short write is reported as an error; the
// stream is unusable afterwards.
func (e *Encoder) Encode(r *Record) error {
	var err error
	e.scratch, err = Append(e.scratch[:0], binary.LittleEndian, r)
	if err != nil {
		return err
	}
	return e.flushScratch()
}

// BytesWritten returns the number of bytes handed to the underlying writer.
func (e *Encoder) BytesWritten() int64 {
	return e.written
}

func (e *Encoder) flushScratch() error {
	n, err := e.w.Write(e.scratch)
	e.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(e.scratch), err)
	}
	if n != len(e.scratch) {
		return fmt.Errorf("failed to write %d bytes: %w", len(e.scratch), io.ErrShortWrite)
	}
	return nil
}

// Decoder reads a record stream. The byte order is taken from the magic.
type Decoder struct {
	r     *bufio.Reader
	order binary.ByteOrder
	buf   []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), buf: make([]byte, MaxSize())}
}

// ReadHeader consumes the stream magic and selects the byte order.
func (d *Decoder) ReadHeader() error {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return fmt.Errorf("failed to read stream header: %w", err)
	}
	switch magic := binary.LittleEndian.Uint32(hdr[:]); magic {
	case Magic:
		d.order = binary.LittleEndian
	case bits.ReverseBytes32(Magic):
		d.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
	return nil
}

// ByteOrder returns the order detected by ReadHeader.
func (d *Decoder) ByteOrder() binary.ByteOrder {
	return d.order
}

// Decode reads the next record into r. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF for a truncated record.
func (d *Decoder) Decode(r *Record) error {
	if d.order == nil {
		if err := d.ReadHeader(); err != nil {
			return err
		}
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return err
	}
	t := Type(d.order.Uint32(d.buf[:4]))
	size, err := Size(t)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(d.r, d.buf[4:size]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	b := d.buf[:size]
	r.Type = t
	r.ThreadID = int32(d.order.Uint32(b[4:8]))
	sec := int64(d.order.Uint64(b[8:16]))
	nsec := int64(d.order.Uint64(b[16:24]))
	r.Timestamp = time.Unix(sec, nsec)

	switch t {
	case TypeThreadStart:
		copy(r.Name[:], b[HeaderSize:HeaderSize+nameFieldSize])
		r.Name[MaxThreadNameLength] = 0
	case TypeThreadSample:
		r.State = host.ThreadState(int32(d.order.Uint32(b[HeaderSize : HeaderSize+stateFieldSize])))
	}
	return nil
}
