package classfile

import (
	"bytes"
	"encoding/binary"
	"io"
)

// decoder reads big-endian values and tracks the input offset for
// FormatError reporting.
type decoder struct {
	r   io.Reader
	off int64
	buf [8]byte
}

func newDecoder(r io.Reader, base int64) *decoder {
	return &decoder{r: r, off: base}
}

func newSliceDecoder(data []byte, base int64) *decoder {
	return newDecoder(bytes.NewReader(data), base)
}

func (d *decoder) fail(what string, err error) *FormatError {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return &FormatError{Offset: d.off, Msg: "reading " + what, Err: err}
}

func (d *decoder) errorf(format string, args ...any) *FormatError {
	e := formatErrorf(format, args...)
	e.Offset = d.off
	return e
}

func (d *decoder) fill(n int, what string) error {
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		return d.fail(what, err)
	}
	d.off += int64(n)
	return nil
}

func (d *decoder) u1(what string) (uint8, error) {
	if err := d.fill(1, what); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

func (d *decoder) u2(what string) (uint16, error) {
	if err := d.fill(2, what); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(d.buf[:2]), nil
}

func (d *decoder) u4(what string) (uint32, error) {
	if err := d.fill(4, what); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.buf[:4]), nil
}

func (d *decoder) u8(what string) (uint64, error) {
	if err := d.fill(8, what); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(d.buf[:8]), nil
}

// bytes reads n bytes. Lengths come from the input, so the buffer only
// grows as data arrives.
func (d *decoder) bytes(n int, what string) ([]byte, error) {
	if br, ok := d.r.(*bytes.Reader); ok {
		if n > br.Len() {
			d.off += int64(br.Len())
			return nil, d.fail(what, io.ErrUnexpectedEOF)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, d.fail(what, err)
		}
		d.off += int64(n)
		return b, nil
	}
	var buf bytes.Buffer
	m, err := io.CopyN(&buf, d.r, int64(n))
	d.off += m
	if err != nil {
		return nil, d.fail(what, err)
	}
	return buf.Bytes(), nil
}

// u2s reads a u2 count followed by that many u2 values.
func (d *decoder) u2s(what string) ([]uint16, error) {
	n, err := d.u2(what + " count")
	if err != nil {
		return nil, err
	}
	vs := make([]uint16, n)
	for i := range vs {
		if vs[i], err = d.u2(what); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// atEOF reports whether the underlying reader is exhausted.
func (d *decoder) atEOF() bool {
	if br, ok := d.r.(*bytes.Reader); ok {
		return br.Len() == 0
	}
	var b [1]byte
	n, _ := d.r.Read(b[:])
	return n == 0
}

// encoder accumulates big-endian output.
type encoder struct {
	b []byte
}

func (e *encoder) u1(v uint8)  { e.b = append(e.b, v) }
func (e *encoder) u2(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *encoder) u4(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u8(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *encoder) raw(b []byte) {
	e.b = append(e.b, b...)
}

func (e *encoder) u2s(vs []uint16) {
	e.u2(uint16(len(vs)))
	for _, v := range vs {
		e.u2(v)
	}
}
