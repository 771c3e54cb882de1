/*
Package serial implements the bit-level value codec: an append-only
bitstream writer, a mirroring reader, compact varints and a table of
stateless value handlers keyed by Kind.

Values are packed most-significant-bit first with no alignment between
fields. Field order is a contract between the two ends; the stream
carries no self-describing framing beyond length prefixes.
*/
package serial

import "errors"

var (
	ErrShortBuffer = errors.New("serial: read past end of buffer")
	ErrOverflow    = errors.New("serial: varint overflows 64 bits")
	ErrType        = errors.New("serial: value type mismatch")
	ErrRange       = errors.New("serial: value out of range")
)

// Writer assembles a bitstream. The zero value is ready to use.
type Writer struct {
	buf  []byte
	free uint
}

// WriteBits appends the low n bits of v, most significant first.
// n must be at most 64.
func (w *Writer) WriteBits(v uint64, n uint) {
	if n > 64 {
		panic("serial: bit count out of range")
	}
	if n < 64 {
		v &= 1<<n - 1
	}
	for n > 0 {
		if w.free == 0 {
			w.buf = append(w.buf, 0)
			w.free = 8
		}
		take := n
		if take > w.free {
			take = w.free
		}
		w.buf[len(w.buf)-1] |= byte(v>>(n-take)) << (w.free - take)
		w.free -= take
		n -= take
	}
}

// WriteBool appends a single bit.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteBytes appends p eight bits at a time, without aligning first.
func (w *Writer) WriteBytes(p []byte) {
	if w.free == 0 {
		w.buf = append(w.buf, p...)
		return
	}
	for _, b := range p {
		w.WriteBits(uint64(b), 8)
	}
}

// Bytes returns the stream so far. Unfilled bits of the final byte
// are zero.
func (w *Writer) Bytes() []byte { return w.buf }

// BitLen returns the number of bits written.
func (w *Writer) BitLen() int { return len(w.buf)*8 - int(w.free) }

// Reset discards the stream, keeping the allocation.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.free = 0
}

// Reader consumes a bitstream produced by Writer.
type Reader struct {
	buf []byte
	pos uint
}

// NewReader returns a Reader over p. The Reader does not copy p.
func NewReader(p []byte) *Reader { return &Reader{buf: p} }

// ReadBits consumes n bits and returns them as the low bits of a
// uint64. It returns ErrShortBuffer if fewer than n bits remain.
func (r *Reader) ReadBits(n uint) (uint64, error) {
	if n > 64 {
		panic("serial: bit count out of range")
	}
	if uint(len(r.buf))*8-r.pos < n {
		return 0, ErrShortBuffer
	}
	var v uint64
	for n > 0 {
		avail := 8 - r.pos%8
		take := n
		if take > avail {
			take = avail
		}
		chunk := r.buf[r.pos/8] >> (avail - take) & (0xff >> (8 - take))
		v = v<<take | uint64(chunk)
		r.pos += take
		n -= take
	}
	return v, nil
}

// ReadBool consumes a single bit.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

// ReadBytes consumes n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.BitsRemaining()/8 {
		return nil, ErrShortBuffer
	}
	p := make([]byte, n)
	if r.pos%8 == 0 {
		copy(p, r.buf[r.pos/8:])
		r.pos += uint(n) * 8
		return p, nil
	}
	for i := range p {
		v, _ := r.ReadBits(8)
		p[i] = byte(v)
	}
	return p, nil
}

// BitsRemaining returns the number of unread bits.
func (r *Reader) BitsRemaining() int { return len(r.buf)*8 - int(r.pos) }
