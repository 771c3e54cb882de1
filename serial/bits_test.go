package serial

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestWriteBitsPacking(t *testing.T) {
	var w Writer
	w.WriteBits(0b101, 3)
	w.WriteBool(true)
	w.WriteBits(0b0110, 4)

	want := []byte{0b10110110}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("packed %08b, want %08b", w.Bytes(), want)
	}
	if w.BitLen() != 8 {
		t.Fatalf("BitLen = %d, want 8", w.BitLen())
	}
}

func TestWriteBitsAcrossByteBoundary(t *testing.T) {
	var w Writer
	w.WriteBits(0b11, 2)
	w.WriteBits(0x3ff, 10)

	want := []byte{0b11111111, 0b11110000}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("packed %08b, want %08b", w.Bytes(), want)
	}

	r := NewReader(w.Bytes())
	if v, err := r.ReadBits(2); err != nil || v != 0b11 {
		t.Fatalf("ReadBits(2) = %b, %v", v, err)
	}
	if v, err := r.ReadBits(10); err != nil || v != 0x3ff {
		t.Fatalf("ReadBits(10) = %b, %v", v, err)
	}
	if r.BitsRemaining() != 4 {
		t.Fatalf("BitsRemaining = %d, want 4", r.BitsRemaining())
	}
}

func TestBitsRoundTrip(t *testing.T) {
	tests := []struct {
		v uint64
		n uint
	}{
		{0, 1},
		{1, 1},
		{4, 3},
		{0xff, 8},
		{0x1234, 16},
		{1<<33 - 5, 33},
		{math.MaxUint64, 64},
	}

	var w Writer
	for _, tt := range tests {
		w.WriteBits(tt.v, tt.n)
	}
	r := NewReader(w.Bytes())
	for _, tt := range tests {
		got, err := r.ReadBits(tt.n)
		if err != nil {
			t.Fatalf("ReadBits(%d): %v", tt.n, err)
		}
		if got != tt.v {
			t.Fatalf("ReadBits(%d) = %d, want %d", tt.n, got, tt.v)
		}
	}
}

func TestReadPastEnd(t *testing.T) {
	r := NewReader([]byte{0xff})
	if _, err := r.ReadBits(6); err != nil {
		t.Fatalf("ReadBits(6): %v", err)
	}
	if _, err := r.ReadBits(3); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	// A failed read consumes nothing.
	if v, err := r.ReadBits(2); err != nil || v != 0b11 {
		t.Fatalf("ReadBits(2) after failure = %b, %v", v, err)
	}
}

func TestWriteBytesUnaligned(t *testing.T) {
	var w Writer
	w.WriteBool(true)
	w.WriteBytes([]byte{0xab, 0xcd})

	r := NewReader(w.Bytes())
	if v, err := r.ReadBool(); err != nil || !v {
		t.Fatalf("ReadBool = %v, %v", v, err)
	}
	p, err := r.ReadBytes(2)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(p, []byte{0xab, 0xcd}) {
		t.Fatalf("ReadBytes = %x, want abcd", p)
	}
}

func TestReadBytesShort(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.ReadBytes(4); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestWriterReset(t *testing.T) {
	var w Writer
	w.WriteBits(0xfff, 12)
	w.Reset()
	if w.BitLen() != 0 {
		t.Fatalf("BitLen after Reset = %d", w.BitLen())
	}
	w.WriteBits(0b1, 1)
	if !bytes.Equal(w.Bytes(), []byte{0x80}) {
		t.Fatalf("write after Reset = %08b", w.Bytes())
	}
}

func TestUvarintRoundTrip(t *testing.T) {
	tests := []uint64{0, 1, 127, 128, 300, 16383, 16384, 1 << 32, math.MaxUint64}

	for _, v := range tests {
		var w Writer
		w.WriteUvarint(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadUvarint()
		if err != nil {
			t.Fatalf("ReadUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("ReadUvarint = %d, want %d", got, v)
		}
	}
}

func TestUvarintCompact(t *testing.T) {
	var w Writer
	w.WriteUvarint(127)
	if w.BitLen() != 8 {
		t.Fatalf("uvarint 127 took %d bits, want 8", w.BitLen())
	}
	w.Reset()
	w.WriteUvarint(128)
	if w.BitLen() != 16 {
		t.Fatalf("uvarint 128 took %d bits, want 16", w.BitLen())
	}
}

func TestUvarintTruncated(t *testing.T) {
	var w Writer
	w.WriteUvarint(1 << 20)
	b := w.Bytes()

	r := NewReader(b[:len(b)-1])
	if _, err := r.ReadUvarint(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestUvarintOverflow(t *testing.T) {
	// Eleven groups with continuation bits take the shift past 64.
	var w Writer
	for i := 0; i < 11; i++ {
		w.WriteBits(1, 1)
		w.WriteBits(0x7f, 7)
	}
	w.WriteBits(0, 1)
	w.WriteBits(1, 7)

	r := NewReader(w.Bytes())
	if _, err := r.ReadUvarint(); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	tests := []int64{0, -1, 1, 63, -64, 64, -65, math.MaxInt64, math.MinInt64}

	for _, v := range tests {
		var w Writer
		w.WriteVarint(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadVarint()
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("ReadVarint = %d, want %d", got, v)
		}
	}
}

func TestZigzagOrdering(t *testing.T) {
	// Small magnitudes of either sign map to small codes.
	tests := []struct {
		v    int64
		code uint64
	}{
		{0, 0},
		{-1, 1},
		{1, 2},
		{-2, 3},
		{2, 4},
	}

	for _, tt := range tests {
		if got := Zigzag(tt.v); got != tt.code {
			t.Fatalf("Zigzag(%d) = %d, want %d", tt.v, got, tt.code)
		}
		if got := Unzigzag(tt.code); got != tt.v {
			t.Fatalf("Unzigzag(%d) = %d, want %d", tt.code, got, tt.v)
		}
	}
}
