package serial

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestHandlerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		v    any
	}{
		{"bool true", KindBool, true},
		{"bool false", KindBool, false},
		{"uint8", KindUint8, uint8(200)},
		{"uint16", KindUint16, uint16(40000)},
		{"uint32", KindUint32, uint32(3e9)},
		{"uint64", KindUint64, uint64(math.MaxUint64)},
		{"int8 negative", KindInt8, int8(-100)},
		{"int16", KindInt16, int16(-30000)},
		{"int32", KindInt32, int32(-2e9)},
		{"int64", KindInt64, int64(math.MinInt64)},
		{"float32", KindFloat32, float32(3.5)},
		{"float64", KindFloat64, 6.25},
		{"string", KindString, "hello, peer"},
		{"string empty", KindString, ""},
		{"bytes", KindBytes, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"uvarint", KindUvarint, uint64(300)},
		{"varint", KindVarint, int64(-12345)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HandlerFor(tt.kind)
			if h == nil {
				t.Fatalf("no handler for %v", tt.kind)
			}
			var w Writer
			if err := h.Write(&w, tt.v); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := h.Read(NewReader(w.Bytes()))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if p, ok := tt.v.([]byte); ok {
				if !bytes.Equal(got.([]byte), p) {
					t.Fatalf("round-trip = %x, want %x", got, p)
				}
			} else if got != tt.v {
				t.Fatalf("round-trip = %v (%T), want %v (%T)", got, got, tt.v, tt.v)
			}
		})
	}
}

func TestHandlerWrongType(t *testing.T) {
	var w Writer
	if err := HandlerFor(KindUint16).Write(&w, "not a uint"); !errors.Is(err, ErrType) {
		t.Fatalf("expected ErrType, got %v", err)
	}
	if err := HandlerFor(KindString).Write(&w, 7); !errors.Is(err, ErrType) {
		t.Fatalf("expected ErrType, got %v", err)
	}
}

func TestHandlerTruncated(t *testing.T) {
	var w Writer
	if err := HandlerFor(KindUint32).Write(&w, uint32(0xdeadbeef)); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := w.Bytes()

	if _, err := HandlerFor(KindUint32).Read(NewReader(b[:2])); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestStringTruncatedBody(t *testing.T) {
	var w Writer
	if err := HandlerFor(KindString).Write(&w, "truncate me"); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := w.Bytes()

	if _, err := HandlerFor(KindString).Read(NewReader(b[:3])); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestUintMaxWidth(t *testing.T) {
	tests := []struct {
		max  uint64
		bits int
	}{
		{1, 1},
		{4, 3}, // five states fit in three bits
		{7, 3},
		{8, 4},
		{255, 8},
		{256, 9},
	}

	for _, tt := range tests {
		h := UintMax(tt.max)
		var w Writer
		if err := h.Write(&w, tt.max); err != nil {
			t.Fatalf("UintMax(%d).Write: %v", tt.max, err)
		}
		if w.BitLen() != tt.bits {
			t.Fatalf("UintMax(%d) took %d bits, want %d", tt.max, w.BitLen(), tt.bits)
		}
		got, err := h.Read(NewReader(w.Bytes()))
		if err != nil {
			t.Fatalf("UintMax(%d).Read: %v", tt.max, err)
		}
		if got.(uint64) != tt.max {
			t.Fatalf("UintMax(%d) round-trip = %d", tt.max, got)
		}
	}
}

func TestUintMaxRange(t *testing.T) {
	var w Writer
	if err := UintMax(4).Write(&w, uint64(5)); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange, got %v", err)
	}
}

func TestUintBits(t *testing.T) {
	h := UintBits(12)
	var w Writer
	if err := h.Write(&w, uint64(0xfff)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.BitLen() != 12 {
		t.Fatalf("UintBits(12) took %d bits", w.BitLen())
	}
	if err := h.Write(&w, uint64(0x1000)); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange, got %v", err)
	}
}

func TestIntRange(t *testing.T) {
	var w Writer
	if err := HandlerFor(KindInt8).Write(&w, int64(128)); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange, got %v", err)
	}
	if err := HandlerFor(KindInt8).Write(&w, int64(-128)); err != nil {
		t.Fatalf("int8 min: %v", err)
	}
}
