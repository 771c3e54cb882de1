package serial

import (
	"fmt"
	"math"
	"math/bits"
)

// Kind identifies a wire type for properties and RPC arguments. The
// set is closed; composite layouts are assembled from kinds at
// registration time, never discovered at runtime.
type Kind uint8

const (
	KindBool Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindUvarint
	KindVarint
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindBytes:   "bytes",
	KindUvarint: "uvarint",
	KindVarint:  "varint",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Handler encodes and decodes one value shape. Handlers are stateless
// and safe to share.
type Handler interface {
	Write(w *Writer, v any) error
	Read(r *Reader) (any, error)
}

var handlers = map[Kind]Handler{
	KindBool:    boolHandler{},
	KindUint8:   uintHandler{8},
	KindUint16:  uintHandler{16},
	KindUint32:  uintHandler{32},
	KindUint64:  uintHandler{64},
	KindInt8:    intHandler{8},
	KindInt16:   intHandler{16},
	KindInt32:   intHandler{32},
	KindInt64:   intHandler{64},
	KindFloat32: float32Handler{},
	KindFloat64: float64Handler{},
	KindString:  stringHandler{},
	KindBytes:   bytesHandler{},
	KindUvarint: uvarintHandler{},
	KindVarint:  varintHandler{},
}

// HandlerFor returns the handler for k, or nil if k is not a
// registered kind.
func HandlerFor(k Kind) Handler { return handlers[k] }

func typeErr(v any, want string) error {
	return fmt.Errorf("%w: have %T, want %s", ErrType, v, want)
}

type boolHandler struct{}

func (boolHandler) Write(w *Writer, v any) error {
	b, ok := v.(bool)
	if !ok {
		return typeErr(v, "bool")
	}
	w.WriteBool(b)
	return nil
}

func (boolHandler) Read(r *Reader) (any, error) {
	b, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	return b, nil
}

type uintHandler struct {
	bits uint
}

func (h uintHandler) Write(w *Writer, v any) error {
	var u uint64
	switch t := v.(type) {
	case uint8:
		u = uint64(t)
	case uint16:
		u = uint64(t)
	case uint32:
		u = uint64(t)
	case uint64:
		u = t
	default:
		return typeErr(v, fmt.Sprintf("uint%d", h.bits))
	}
	if h.bits < 64 && u > 1<<h.bits-1 {
		return fmt.Errorf("%w: %d exceeds uint%d", ErrRange, u, h.bits)
	}
	w.WriteBits(u, h.bits)
	return nil
}

func (h uintHandler) Read(r *Reader) (any, error) {
	u, err := r.ReadBits(h.bits)
	if err != nil {
		return nil, err
	}
	switch h.bits {
	case 8:
		return uint8(u), nil
	case 16:
		return uint16(u), nil
	case 32:
		return uint32(u), nil
	default:
		return u, nil
	}
}

type intHandler struct {
	bits uint
}

func (h intHandler) Write(w *Writer, v any) error {
	var i int64
	switch t := v.(type) {
	case int8:
		i = int64(t)
	case int16:
		i = int64(t)
	case int32:
		i = int64(t)
	case int64:
		i = t
	default:
		return typeErr(v, fmt.Sprintf("int%d", h.bits))
	}
	if h.bits < 64 {
		min := int64(-1) << (h.bits - 1)
		max := int64(1)<<(h.bits-1) - 1
		if i < min || i > max {
			return fmt.Errorf("%w: %d exceeds int%d", ErrRange, i, h.bits)
		}
	}
	w.WriteBits(uint64(i), h.bits)
	return nil
}

func (h intHandler) Read(r *Reader) (any, error) {
	u, err := r.ReadBits(h.bits)
	if err != nil {
		return nil, err
	}
	// Sign-extend from the declared width.
	i := int64(u << (64 - h.bits)) >> (64 - h.bits)
	switch h.bits {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	default:
		return i, nil
	}
}

type float32Handler struct{}

func (float32Handler) Write(w *Writer, v any) error {
	f, ok := v.(float32)
	if !ok {
		return typeErr(v, "float32")
	}
	w.WriteBits(uint64(math.Float32bits(f)), 32)
	return nil
}

func (float32Handler) Read(r *Reader) (any, error) {
	u, err := r.ReadBits(32)
	if err != nil {
		return nil, err
	}
	return math.Float32frombits(uint32(u)), nil
}

type float64Handler struct{}

func (float64Handler) Write(w *Writer, v any) error {
	f, ok := v.(float64)
	if !ok {
		return typeErr(v, "float64")
	}
	w.WriteBits(math.Float64bits(f), 64)
	return nil
}

func (float64Handler) Read(r *Reader) (any, error) {
	u, err := r.ReadBits(64)
	if err != nil {
		return nil, err
	}
	return math.Float64frombits(u), nil
}

type stringHandler struct{}

func (stringHandler) Write(w *Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return typeErr(v, "string")
	}
	w.WriteUvarint(uint64(len(s)))
	w.WriteBytes([]byte(s))
	return nil
}

func (stringHandler) Read(r *Reader) (any, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	p, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return string(p), nil
}

type bytesHandler struct{}

func (bytesHandler) Write(w *Writer, v any) error {
	p, ok := v.([]byte)
	if !ok {
		return typeErr(v, "[]byte")
	}
	w.WriteUvarint(uint64(len(p)))
	w.WriteBytes(p)
	return nil
}

func (bytesHandler) Read(r *Reader) (any, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(int(n))
}

type uvarintHandler struct{}

func (uvarintHandler) Write(w *Writer, v any) error {
	u, ok := v.(uint64)
	if !ok {
		return typeErr(v, "uint64")
	}
	w.WriteUvarint(u)
	return nil
}

func (uvarintHandler) Read(r *Reader) (any, error) {
	u, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return u, nil
}

type varintHandler struct{}

func (varintHandler) Write(w *Writer, v any) error {
	i, ok := v.(int64)
	if !ok {
		return typeErr(v, "int64")
	}
	w.WriteVarint(i)
	return nil
}

func (varintHandler) Read(r *Reader) (any, error) {
	i, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	return i, nil
}

type uintRange struct {
	max  uint64
	bits uint
}

// UintMax returns a handler for uint64 values in [0, max], encoded in
// the minimum number of bits that can represent max. A five-state
// enum (max 4) takes three bits.
func UintMax(max uint64) Handler {
	return uintRange{max: max, bits: uint(bits.Len64(max))}
}

// UintBits returns a handler for uint64 values encoded in exactly n
// bits, n at most 64.
func UintBits(n uint) Handler {
	if n > 64 {
		panic("serial: bit count out of range")
	}
	max := uint64(math.MaxUint64)
	if n < 64 {
		max = 1<<n - 1
	}
	return uintRange{max: max, bits: n}
}

func (h uintRange) Write(w *Writer, v any) error {
	u, ok := v.(uint64)
	if !ok {
		return typeErr(v, "uint64")
	}
	if u > h.max {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrRange, u, h.max)
	}
	w.WriteBits(u, h.bits)
	return nil
}

func (h uintRange) Read(r *Reader) (any, error) {
	u, err := r.ReadBits(h.bits)
	if err != nil {
		return nil, err
	}
	if u > h.max {
		return nil, fmt.Errorf("%w: %d exceeds maximum %d", ErrRange, u, h.max)
	}
	return u, nil
}
