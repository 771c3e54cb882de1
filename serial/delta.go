package serial

import "fmt"

// Property deltas are encoded as a contents bitfield, one bit per
// field in declaration order, followed by the set fields' values in
// that same order.

// EncodeDelta writes the fields of values whose set flag is true.
// The three slices run parallel over the field declarations.
func EncodeDelta(w *Writer, hs []Handler, values []any, set []bool) error {
	if len(values) != len(hs) || len(set) != len(hs) {
		return fmt.Errorf("%w: delta over %d fields, have %d values and %d flags",
			ErrType, len(hs), len(values), len(set))
	}
	for _, ok := range set {
		w.WriteBool(ok)
	}
	for i, ok := range set {
		if !ok {
			continue
		}
		if err := hs[i].Write(w, values[i]); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

// DecodeDelta reads a contents bitfield covering len(hs) fields and
// the present values, calling visit per set field in field order.
// An error from visit stops the decode.
func DecodeDelta(r *Reader, hs []Handler, visit func(i int, v any) error) error {
	set := make([]bool, len(hs))
	for i := range set {
		b, err := r.ReadBool()
		if err != nil {
			return err
		}
		set[i] = b
	}
	for i, ok := range set {
		if !ok {
			continue
		}
		v, err := hs[i].Read(r)
		if err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		if err := visit(i, v); err != nil {
			return err
		}
	}
	return nil
}
