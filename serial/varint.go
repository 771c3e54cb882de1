package serial

// Compact variable-width integers: base-128 groups, least significant
// group first. Each group is a continuation bit followed by seven
// value bits. Signed values map through zigzag so small magnitudes of
// either sign stay short.

// WriteUvarint appends v as a compact varint.
func (w *Writer) WriteUvarint(v uint64) {
	for v >= 0x80 {
		w.WriteBits(1, 1)
		w.WriteBits(v&0x7f, 7)
		v >>= 7
	}
	w.WriteBits(0, 1)
	w.WriteBits(v, 7)
}

// ReadUvarint consumes a compact varint.
func (r *Reader) ReadUvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		more, err := r.ReadBits(1)
		if err != nil {
			return 0, err
		}
		g, err := r.ReadBits(7)
		if err != nil {
			return 0, err
		}
		if shift > 63 || (shift == 63 && g > 1) {
			return 0, ErrOverflow
		}
		v |= g << shift
		if more == 0 {
			return v, nil
		}
		shift += 7
	}
}

// WriteVarint appends v zigzag-encoded.
func (w *Writer) WriteVarint(v int64) {
	w.WriteUvarint(Zigzag(v))
}

// ReadVarint consumes a zigzag-encoded varint.
func (r *Reader) ReadVarint() (int64, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return Unzigzag(v), nil
}

// Zigzag maps signed to unsigned, interleaving positive and negative.
func Zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// Unzigzag is the inverse of Zigzag.
func Unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
