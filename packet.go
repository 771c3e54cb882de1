package replica

import (
	"encoding/binary"
	"fmt"

	"github.com/mirefell/replica/serial"
)

// Wire layout of a packet:
//
//	sequence:uint16 | ack:uint16 | ackBits:uint32 |
//	( channelTag:2 bits | length:varint | payload bytes )*
//
// The header is always present; a header-only packet is the
// keep-alive. The fragment section is a bitstream padded to the next
// byte boundary at the end.

// packetHeaderSize is the wire size of the fixed header.
const packetHeaderSize = 8

// ackWindow is the number of sequence numbers before the ack number
// covered by the header bitmask.
const ackWindow = 32

// packetHeader is the fixed preamble of every datagram.
type packetHeader struct {
	seq     seqnum
	ack     seqnum
	ackBits uint32
}

// fragment is one channel-tagged unit payload inside a packet.
type fragment struct {
	channel ChannelKind
	payload []byte
}

// builtPacket is one encoded datagram plus the indices of the input
// fragments it carries, so callers can map packet acks back to units.
type builtPacket struct {
	seq   seqnum
	data  []byte
	frags []int
}

// uvarintBits returns the encoded size of v in bits.
func uvarintBits(v uint64) int {
	n := 8
	for v >= 0x80 {
		v >>= 7
		n += 8
	}
	return n
}

// fragmentBits returns the encoded size of a fragment carrying n
// payload bytes.
func fragmentBits(n int) int {
	return 2 + uvarintBits(uint64(n)) + n*8
}

// packPackets encodes fragments into datagrams of at most mtu bytes.
// seq numbers the first packet and later packets continue it; ack and
// ackBits repeat in every header. Without fragments a single
// header-only packet is returned.
func packPackets(seq seqnum, ack seqnum, ackBits uint32, frags []fragment, mtu int) ([]builtPacket, error) {
	capacity := (mtu - packetHeaderSize) * 8

	var out []builtPacket
	var w serial.Writer
	var carried []int

	flush := func() {
		data := make([]byte, packetHeaderSize, packetHeaderSize+len(w.Bytes()))
		binary.BigEndian.PutUint16(data[0:2], uint16(seq))
		binary.BigEndian.PutUint16(data[2:4], uint16(ack))
		binary.BigEndian.PutUint32(data[4:8], ackBits)
		data = append(data, w.Bytes()...)

		out = append(out, builtPacket{seq: seq, data: data, frags: carried})
		seq++
		w.Reset()
		carried = nil
	}

	for i, f := range frags {
		cost := fragmentBits(len(f.payload))
		if cost > capacity {
			return nil, fmt.Errorf("%w: %d payload bytes over mtu %d",
				ErrFragmentTooLarge, len(f.payload), mtu)
		}
		if w.BitLen()+cost > capacity {
			flush()
		}
		w.WriteBits(uint64(f.channel), 2)
		w.WriteUvarint(uint64(len(f.payload)))
		w.WriteBytes(f.payload)
		carried = append(carried, i)
	}
	flush()

	return out, nil
}

// unpackPacket parses one datagram. On any framing error the whole
// datagram is discarded, nothing is applied.
func unpackPacket(b []byte) (packetHeader, []fragment, error) {
	if len(b) < packetHeaderSize {
		return packetHeader{}, nil, fmt.Errorf("%w: %d byte header", ErrMalformedPacket, len(b))
	}

	hdr := packetHeader{
		seq:     seqnum(binary.BigEndian.Uint16(b[0:2])),
		ack:     seqnum(binary.BigEndian.Uint16(b[2:4])),
		ackBits: binary.BigEndian.Uint32(b[4:8]),
	}

	r := serial.NewReader(b[packetHeaderSize:])
	var frags []fragment

	// Up to seven zero bits of padding may follow the last fragment.
	for r.BitsRemaining() >= 8 {
		tag, err := r.ReadBits(2)
		if err != nil {
			return packetHeader{}, nil, fmt.Errorf("%w: fragment tag: %v", ErrMalformedPacket, err)
		}
		if ChannelKind(tag) >= ChannelCount {
			return packetHeader{}, nil, fmt.Errorf("%w: tag %d", ErrUnknownChannel, tag)
		}
		n, err := r.ReadUvarint()
		if err != nil {
			return packetHeader{}, nil, fmt.Errorf("%w: fragment length: %v", ErrMalformedPacket, err)
		}
		if n > uint64(len(b)) {
			return packetHeader{}, nil, fmt.Errorf("%w: fragment length %d overruns packet", ErrMalformedPacket, n)
		}
		payload, err := r.ReadBytes(int(n))
		if err != nil {
			return packetHeader{}, nil, fmt.Errorf("%w: fragment length %d overruns packet", ErrMalformedPacket, n)
		}
		frags = append(frags, fragment{channel: ChannelKind(tag), payload: payload})
	}

	return hdr, frags, nil
}

// ackTracker accumulates received packet sequence numbers into the
// ack fields advertised on outgoing headers.
type ackTracker struct {
	highest seqnum
	mask    uint32
	init    bool
}

// record notes an arriving packet sequence number. It reports false
// for packets too old to acknowledge and for duplicates of the most
// recent one.
func (t *ackTracker) record(seq seqnum) bool {
	if !t.init {
		t.init = true
		t.highest = seq
		t.mask = 0
		return true
	}
	if moreRecent(seq, t.highest) {
		// A shift of 32 or more clears the whole mask.
		d := uint(seq - t.highest)
		t.mask = t.mask<<d | 1<<(d-1)
		t.highest = seq
		return true
	}
	d := uint(t.highest - seq)
	if d == 0 || d > ackWindow {
		return false
	}
	bit := uint32(1) << (d - 1)
	if t.mask&bit != 0 {
		return false
	}
	t.mask |= bit
	return true
}

// fields returns the ack header fields to advertise.
func (t *ackTracker) fields() (seqnum, uint32) {
	return t.highest, t.mask
}

// ackCovers reports whether header fields (ack, ackBits) acknowledge
// the packet sequence number seq.
func ackCovers(ack seqnum, ackBits uint32, seq seqnum) bool {
	if seq == ack {
		return true
	}
	d := uint(uint16(ack - seq))
	return d >= 1 && d <= ackWindow && ackBits&(1<<(d-1)) != 0
}
