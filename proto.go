package replica

import (
	"math/bits"

	"github.com/mirefell/replica/serial"
)

// Netmode tells which side of the simulation a host runs. The server
// side holds authority over canonical instance state.
type Netmode uint8

const (
	NetmodeServer Netmode = iota
	NetmodeClient
)

func (m Netmode) String() string {
	switch m {
	case NetmodeServer:
		return "server"
	case NetmodeClient:
		return "client"
	}
	return "unknown"
}

// netmodeMax bounds the Netmode wire field.
const netmodeMax = uint64(NetmodeClient)

// ChannelKind selects the delivery semantics of a unit.
type ChannelKind uint8

const (
	ChannelReliableOrdered ChannelKind = iota
	ChannelReliableUnordered
	ChannelUnreliable
)

// ChannelCount is the number of channels per connection.
const ChannelCount = 3

func (k ChannelKind) String() string {
	switch k {
	case ChannelReliableOrdered:
		return "reliable-ordered"
	case ChannelReliableUnordered:
		return "reliable-unordered"
	case ChannelUnreliable:
		return "unreliable"
	}
	return "unknown"
}

// seqnums are wrapping sequence numbers used for packets and units
type seqnum uint16

// seqnumInit is close to the wraparound so that it occurs early and
// broken modular comparisons surface right away
const seqnumInit seqnum = 65500

// moreRecent reports whether a was issued after b, treating the
// difference modulo the counter period.
func moreRecent(a, b seqnum) bool {
	return int16(a-b) > 0
}

// NetID identifies a replicable instance on the wire. IDs are
// assigned by the authoritative side.
type NetID uint16

// unitType discriminates engine payloads inside a channel unit.
type unitType uint8

const (
	unitHandshakeRequest unitType = iota
	unitHandshakeChallenge
	unitSRPBytesA
	unitSRPBytesSB
	unitSRPBytesM
	unitHandshakeRegister
	unitHandshakeAccept
	unitHandshakeDeny
	unitDisconnect
	unitCreate
	unitDelta
	unitForget
	unitRPC

	unitTypeCount
)

// unitTypeMax bounds the unitType wire field.
const unitTypeMax = uint64(unitTypeCount - 1)

func (t unitType) String() string {
	switch t {
	case unitHandshakeRequest:
		return "handshake-request"
	case unitHandshakeChallenge:
		return "handshake-challenge"
	case unitSRPBytesA:
		return "srp-bytes-a"
	case unitSRPBytesSB:
		return "srp-bytes-sb"
	case unitSRPBytesM:
		return "srp-bytes-m"
	case unitHandshakeRegister:
		return "handshake-register"
	case unitHandshakeAccept:
		return "handshake-accept"
	case unitHandshakeDeny:
		return "handshake-deny"
	case unitDisconnect:
		return "disconnect"
	case unitCreate:
		return "create"
	case unitDelta:
		return "delta"
	case unitForget:
		return "forget"
	case unitRPC:
		return "rpc"
	}
	return "unknown"
}

// denyCode classifies a handshake denial on the wire.
type denyCode uint8

const (
	denyMismatch denyCode = iota
	denyAccess
	denyTooManyConns
	denyShutdown

	denyCodeCount
)

// denyCodeMax bounds the denyCode wire field.
const denyCodeMax = uint64(denyCodeCount - 1)

func (d denyCode) String() string {
	switch d {
	case denyMismatch:
		return "mismatch"
	case denyAccess:
		return "access"
	case denyTooManyConns:
		return "full"
	case denyShutdown:
		return "shutdown"
	}
	return "unknown"
}

// authMech is the authentication mechanism picked by the server
// during the handshake.
type authMech uint8

const (
	// Existing account, run the SRP exchange
	authMechSRP authMech = iota

	// First login, client registers salt and verifier
	authMechFirstSRP

	authMechCount
)

// authMechMax bounds the authMech wire field.
const authMechMax = uint64(authMechCount - 1)

// enumBits returns the wire width of an enum field bounded by max,
// the minimum number of bits that can hold it.
func enumBits(max uint64) uint {
	return uint(bits.Len64(max))
}

func writeUnitType(w *serial.Writer, t unitType) {
	w.WriteBits(uint64(t), enumBits(unitTypeMax))
}

func readUnitType(r *serial.Reader) (unitType, error) {
	v, err := r.ReadBits(enumBits(unitTypeMax))
	if err != nil {
		return 0, err
	}
	if v > unitTypeMax {
		return 0, ErrMalformedPayload
	}
	return unitType(v), nil
}
