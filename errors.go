package replica

import "errors"

var (
	// ErrMalformedPacket flags a datagram whose header or fragment
	// framing cannot be parsed. The whole datagram is discarded.
	ErrMalformedPacket = errors.New("replica: malformed packet")

	// ErrMalformedPayload flags a unit body that fails to decode.
	// The unit is discarded, nothing is partially applied.
	ErrMalformedPayload = errors.New("replica: malformed payload")

	// ErrProtocolMismatch means the two peers disagree on the
	// registered type table. The connection never opens.
	ErrProtocolMismatch = errors.New("replica: type table checksum mismatch")

	// ErrChannelRetryExhausted means reliable delivery failed after
	// the bounded retransmissions. Fatal for the connection.
	ErrChannelRetryExhausted = errors.New("replica: reliable delivery retries exhausted")

	// ErrDispatchTargetMissing means an RPC target instance never
	// appeared. The call is dropped.
	ErrDispatchTargetMissing = errors.New("replica: rpc target instance missing")

	// ErrAuthorityViolation means a unit arrived from a side not
	// permitted to send it. The unit is rejected, never applied.
	ErrAuthorityViolation = errors.New("replica: authority violation")

	// ErrTimedOut means no traffic arrived for the configured
	// duration.
	ErrTimedOut = errors.New("replica: connection timed out")

	// ErrClosed means the connection was shut down deliberately, by
	// either side.
	ErrClosed = errors.New("replica: connection closed")

	// ErrAccessDenied means the remote refused the handshake.
	ErrAccessDenied = errors.New("replica: access denied")

	// ErrUnknownChannel flags a fragment carrying a channel tag
	// outside the defined kinds.
	ErrUnknownChannel = errors.New("replica: unknown channel tag")

	// ErrFragmentTooLarge means a single unit cannot fit a packet
	// even alone. Callers must size units below the MTU.
	ErrFragmentTooLarge = errors.New("replica: fragment exceeds packet capacity")

	// ErrTooManyConns means the connection limit was reached.
	ErrTooManyConns = errors.New("replica: connection limit reached")
)
