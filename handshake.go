package replica

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/HimbeerserverDE/srp"

	"github.com/mirefell/replica/serial"
)

// handshakeState carries one side's progress through the
// authentication exchange. The server keeps the SRP salt, verifier
// and session intermediates between rounds, the client keeps its
// ephemeral pair.
type handshakeState struct {
	mech authMech

	salt     []byte
	verifier []byte
	pubA     []byte
	privA    []byte
	pubB     []byte
	key      []byte

	denied bool
}

// sendHandshakeRequest opens the exchange from the client side.
func (c *Conn) sendHandshakeRequest() {
	h := c.host
	var w serial.Writer
	writeUnitType(&w, unitHandshakeRequest)
	w.WriteBits(uint64(h.mode), enumBits(netmodeMax))
	w.WriteBytes(h.id[:])
	writeString(&w, h.cfg.Name)
	w.WriteBits(h.table.Checksum(), 64)
	if err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), nil, nil); err != nil {
		c.teardown(err)
	}
}

func (c *Conn) handleHandshakeUnit(now time.Time, ut unitType, r *serial.Reader) {
	if c.host.mode == NetmodeServer {
		c.handleHandshakeAsServer(ut, r)
	} else {
		c.handleHandshakeAsClient(ut, r)
	}
}

func (c *Conn) handleHandshakeAsServer(ut unitType, r *serial.Reader) {
	h := c.host
	if c.hs != nil && c.hs.denied {
		return
	}

	switch ut {
	case unitHandshakeRequest:
		if c.hs != nil {
			return
		}
		mode, err := r.ReadBits(enumBits(netmodeMax))
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		idb, err := r.ReadBytes(16)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		name, err := readString(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		sum, err := r.ReadBits(64)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		copy(c.peerID[:], idb)
		c.name = name
		c.mode = Netmode(mode)

		switch {
		case c.mode != NetmodeClient:
			c.deny(denyAccess, "only clients may connect")
		case name == "":
			c.deny(denyAccess, "empty peer name")
		case sum != h.table.Checksum():
			c.log.Info().Str("name", name).
				Str("theirs", fmt.Sprintf("%016x", sum)).
				Str("ours", fmt.Sprintf("%016x", h.table.Checksum())).
				Msg("type table mismatch")
			c.deny(denyMismatch, fmt.Sprintf("type table %016x", h.table.Checksum()))
		case h.closing:
			c.deny(denyShutdown, "server is shutting down")
		case h.cfg.MaxConns > 0 && h.connectedCount() >= h.cfg.MaxConns:
			c.deny(denyTooManyConns, "server is full")
		case h.connByName(name) != nil:
			c.deny(denyAccess, "name already in use")
		default:
			c.finishRequest(name)
		}

	case unitSRPBytesA:
		if c.hs == nil || c.hs.mech != authMechSRP || len(c.hs.verifier) == 0 {
			c.deny(denyAccess, "unexpected srp message")
			return
		}
		A, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		B, _, K, err := srp.Handshake(A, c.hs.verifier)
		if err != nil || len(B) == 0 {
			c.log.Warn().Err(err).Str("name", c.name).Msg("srp handshake failed")
			c.deny(denyAccess, "srp failure")
			return
		}
		c.hs.pubA = A
		c.hs.pubB = B
		c.hs.key = K

		var w serial.Writer
		writeUnitType(&w, unitSRPBytesSB)
		writeBlob(&w, c.hs.salt)
		writeBlob(&w, B)
		c.queueHandshake(w.Bytes())

	case unitSRPBytesM:
		if c.hs == nil || c.hs.mech != authMechSRP || len(c.hs.key) == 0 {
			c.deny(denyAccess, "unexpected srp message")
			return
		}
		M, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		M2 := srp.CalculateM([]byte(c.name), c.hs.salt, c.hs.pubA, c.hs.pubB, c.hs.key)
		if subtle.ConstantTimeCompare(M, M2) != 1 {
			c.log.Warn().Str("name", c.name).Msg("wrong password")
			c.deny(denyAccess, "wrong password")
			return
		}
		c.accept()

	case unitHandshakeRegister:
		if c.hs == nil || c.hs.mech != authMechFirstSRP {
			c.deny(denyAccess, "unexpected registration")
			return
		}
		salt, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		verifier, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		if err := h.auth.addAuthItem(c.name, encodeVerifierAndSalt(salt, verifier)); err != nil {
			c.log.Error().Err(err).Str("name", c.name).Msg("could not store credentials")
			c.deny(denyAccess, "registration failed")
			return
		}
		c.log.Info().Str("name", c.name).Msg("registered")
		c.accept()

	default:
		c.log.Debug().Stringer("unit", ut).Msg("dropping unexpected handshake unit")
		recordMalformed("payload")
	}
}

// finishRequest runs the post-validation steps of a handshake
// request: ban check, then either immediate accept or the start of
// the authentication exchange.
func (c *Conn) finishRequest(name string) {
	h := c.host
	if h.auth != nil {
		banned, err := h.auth.isBanned(c.addr, name)
		if err != nil {
			c.log.Error().Err(err).Msg("ban lookup failed")
			c.deny(denyAccess, "authentication unavailable")
			return
		}
		if banned {
			c.log.Info().Str("name", name).Msg("banned peer refused")
			c.deny(denyAccess, "banned")
			return
		}
	}
	if !h.cfg.RequireAuth {
		c.accept()
		return
	}

	item, err := h.auth.readAuthItem(name)
	if err != nil {
		c.log.Error().Err(err).Msg("credential lookup failed")
		c.deny(denyAccess, "authentication unavailable")
		return
	}
	c.hs = &handshakeState{}
	if item == "" {
		c.hs.mech = authMechFirstSRP
	} else {
		salt, verifier, err := decodeVerifierAndSalt(item)
		if err != nil {
			c.log.Error().Err(err).Str("name", name).Msg("stored credentials unreadable")
			c.deny(denyAccess, "authentication unavailable")
			return
		}
		c.hs.mech = authMechSRP
		c.hs.salt = salt
		c.hs.verifier = verifier
	}

	var w serial.Writer
	writeUnitType(&w, unitHandshakeChallenge)
	w.WriteBits(uint64(c.hs.mech), enumBits(authMechMax))
	c.queueHandshake(w.Bytes())
}

func (c *Conn) handleHandshakeAsClient(ut unitType, r *serial.Reader) {
	h := c.host
	name := []byte(h.cfg.Name)
	pass := []byte(h.cfg.Password)

	switch ut {
	case unitHandshakeChallenge:
		if c.hs != nil {
			return
		}
		mv, err := r.ReadBits(enumBits(authMechMax))
		if err != nil || mv > authMechMax {
			c.dropMalformed(err, ut)
			return
		}
		switch authMech(mv) {
		case authMechFirstSRP:
			s, v, err := srp.NewClient(name, pass)
			if err != nil {
				c.log.Error().Err(err).Msg("srp client setup failed")
				c.teardown(fmt.Errorf("%w: %v", ErrAccessDenied, err))
				return
			}
			c.hs = &handshakeState{mech: authMechFirstSRP}
			var w serial.Writer
			writeUnitType(&w, unitHandshakeRegister)
			writeBlob(&w, s)
			writeBlob(&w, v)
			c.queueHandshake(w.Bytes())
		case authMechSRP:
			A, a, err := srp.InitiateHandshake()
			if err != nil {
				c.log.Error().Err(err).Msg("srp initiation failed")
				c.teardown(fmt.Errorf("%w: %v", ErrAccessDenied, err))
				return
			}
			c.hs = &handshakeState{mech: authMechSRP, pubA: A, privA: a}
			var w serial.Writer
			writeUnitType(&w, unitSRPBytesA)
			writeBlob(&w, A)
			c.queueHandshake(w.Bytes())
		}

	case unitSRPBytesSB:
		if c.hs == nil || c.hs.mech != authMechSRP || len(c.hs.pubA) == 0 {
			c.log.Debug().Msg("dropping unexpected srp message")
			return
		}
		s, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		B, err := readBlob(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		K, err := srp.CompleteHandshake(c.hs.pubA, c.hs.privA, name, pass, s, B)
		if err != nil {
			c.log.Error().Err(err).Msg("srp completion failed")
			c.teardown(fmt.Errorf("%w: %v", ErrAccessDenied, err))
			return
		}
		M := srp.CalculateM(name, s, c.hs.pubA, B, K)
		var w serial.Writer
		writeUnitType(&w, unitSRPBytesM)
		writeBlob(&w, M)
		c.queueHandshake(w.Bytes())

	case unitHandshakeAccept:
		mode, err := r.ReadBits(enumBits(netmodeMax))
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		idb, err := r.ReadBytes(16)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		peerName, err := readString(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		c.mode = Netmode(mode)
		copy(c.peerID[:], idb)
		c.name = peerName
		c.becomeConnected()

	case unitHandshakeDeny:
		code, err := r.ReadBits(enumBits(denyCodeMax))
		if err != nil || code > denyCodeMax {
			c.dropMalformed(err, ut)
			return
		}
		detail, err := readString(r)
		if err != nil {
			c.dropMalformed(err, ut)
			return
		}
		reason := denyError(denyCode(code), detail)
		c.log.Warn().Str("code", denyCode(code).String()).Str("detail", detail).
			Msg("handshake denied")
		c.teardown(reason)

	default:
		c.log.Debug().Stringer("unit", ut).Msg("dropping unexpected handshake unit")
		recordMalformed("payload")
	}
}

// accept finishes the handshake on the server side and tells the
// client.
func (c *Conn) accept() {
	h := c.host
	var w serial.Writer
	writeUnitType(&w, unitHandshakeAccept)
	w.WriteBits(uint64(h.mode), enumBits(netmodeMax))
	w.WriteBytes(h.id[:])
	writeString(&w, h.cfg.Name)
	if err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), nil, nil); err != nil {
		c.teardown(err)
		return
	}
	c.becomeConnected()
}

// deny refuses the handshake. The connection lingers until the deny
// unit is acknowledged or the handshake grace runs out, then closes
// with an error matching the code.
func (c *Conn) deny(code denyCode, detail string) {
	reason := denyError(code, detail)
	if c.reason == nil {
		c.reason = reason
	}
	if c.hs == nil {
		c.hs = &handshakeState{}
	}
	c.hs.denied = true

	var w serial.Writer
	writeUnitType(&w, unitHandshakeDeny)
	w.WriteBits(uint64(code), enumBits(denyCodeMax))
	writeString(&w, detail)
	err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), func() {
		c.teardown(reason)
	}, nil)
	if err != nil {
		c.teardown(reason)
		return
	}
	c.log.Info().Stringer("code", code).Str("detail", detail).Msg("handshake denied")
}

// denyError maps a wire deny code onto the error the connection
// closes with.
func denyError(code denyCode, detail string) error {
	base := ErrAccessDenied
	switch code {
	case denyMismatch:
		base = ErrProtocolMismatch
	case denyTooManyConns:
		base = ErrTooManyConns
	case denyShutdown:
		base = ErrClosed
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

func (c *Conn) queueHandshake(body []byte) {
	if err := c.queueUnit(ChannelReliableOrdered, body, nil, nil); err != nil {
		c.teardown(err)
	}
}

func (c *Conn) dropMalformed(err error, ut unitType) {
	c.log.Debug().Err(err).Stringer("unit", ut).Msg("dropping malformed unit")
	recordMalformed("payload")
}

func writeString(w *serial.Writer, s string) {
	w.WriteUvarint(uint64(len(s)))
	w.WriteBytes([]byte(s))
}

func readString(r *serial.Reader) (string, error) {
	b, err := readBlob(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBlob(w *serial.Writer, b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.WriteBytes(b)
}

func readBlob(r *serial.Reader) ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.BitsRemaining()/8) {
		return nil, ErrMalformedPayload
	}
	return r.ReadBytes(int(n))
}
