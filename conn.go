package replica

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirefell/replica/serial"
)

// ConnState is a connection lifecycle stage.
type ConnState uint8

const (
	// Transport association exists, identity not verified yet
	StateHandshaking ConnState = iota

	// Handshake accepted, replication and calls flow
	StateConnected

	// Teardown started, reliable channels get a grace period to
	// flush
	StateDisconnecting

	// Terminal. The host reaps closed connections.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// rttSmoothing weights the previous estimate when folding in a new
// round-trip sample.
const rttSmoothing = 0.8

// rpcBufferCap bounds the per-connection buffer of calls waiting for
// their target instance.
const rpcBufferCap = 128

// sentPacket remembers which units an outgoing packet carried so that
// packet-level acknowledgements resolve into unit outcomes.
type sentPacket struct {
	at    time.Time
	units [ChannelCount][]seqnum
}

type bufferedRPC struct {
	netID    NetID
	body     []byte
	deadline time.Time
}

// Conn is the session with one remote peer. Conns are owned by their
// Host and must only be touched from the goroutine driving
// Host.Service.
type Conn struct {
	host *Host
	log  zerolog.Logger

	addr   string
	state  ConnState
	opened time.Time
	reason error

	// remote identity, learned during the handshake
	peerID uuid.UUID
	name   string
	mode   Netmode

	channels [ChannelCount]*channel

	nextSeq seqnum
	sent    map[seqnum]*sentPacket
	acks    ackTracker
	needAck bool

	lastRecv time.Time
	lastSend time.Time

	rtt     time.Duration
	rttInit bool

	registry *InstanceRegistry
	repl     map[NetID]*replState
	rpcBuf   []bufferedRPC

	hs *handshakeState

	discoDeadline time.Time
	violations    int
}

func newConn(h *Host, addr string, now time.Time) *Conn {
	c := &Conn{
		host:     h,
		addr:     addr,
		state:    StateHandshaking,
		opened:   now,
		lastRecv: now,
		lastSend: now,
		nextSeq:  seqnumInit,
		sent:     make(map[seqnum]*sentPacket),
		registry: newInstanceRegistry(),
		repl:     make(map[NetID]*replState),
	}
	for i := range c.channels {
		c.channels[i] = newChannel(ChannelKind(i))
	}
	c.log = h.log.With().Str("addr", addr).Logger()
	return c
}

// Addr returns the transport address of the remote peer.
func (c *Conn) Addr() string { return c.addr }

// State returns the lifecycle stage.
func (c *Conn) State() ConnState { return c.state }

// Name returns the peer name announced during the handshake.
func (c *Conn) Name() string { return c.name }

// PeerID returns the peer identifier announced during the handshake.
func (c *Conn) PeerID() uuid.UUID { return c.peerID }

// RTT returns the smoothed round-trip estimate, zero before the first
// sample.
func (c *Conn) RTT() time.Duration { return c.rtt }

// CloseReason returns the error the connection closed with, nil while
// it is alive.
func (c *Conn) CloseReason() error { return c.reason }

// Violations counts authority violations attributed to the peer.
func (c *Conn) Violations() int { return c.violations }

// Registry returns the per-connection instance registry.
func (c *Conn) Registry() *InstanceRegistry { return c.registry }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() zerolog.Logger { return c.log }

// Close starts a graceful disconnect. Reliable channels get
// DisconnectGrace to flush before the connection reports closed.
func (c *Conn) Close() {
	c.beginDisconnect(ErrClosed, true)
}

// queueUnit queues one engine payload on the given channel. The
// payload must fit a single packet behind the header.
func (c *Conn) queueUnit(kind ChannelKind, body []byte, onAck, onLost func()) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if fragmentBits(2+len(body)) > (c.host.cfg.MTU-packetHeaderSize)*8 {
		return fmt.Errorf("%w: %d byte unit on %v channel", ErrFragmentTooLarge, len(body), kind)
	}
	c.channels[kind].send(body, onAck, onLost)
	return nil
}

// handleDatagram processes one arriving transport datagram.
func (c *Conn) handleDatagram(now time.Time, b []byte) {
	if c.state == StateClosed {
		return
	}
	hdr, frags, err := unpackPacket(b)
	if err != nil {
		c.log.Debug().Err(err).Int("bytes", len(b)).Msg("dropping malformed packet")
		recordMalformed("packet")
		return
	}
	recordPacketReceived(len(b))
	c.lastRecv = now

	c.processAcks(now, hdr.ack, hdr.ackBits)
	if !c.acks.record(hdr.seq) {
		recordDuplicate()
	}
	if len(frags) > 0 {
		c.needAck = true
	}

	for _, f := range frags {
		if len(f.payload) < 2 {
			c.log.Debug().Msg("dropping undersized fragment")
			recordMalformed("payload")
			continue
		}
		seq := seqnum(binary.BigEndian.Uint16(f.payload[:2]))
		bodies, dup := c.channels[f.channel].receive(seq, f.payload[2:])
		if dup {
			recordDuplicate()
		}
		for _, body := range bodies {
			c.handleUnit(now, body)
			if c.state == StateClosed {
				return
			}
		}
	}
}

// processAcks resolves outstanding packets against the remote ack
// fields. Packets that slid out of the window count as lost.
func (c *Conn) processAcks(now time.Time, ack seqnum, ackBits uint32) {
	for seq, sp := range c.sent {
		if ackCovers(ack, ackBits, seq) {
			c.sampleRTT(now.Sub(sp.at))
			for kind, seqs := range sp.units {
				for _, us := range seqs {
					c.channels[kind].ack(us)
				}
			}
			delete(c.sent, seq)
			continue
		}
		if moreRecent(ack, seq+ackWindow) {
			for kind, seqs := range sp.units {
				for _, us := range seqs {
					c.channels[kind].lost(us)
				}
			}
			delete(c.sent, seq)
		}
	}
}

func (c *Conn) sampleRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !c.rttInit {
		c.rtt = sample
		c.rttInit = true
	} else {
		c.rtt = time.Duration(float64(c.rtt)*rttSmoothing + float64(sample)*(1-rttSmoothing))
	}
	recordRTT(c.rtt)
}

// handleUnit dispatches one delivered unit body by its type tag.
func (c *Conn) handleUnit(now time.Time, body []byte) {
	r := serial.NewReader(body)
	ut, err := readUnitType(r)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping unreadable unit")
		recordMalformed("payload")
		return
	}

	if c.state == StateHandshaking {
		c.handleHandshakeUnit(now, ut, r)
		return
	}

	switch ut {
	case unitDisconnect:
		c.log.Info().Msg("peer disconnected")
		c.beginDisconnect(ErrClosed, false)
	case unitCreate:
		c.handleCreate(r)
	case unitDelta:
		c.handleDelta(r)
	case unitForget:
		c.handleForget(r)
	case unitRPC:
		c.handleRPCUnit(now, body)
	default:
		c.log.Debug().Stringer("unit", ut).Msg("dropping unexpected unit")
		recordMalformed("payload")
	}
}

// service advances the connection one tick: lifecycle timers first,
// then replication, then the send path.
func (c *Conn) service(now time.Time) {
	if c.state == StateClosed {
		return
	}
	if c.opened.IsZero() {
		c.opened = now
		c.lastRecv = now
		c.lastSend = now
	}
	cfg := c.host.cfg

	switch c.state {
	case StateHandshaking:
		if now.Sub(c.opened) > time.Duration(cfg.HandshakeGrace) {
			c.log.Info().Msg("handshake timed out")
			c.teardown(ErrTimedOut)
			return
		}
	case StateConnected:
		if now.Sub(c.lastRecv) > time.Duration(cfg.Timeout) {
			c.log.Info().Dur("silence", now.Sub(c.lastRecv)).Msg("peer timed out")
			c.beginDisconnect(ErrTimedOut, false)
			break
		}
		c.expireRPCBuffer(now)
		c.replicate()
	case StateDisconnecting:
		if c.discoDeadline.IsZero() {
			c.discoDeadline = now.Add(time.Duration(cfg.DisconnectGrace))
		}
		if !c.hasUnsettledReliable() || now.After(c.discoDeadline) {
			// the peer retransmits its disconnect unit until the
			// carrying packet is acked, so settle that debt first
			if c.needAck {
				c.flush(now)
			}
			c.teardown(c.reason)
			return
		}
	}

	if c.state != StateClosed {
		c.flush(now)
	}
}

// flush gathers due units from every channel, packs them into packets
// and hands them to the transport. With nothing due it still emits a
// header-only packet when acks are owed or the keep-alive interval
// elapsed.
func (c *Conn) flush(now time.Time) {
	cfg := c.host.cfg

	type unitRef struct {
		kind ChannelKind
		u    *unit
	}
	var frags []fragment
	var refs []unitRef

	for kind := ChannelKind(0); kind < ChannelCount; kind++ {
		ch := c.channels[kind]
		due, err := ch.due(now, cfg.RetryLimit)
		if err != nil {
			c.log.Warn().Err(err).Msg("reliable delivery gave up")
			c.teardown(err)
			return
		}
		for _, u := range due {
			if u.attempts > 0 {
				recordRetransmission()
			}
			payload := make([]byte, 2+len(u.body))
			binary.BigEndian.PutUint16(payload[:2], uint16(u.seq))
			copy(payload[2:], u.body)
			frags = append(frags, fragment{channel: kind, payload: payload})
			refs = append(refs, unitRef{kind, u})
		}
	}

	if len(frags) == 0 {
		keepAliveDue := c.state == StateConnected &&
			now.Sub(c.lastSend) >= time.Duration(cfg.KeepAlive)
		if !c.needAck && !keepAliveDue {
			return
		}
	}

	ack, ackBits := c.acks.fields()
	pkts, err := packPackets(c.nextSeq, ack, ackBits, frags, cfg.MTU)
	if err != nil {
		c.log.Error().Err(err).Msg("packet build failed")
		c.teardown(err)
		return
	}
	c.nextSeq += seqnum(len(pkts))

	for _, p := range pkts {
		sp := &sentPacket{at: now}
		for _, fi := range p.frags {
			ref := refs[fi]
			c.channels[ref.kind].markSent(ref.u, now,
				time.Duration(cfg.BackoffBase), time.Duration(cfg.BackoffCap))
			sp.units[ref.kind] = append(sp.units[ref.kind], ref.u.seq)
		}
		c.sent[p.seq] = sp
		if err := c.host.transport.Send(c.addr, p.data); err != nil {
			c.log.Debug().Err(err).Msg("transport send failed")
		}
		recordPacketSent(len(p.data))
	}
	c.lastSend = now
	c.needAck = false
}

func (c *Conn) hasUnsettledReliable() bool {
	return c.channels[ChannelReliableOrdered].unsettled() ||
		c.channels[ChannelReliableUnordered].unsettled()
}

// beginDisconnect moves the connection into the flushing stage. When
// notify is set a disconnect unit goes out so the peer closes too.
func (c *Conn) beginDisconnect(reason error, notify bool) {
	if c.state == StateDisconnecting || c.state == StateClosed {
		return
	}
	c.state = StateDisconnecting
	if c.reason == nil {
		c.reason = reason
	}
	if notify {
		var w serial.Writer
		writeUnitType(&w, unitDisconnect)
		if err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), nil, nil); err != nil {
			c.log.Debug().Err(err).Msg("disconnect notice not queued")
		}
	}
	c.log.Info().AnErr("reason", reason).Msg("disconnecting")
}

// teardown abandons all channel state and closes immediately.
func (c *Conn) teardown(reason error) {
	if c.state == StateClosed {
		return
	}
	if c.reason == nil {
		c.reason = reason
	}
	for _, ch := range c.channels {
		ch.abandon()
	}
	c.state = StateClosed
	if c.host.mode == NetmodeClient {
		// shadows received over this connection die with it
		for _, inst := range c.registry.byID {
			c.host.world.releaseShadow(inst)
		}
	}
	c.registry.Clear()
	c.repl = make(map[NetID]*replState)
	c.rpcBuf = nil
	c.hs = nil
}

// becomeConnected finishes the handshake on this side.
func (c *Conn) becomeConnected() {
	c.state = StateConnected
	c.hs = nil
	c.log.Info().Str("name", c.name).Stringer("peer", c.peerID).Msg("connected")
	c.host.notifyConnect(c)
}

func (c *Conn) flagViolation(layer, what string) {
	c.violations++
	recordAuthorityViolation(layer)
	c.log.Warn().Str("what", what).Int("violations", c.violations).
		Err(ErrAuthorityViolation).Msg("peer overstepped its authority")
}

func (c *Conn) expireRPCBuffer(now time.Time) {
	if len(c.rpcBuf) == 0 {
		return
	}
	kept := c.rpcBuf[:0]
	for _, b := range c.rpcBuf {
		if now.After(b.deadline) {
			c.log.Debug().Uint16("net_id", uint16(b.netID)).
				Err(ErrDispatchTargetMissing).Msg("dropping buffered call")
			recordRPCRejected("target-missing")
			continue
		}
		kept = append(kept, b)
	}
	c.rpcBuf = kept
}
