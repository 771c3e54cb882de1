package replica

import (
	"fmt"
	"time"
)

// dedupWindow bounds the set of recently seen unit sequence numbers
// kept per reliable-unordered channel for duplicate suppression.
const dedupWindow = 256

// unit is one queued payload on a channel. Reliable units stay in
// flight until acknowledged or out of attempts; unreliable units with
// callbacks are watched for the fate of their carrying packet.
type unit struct {
	seq      seqnum
	body     []byte
	attempts int
	nextSend time.Time
	onAck    func()
	onLost   func()
}

// channel tracks delivery state for one (connection, kind) pair.
type channel struct {
	kind ChannelKind

	nextSeq seqnum
	queue   []*unit
	pending map[seqnum]*unit
	watch   map[seqnum]*unit

	lastRecv    seqnum
	recvInit    bool
	nextDeliver seqnum
	reorder     map[seqnum][]byte
	seen        map[seqnum]struct{}
	seenOrder   []seqnum
}

func newChannel(kind ChannelKind) *channel {
	return &channel{
		kind:        kind,
		nextSeq:     seqnumInit,
		nextDeliver: seqnumInit,
		pending:     make(map[seqnum]*unit),
		watch:       make(map[seqnum]*unit),
		reorder:     make(map[seqnum][]byte),
		seen:        make(map[seqnum]struct{}),
	}
}

func (ch *channel) reliable() bool { return ch.kind != ChannelUnreliable }

// send queues body for delivery. onAck fires once when the carrying
// packet is acknowledged, onLost when it drops out of the ack window
// (unreliable units only; reliable ones resend instead).
func (ch *channel) send(body []byte, onAck, onLost func()) *unit {
	u := &unit{seq: ch.nextSeq, body: body, onAck: onAck, onLost: onLost}
	ch.nextSeq++
	ch.queue = append(ch.queue, u)
	return u
}

// due moves fresh units out of the queue and gathers reliable ones
// whose resend timer expired. A unit out of attempts fails the call
// with ErrChannelRetryExhausted, fatal for the owning connection.
func (ch *channel) due(now time.Time, retryLimit int) ([]*unit, error) {
	var out []*unit
	for _, u := range ch.pending {
		if u.nextSend.After(now) {
			continue
		}
		if u.attempts > retryLimit {
			return nil, fmt.Errorf("%w: unit %d on %v channel after %d retransmissions",
				ErrChannelRetryExhausted, u.seq, ch.kind, u.attempts-1)
		}
		out = append(out, u)
	}
	out = append(out, ch.queue...)
	ch.queue = nil
	return out, nil
}

// markSent records one send attempt for u and starts tracking it.
func (ch *channel) markSent(u *unit, now time.Time, base, limit time.Duration) {
	u.attempts++
	if ch.reliable() {
		u.nextSend = now.Add(backoffDelay(base, limit, u.attempts))
		ch.pending[u.seq] = u
	} else if u.onAck != nil || u.onLost != nil {
		ch.watch[u.seq] = u
	}
}

// ack resolves a unit whose carrying packet was acknowledged.
func (ch *channel) ack(seq seqnum) {
	if u, ok := ch.pending[seq]; ok {
		delete(ch.pending, seq)
		if u.onAck != nil {
			u.onAck()
		}
		return
	}
	if u, ok := ch.watch[seq]; ok {
		delete(ch.watch, seq)
		if u.onAck != nil {
			u.onAck()
		}
	}
}

// lost handles a unit whose carrying packet fell out of the ack
// window unacknowledged. Reliable units become due immediately,
// watched unreliable units report loss and are forgotten. It reports
// whether a resend got scheduled.
func (ch *channel) lost(seq seqnum) bool {
	if u, ok := ch.pending[seq]; ok {
		u.nextSend = time.Time{}
		return true
	}
	if u, ok := ch.watch[seq]; ok {
		delete(ch.watch, seq)
		if u.onLost != nil {
			u.onLost()
		}
	}
	return false
}

// receive processes an arriving unit and returns the bodies to hand
// upward, in delivery order. dup reports a suppressed duplicate or
// stale arrival.
func (ch *channel) receive(seq seqnum, body []byte) (out [][]byte, dup bool) {
	switch ch.kind {
	case ChannelUnreliable:
		if ch.recvInit && !moreRecent(seq, ch.lastRecv) {
			return nil, true
		}
		ch.recvInit = true
		ch.lastRecv = seq
		return [][]byte{body}, false

	case ChannelReliableUnordered:
		if _, ok := ch.seen[seq]; ok {
			return nil, true
		}
		ch.remember(seq)
		return [][]byte{body}, false

	case ChannelReliableOrdered:
		if seq == ch.nextDeliver {
			out = append(out, body)
			ch.nextDeliver++
			for {
				b, ok := ch.reorder[ch.nextDeliver]
				if !ok {
					break
				}
				delete(ch.reorder, ch.nextDeliver)
				out = append(out, b)
				ch.nextDeliver++
			}
			return out, false
		}
		if moreRecent(seq, ch.nextDeliver) {
			if _, ok := ch.reorder[seq]; ok {
				return nil, true
			}
			ch.reorder[seq] = body
			return nil, false
		}
		return nil, true
	}
	return nil, false
}

func (ch *channel) remember(seq seqnum) {
	ch.seen[seq] = struct{}{}
	ch.seenOrder = append(ch.seenOrder, seq)
	if len(ch.seenOrder) > dedupWindow {
		delete(ch.seen, ch.seenOrder[0])
		ch.seenOrder = ch.seenOrder[1:]
	}
}

// unsettled reports whether units remain queued or in flight.
func (ch *channel) unsettled() bool {
	return len(ch.queue) > 0 || len(ch.pending) > 0
}

// abandon drops all outstanding sends without invoking callbacks.
func (ch *channel) abandon() {
	ch.queue = nil
	ch.pending = make(map[seqnum]*unit)
	ch.watch = make(map[seqnum]*unit)
}

// backoffDelay returns the resend delay after the given send attempt,
// doubling from base up to limit.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}
