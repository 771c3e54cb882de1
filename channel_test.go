package replica

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestChannelOrderedReorder(t *testing.T) {
	ch := newChannel(ChannelReliableOrdered)
	first := seqnumInit

	out, dup := ch.receive(first, []byte("a"))
	if dup || len(out) != 1 || !bytes.Equal(out[0], []byte("a")) {
		t.Fatalf("first unit: out %q dup %v", out, dup)
	}

	// the middle unit is still missing, hold the later one
	out, dup = ch.receive(first+2, []byte("c"))
	if dup || len(out) != 0 {
		t.Fatalf("gapped unit: out %q dup %v, want held", out, dup)
	}

	// the gap closes and both come out in order
	out, dup = ch.receive(first+1, []byte("b"))
	if dup {
		t.Fatal("gap fill flagged as duplicate")
	}
	if len(out) != 2 || !bytes.Equal(out[0], []byte("b")) || !bytes.Equal(out[1], []byte("c")) {
		t.Fatalf("gap fill delivered %q, want [b c]", out)
	}

	// duplicates of delivered and held units are suppressed
	if out, dup = ch.receive(first, []byte("a")); !dup || len(out) != 0 {
		t.Errorf("duplicate of delivered unit: out %q dup %v", out, dup)
	}
	out, _ = ch.receive(first+4, []byte("e"))
	if len(out) != 0 {
		t.Fatalf("gapped unit delivered early: %q", out)
	}
	if _, dup = ch.receive(first+4, []byte("e")); !dup {
		t.Error("duplicate of held unit not suppressed")
	}
}

func TestChannelOrderedWraparound(t *testing.T) {
	ch := newChannel(ChannelReliableOrdered)
	// seqnumInit sits close to the counter limit, so a few dozen
	// units cross the wraparound.
	for i := 0; i < 100; i++ {
		seq := seqnumInit + seqnum(i)
		out, dup := ch.receive(seq, []byte{byte(i)})
		if dup || len(out) != 1 || out[0][0] != byte(i) {
			t.Fatalf("unit %d (seq %d): out %v dup %v", i, seq, out, dup)
		}
	}
}

func TestChannelUnorderedDedup(t *testing.T) {
	ch := newChannel(ChannelReliableUnordered)
	first := seqnumInit

	// arrival order is delivery order, gaps do not hold anything
	for _, i := range []seqnum{2, 0, 1} {
		out, dup := ch.receive(first+i, []byte{byte(i)})
		if dup || len(out) != 1 || out[0][0] != byte(i) {
			t.Fatalf("unit %d: out %v dup %v", i, out, dup)
		}
	}
	for _, i := range []seqnum{0, 1, 2} {
		if out, dup := ch.receive(first+i, []byte{byte(i)}); !dup || len(out) != 0 {
			t.Errorf("duplicate %d not suppressed: out %v dup %v", i, out, dup)
		}
	}
}

func TestChannelUnreliableRecency(t *testing.T) {
	ch := newChannel(ChannelUnreliable)
	first := seqnumInit

	if out, dup := ch.receive(first+5, []byte("new")); dup || len(out) != 1 {
		t.Fatalf("fresh unit: out %q dup %v", out, dup)
	}
	// anything at or before the newest delivery is stale
	if out, dup := ch.receive(first+5, []byte("same")); !dup || len(out) != 0 {
		t.Errorf("same seq delivered twice: out %q dup %v", out, dup)
	}
	if out, dup := ch.receive(first+2, []byte("old")); !dup || len(out) != 0 {
		t.Errorf("stale unit delivered: out %q dup %v", out, dup)
	}
	if out, dup := ch.receive(first+6, []byte("newer")); dup || len(out) != 1 {
		t.Errorf("newer unit dropped: out %q dup %v", out, dup)
	}
}

func TestChannelResendSchedule(t *testing.T) {
	const base = 100 * time.Millisecond
	const limit = time.Second
	now := time.Unix(1, 0)

	ch := newChannel(ChannelReliableOrdered)
	ch.send([]byte("x"), nil, nil)

	due, err := ch.due(now, 8)
	if err != nil || len(due) != 1 {
		t.Fatalf("fresh unit not due: %v %v", due, err)
	}
	u := due[0]
	ch.markSent(u, now, base, limit)

	// not due again until the backoff elapses
	if due, _ = ch.due(now.Add(base-time.Millisecond), 8); len(due) != 0 {
		t.Fatalf("unit due before backoff elapsed")
	}
	now = now.Add(base)
	if due, _ = ch.due(now, 8); len(due) != 1 {
		t.Fatalf("unit not due after backoff")
	}
	ch.markSent(u, now, base, limit)

	// second retransmission waits twice as long
	if due, _ = ch.due(now.Add(2*base-time.Millisecond), 8); len(due) != 0 {
		t.Fatalf("unit due before doubled backoff elapsed")
	}
	if due, _ = ch.due(now.Add(2*base), 8); len(due) != 1 {
		t.Fatalf("unit not due after doubled backoff")
	}
}

func TestChannelRetryExhausted(t *testing.T) {
	const retryLimit = 3
	now := time.Unix(1, 0)

	ch := newChannel(ChannelReliableUnordered)
	ch.send([]byte("x"), nil, nil)

	sends := 0
	var lastErr error
	for i := 0; i < 20; i++ {
		due, err := ch.due(now, retryLimit)
		if err != nil {
			lastErr = err
			break
		}
		for _, u := range due {
			ch.markSent(u, now, 100*time.Millisecond, time.Second)
			sends++
		}
		now = now.Add(2 * time.Second)
	}

	if !errors.Is(lastErr, ErrChannelRetryExhausted) {
		t.Fatalf("err = %v, want ErrChannelRetryExhausted", lastErr)
	}
	if want := retryLimit + 1; sends != want {
		t.Fatalf("unit sent %d times, want %d", sends, want)
	}
}

func TestChannelAckSettles(t *testing.T) {
	now := time.Unix(1, 0)
	ch := newChannel(ChannelReliableOrdered)

	acked := 0
	u := ch.send([]byte("x"), func() { acked++ }, nil)
	due, _ := ch.due(now, 8)
	ch.markSent(due[0], now, 100*time.Millisecond, time.Second)

	if !ch.unsettled() {
		t.Fatal("in-flight unit reported settled")
	}
	ch.ack(u.seq)
	if acked != 1 {
		t.Fatalf("onAck fired %d times, want 1", acked)
	}
	if ch.unsettled() {
		t.Fatal("acknowledged unit still unsettled")
	}
	if due, _ := ch.due(now.Add(time.Hour), 8); len(due) != 0 {
		t.Fatalf("acknowledged unit still due: %v", due)
	}

	// a second ack for the same unit is a no-op
	ch.ack(u.seq)
	if acked != 1 {
		t.Fatalf("onAck fired again on duplicate ack")
	}
}

func TestChannelLostReliable(t *testing.T) {
	now := time.Unix(1, 0)
	ch := newChannel(ChannelReliableOrdered)

	u := ch.send([]byte("x"), nil, nil)
	due, _ := ch.due(now, 8)
	ch.markSent(due[0], now, time.Hour, time.Hour)

	if due, _ := ch.due(now.Add(time.Minute), 8); len(due) != 0 {
		t.Fatal("unit due before loss was detected")
	}
	if !ch.lost(u.seq) {
		t.Fatal("loss of a reliable unit did not schedule a resend")
	}
	if due, _ := ch.due(now.Add(time.Minute), 8); len(due) != 1 {
		t.Fatal("lost reliable unit not due immediately")
	}
}

func TestChannelLostWatched(t *testing.T) {
	now := time.Unix(1, 0)
	ch := newChannel(ChannelUnreliable)

	lostCalls := 0
	u := ch.send([]byte("x"), nil, func() { lostCalls++ })
	due, _ := ch.due(now, 8)
	ch.markSent(due[0], now, 100*time.Millisecond, time.Second)

	// unreliable units are never retransmitted
	if due, _ := ch.due(now.Add(time.Hour), 8); len(due) != 0 {
		t.Fatal("unreliable unit scheduled for resend")
	}
	if ch.lost(u.seq) {
		t.Fatal("loss of an unreliable unit scheduled a resend")
	}
	if lostCalls != 1 {
		t.Fatalf("onLost fired %d times, want 1", lostCalls)
	}
	// the unit is forgotten afterwards
	ch.lost(u.seq)
	ch.ack(u.seq)
	if lostCalls != 1 {
		t.Fatalf("callbacks fired after the unit was resolved")
	}
}

func TestBackoffDelay(t *testing.T) {
	const base = 200 * time.Millisecond
	const limit = 3 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 3 * time.Second},
		{50, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, limit, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
