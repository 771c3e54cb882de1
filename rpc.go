package replica

import (
	"fmt"
	"time"

	"github.com/mirefell/replica/serial"
)

// Invoke serializes a declared call on inst and queues it toward the
// executing side. A call whose target side is the local one runs the
// registered handler directly. Arguments must match the declaration
// in count, kind and range.
func (h *Host) Invoke(inst *Replicable, name string, args ...any) error {
	if inst == nil {
		return fmt.Errorf("replica: call on a nil instance")
	}
	idx, ok := inst.class.rpcIndex[name]
	if !ok {
		return fmt.Errorf("replica: class %s has no call %s", inst.class.name, name)
	}
	def := inst.class.rpcs[idx]
	if len(args) != len(def.Args) {
		return fmt.Errorf("replica: %s.%s takes %d arguments, have %d",
			inst.class.name, name, len(def.Args), len(args))
	}
	for i, a := range def.Args {
		if !valueOK(a.Kind, a.Max, a.Bits, args[i]) {
			return fmt.Errorf("replica: %s.%s argument %s: %T does not match %v",
				inst.class.name, name, a.Name, args[i], a.Kind)
		}
	}

	if def.Target.localTo(h.mode) {
		h.execRPC(nil, inst, idx, args)
		return nil
	}

	body, err := encodeRPCUnit(inst, idx, args)
	if err != nil {
		return err
	}

	switch def.Target {
	case TargetServer:
		via := inst.via
		if via == nil || via.state != StateConnected {
			return fmt.Errorf("%w: no server connection for %s.%s", ErrClosed, inst.class.name, name)
		}
		return via.queueUnit(ChannelReliableOrdered, body, nil, nil)

	case TargetClient:
		owner := inst.owner
		if owner == nil {
			return fmt.Errorf("%w: %s has no owner for %s", ErrDispatchTargetMissing, inst.class.name, name)
		}
		return owner.queueUnit(ChannelReliableOrdered, body, nil, nil)

	default: // TargetMulticast
		for _, c := range h.order {
			if c.state != StateConnected {
				continue
			}
			st := c.repl[inst.id]
			if st == nil || !st.confirmed {
				continue
			}
			if err := c.queueUnit(ChannelReliableOrdered, body, nil, nil); err != nil {
				c.log.Debug().Err(err).Str("call", name).Msg("multicast call not queued")
			}
		}
		return nil
	}
}

// localTo reports whether calls with this target execute on a host
// running in mode.
func (t Target) localTo(mode Netmode) bool {
	if t == TargetServer {
		return mode == NetmodeServer
	}
	return mode == NetmodeClient
}

func encodeRPCUnit(inst *Replicable, idx int, args []any) ([]byte, error) {
	var w serial.Writer
	writeUnitType(&w, unitRPC)
	w.WriteBits(uint64(inst.id), 16)
	w.WriteUvarint(uint64(idx))
	for i, h := range inst.class.argHandlers[idx] {
		if err := h.Write(&w, args[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

// execRPC runs the registered handler for a call, if any. from is nil
// for locally invoked calls.
func (h *Host) execRPC(from *Conn, inst *Replicable, idx int, args []any) {
	fn := h.world.rpcHandler(inst.class, idx)
	if fn == nil {
		log := h.log
		if from != nil {
			log = from.log
		}
		log.Debug().Str("class", inst.class.name).
			Str("call", inst.class.rpcs[idx].Name).Msg("call has no handler")
		return
	}
	fn(inst, args)
	recordRPCDispatched()
}

// handleRPCUnit processes an arriving call unit. Units naming an
// instance this connection does not know yet are buffered and retried
// when the instance appears, for at most RPCBufferGrace.
func (c *Conn) handleRPCUnit(now time.Time, body []byte) {
	r := serial.NewReader(body)
	if _, err := readUnitType(r); err != nil {
		return
	}
	idv, err := r.ReadBits(16)
	if err != nil {
		c.dropMalformed(err, unitRPC)
		return
	}
	id := NetID(idv)
	inst := c.registry.ByID(id)
	if inst == nil {
		if len(c.rpcBuf) >= rpcBufferCap {
			c.log.Debug().Uint16("net_id", uint16(id)).Msg("call buffer full, dropping")
			recordRPCRejected("buffer-full")
			return
		}
		c.rpcBuf = append(c.rpcBuf, bufferedRPC{
			netID:    id,
			body:     body,
			deadline: now.Add(time.Duration(c.host.cfg.RPCBufferGrace)),
		})
		return
	}
	c.dispatchRPC(inst, r)
}

// dispatchRPC decodes the call index and arguments and runs the
// authority checks before execution.
func (c *Conn) dispatchRPC(inst *Replicable, r *serial.Reader) {
	idx64, err := r.ReadUvarint()
	if err != nil || idx64 >= uint64(len(inst.class.rpcs)) {
		c.dropMalformed(err, unitRPC)
		return
	}
	idx := int(idx64)
	def := inst.class.rpcs[idx]

	if c.host.mode == NetmodeServer {
		if def.Target != TargetServer {
			c.flagViolation("rpc", "client-bound call sent to server")
			return
		}
		if inst.owner != c {
			c.flagViolation("rpc", "call on an instance the peer does not own")
			return
		}
	} else if def.Target == TargetServer {
		c.flagViolation("rpc", "server-bound call sent to client")
		return
	}

	args := make([]any, len(def.Args))
	for i, h := range inst.class.argHandlers[idx] {
		v, err := h.Read(r)
		if err != nil {
			c.dropMalformed(err, unitRPC)
			return
		}
		args[i] = v
	}
	c.host.execRPC(c, inst, idx, args)
}

// retryBufferedRPCs dispatches calls that were waiting for id.
func (c *Conn) retryBufferedRPCs(id NetID) {
	if len(c.rpcBuf) == 0 {
		return
	}
	inst := c.registry.ByID(id)
	kept := c.rpcBuf[:0]
	for _, b := range c.rpcBuf {
		if b.netID != id {
			kept = append(kept, b)
			continue
		}
		r := serial.NewReader(b.body)
		if _, err := readUnitType(r); err != nil {
			continue
		}
		if _, err := r.ReadBits(16); err != nil {
			continue
		}
		c.dispatchRPC(inst, r)
	}
	c.rpcBuf = kept
}
