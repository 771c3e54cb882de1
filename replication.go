package replica

import (
	"math"

	"github.com/mirefell/replica/serial"
)

// replState tracks what one connection has been told about one
// instance. acked holds the per-field versions the peer confirmed,
// sent the versions carried by updates still in flight. A field is
// due when its version exceeds both.
type replState struct {
	inst      *Replicable
	confirmed bool
	acked     []uint64
	sent      []uint64
}

type carried struct {
	field   int
	version uint64
}

// relevantTo applies the interest policy. Owners always see their
// instances, and without a policy everything is relevant.
func (h *Host) relevantTo(inst *Replicable, c *Conn) bool {
	if inst.owner == c {
		return true
	}
	if h.relevance == nil {
		return true
	}
	return h.relevance(inst, c)
}

// replicate runs one replication pass toward this connection:
// tombstones for instances that died or dropped out of interest,
// then creations and deltas for the relevant set.
func (c *Conn) replicate() {
	if c.host.mode != NetmodeServer {
		return
	}
	for id, st := range c.repl {
		if st.inst.destroyed || !c.host.relevantTo(st.inst, c) {
			c.queueForget(id)
			delete(c.repl, id)
			c.registry.Remove(id)
		}
	}
	for _, inst := range c.host.world.order {
		if !c.host.relevantTo(inst, c) {
			continue
		}
		st := c.repl[inst.id]
		if st == nil {
			c.startReplicating(inst)
			continue
		}
		if !st.confirmed {
			continue
		}
		c.queueDelta(st)
	}
}

// startReplicating sends the creation unit: class, wire id and a full
// snapshot of every field the peer may see. Deltas are withheld until
// the snapshot is acknowledged.
func (c *Conn) startReplicating(inst *Replicable) {
	st := &replState{
		inst:  inst,
		acked: make([]uint64, len(inst.values)),
		sent:  make([]uint64, len(inst.values)),
	}
	set := make([]bool, len(inst.values))
	for i, p := range inst.class.props {
		if p.Policy == PolicyOwnerOnly && inst.owner != c {
			continue
		}
		set[i] = true
		st.sent[i] = inst.versions[i]
	}

	var w serial.Writer
	writeUnitType(&w, unitCreate)
	w.WriteUvarint(uint64(inst.class.id))
	w.WriteBits(uint64(inst.id), 16)
	if err := serial.EncodeDelta(&w, inst.class.propHandlers, inst.values, set); err != nil {
		c.log.Error().Err(err).Str("class", inst.class.name).Msg("snapshot encode failed")
		return
	}

	snapshot := append([]uint64(nil), st.sent...)
	err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), func() {
		st.confirmed = true
		for i, v := range snapshot {
			if v > st.acked[i] {
				st.acked[i] = v
			}
		}
	}, nil)
	if err != nil {
		c.log.Error().Err(err).Str("class", inst.class.name).Msg("snapshot does not fit a packet")
		c.teardown(err)
		return
	}
	c.repl[inst.id] = st
	c.registry.Add(inst.id, inst)
}

// queueDelta sends the fields the peer still lacks, grouped into one
// unreliable unit. Loss rolls the in-flight versions back so the next
// pass resends current values instead of stale bytes.
func (c *Conn) queueDelta(st *replState) {
	inst := st.inst
	set := make([]bool, len(inst.values))
	var tracked []carried
	due := false

	for i := range inst.class.props {
		p := &inst.class.props[i]
		switch p.Policy {
		case PolicyInitialOnly:
			continue
		case PolicyAlways:
			set[i] = true
			due = true
			continue
		case PolicyOwnerOnly:
			if inst.owner != c {
				continue
			}
		}
		if v := inst.versions[i]; v > st.acked[i] && v > st.sent[i] {
			set[i] = true
			due = true
			tracked = append(tracked, carried{i, v})
		}
	}
	if !due {
		return
	}

	var w serial.Writer
	writeUnitType(&w, unitDelta)
	w.WriteBits(uint64(inst.id), 16)
	if err := serial.EncodeDelta(&w, inst.class.propHandlers, inst.values, set); err != nil {
		c.log.Error().Err(err).Str("class", inst.class.name).Msg("delta encode failed")
		return
	}

	var onAck, onLost func()
	if len(tracked) > 0 {
		onAck = func() {
			for _, t := range tracked {
				if t.version > st.acked[t.field] {
					st.acked[t.field] = t.version
				}
			}
		}
		onLost = func() {
			for _, t := range tracked {
				if st.sent[t.field] == t.version {
					st.sent[t.field] = st.acked[t.field]
				}
			}
		}
	}
	if err := c.queueUnit(ChannelUnreliable, w.Bytes(), onAck, onLost); err != nil {
		c.log.Error().Err(err).Str("class", inst.class.name).Msg("delta does not fit a packet")
		c.teardown(err)
		return
	}
	for _, t := range tracked {
		st.sent[t.field] = t.version
	}
}

// queueForget sends the tombstone for a wire id.
func (c *Conn) queueForget(id NetID) {
	var w serial.Writer
	writeUnitType(&w, unitForget)
	w.WriteBits(uint64(id), 16)
	if err := c.queueUnit(ChannelReliableOrdered, w.Bytes(), nil, nil); err != nil {
		c.log.Debug().Err(err).Msg("tombstone not queued")
	}
}

type fieldValue struct {
	index int
	value any
}

// decodeStaged decodes a field group without applying it, so that a
// malformed unit leaves no partial state behind.
func decodeStaged(r *serial.Reader, hs []serial.Handler) ([]fieldValue, error) {
	var out []fieldValue
	err := serial.DecodeDelta(r, hs, func(i int, v any) error {
		out = append(out, fieldValue{i, v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Conn) handleCreate(r *serial.Reader) {
	if c.host.mode == NetmodeServer {
		c.flagViolation("repl", "instance creation")
		return
	}
	classID, err := r.ReadUvarint()
	if err != nil || classID > math.MaxUint32 {
		c.dropMalformed(err, unitCreate)
		return
	}
	idv, err := r.ReadBits(16)
	if err != nil {
		c.dropMalformed(err, unitCreate)
		return
	}
	class := c.host.table.ClassByID(uint32(classID))
	if class == nil {
		c.log.Debug().Uint64("class_id", classID).Msg("creation names unknown class")
		recordMalformed("payload")
		return
	}
	id := NetID(idv)

	fields, err := decodeStaged(r, class.propHandlers)
	if err != nil {
		c.dropMalformed(err, unitCreate)
		return
	}

	inst := c.registry.ByID(id)
	fresh := false
	if inst == nil {
		inst = c.host.world.spawnShadow(class, id)
		inst.via = c
		c.registry.Add(id, inst)
		fresh = true
	} else if inst.class != class {
		c.log.Warn().Uint16("net_id", uint16(id)).Msg("creation collides with live instance")
		recordMalformed("payload")
		return
	}
	for _, f := range fields {
		inst.setFromWire(f.index, f.value)
	}
	recordPropertyUpdates(len(fields))
	if fresh {
		c.host.world.notifySpawn(inst)
		c.retryBufferedRPCs(id)
	}
}

func (c *Conn) handleDelta(r *serial.Reader) {
	if c.host.mode == NetmodeServer {
		c.flagViolation("repl", "state update")
		return
	}
	idv, err := r.ReadBits(16)
	if err != nil {
		c.dropMalformed(err, unitDelta)
		return
	}
	inst := c.registry.ByID(NetID(idv))
	if inst == nil {
		// a tombstone can race a late update
		c.log.Debug().Uint16("net_id", uint16(idv)).Msg("update names unknown instance")
		return
	}
	fields, err := decodeStaged(r, inst.class.propHandlers)
	if err != nil {
		c.dropMalformed(err, unitDelta)
		return
	}
	for _, f := range fields {
		inst.setFromWire(f.index, f.value)
	}
	recordPropertyUpdates(len(fields))
	for _, f := range fields {
		if inst.class.props[f.index].Notify {
			c.host.world.notifyChange(inst, f.index)
		}
	}
}

func (c *Conn) handleForget(r *serial.Reader) {
	if c.host.mode == NetmodeServer {
		c.flagViolation("repl", "instance removal")
		return
	}
	idv, err := r.ReadBits(16)
	if err != nil {
		c.dropMalformed(err, unitForget)
		return
	}
	id := NetID(idv)
	inst := c.registry.ByID(id)
	if inst == nil {
		c.log.Debug().Uint16("net_id", uint16(id)).Msg("tombstone names unknown instance")
		return
	}
	c.registry.Remove(id)
	c.host.world.releaseShadow(inst)
}
