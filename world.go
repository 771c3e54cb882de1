package replica

import "fmt"

// World owns the live instance set of a host plus the application
// hooks fired as instances appear, change and go away.
type World struct {
	table *TypeTable
	mode  Netmode

	instances map[NetID]*Replicable
	// order preserves spawn order so replication walks instances
	// deterministically.
	order  []*Replicable
	nextID NetID

	rpcHandlers map[*Class][]func(*Replicable, []any)

	onSpawn   func(*Replicable)
	onDestroy func(*Replicable)
	onChange  func(*Replicable, int)
}

func newWorld(table *TypeTable, mode Netmode) *World {
	return &World{
		table:       table,
		mode:        mode,
		instances:   make(map[NetID]*Replicable),
		rpcHandlers: make(map[*Class][]func(*Replicable, []any)),
	}
}

// Spawn creates an authoritative instance of class c and assigns it a
// fresh network identifier. Only server hosts spawn.
func (w *World) Spawn(c *Class) (*Replicable, error) {
	if w.mode != NetmodeServer {
		return nil, fmt.Errorf("%w: spawn on a %v host", ErrAuthorityViolation, w.mode)
	}
	if c == nil || w.table.ClassByID(c.id) != c {
		return nil, fmt.Errorf("replica: class is not registered with this host")
	}
	id, ok := w.allocID()
	if !ok {
		return nil, fmt.Errorf("replica: network identifiers exhausted")
	}
	inst := newReplicable(c, id, true)
	w.instances[id] = inst
	w.order = append(w.order, inst)
	if w.onSpawn != nil {
		w.onSpawn(inst)
	}
	return inst, nil
}

// Destroy retires an authoritative instance. Connections that know it
// receive a tombstone on their next replication pass.
func (w *World) Destroy(inst *Replicable) error {
	if inst == nil || inst.destroyed {
		return nil
	}
	if !inst.authoritative {
		return fmt.Errorf("%w: destroy of a shadow instance", ErrAuthorityViolation)
	}
	inst.destroyed = true
	w.remove(inst)
	if w.onDestroy != nil {
		w.onDestroy(inst)
	}
	return nil
}

// spawnShadow registers a remotely created instance. The caller fires
// the spawn hook once the initial snapshot has been applied.
func (w *World) spawnShadow(c *Class, id NetID) *Replicable {
	inst := newReplicable(c, id, false)
	w.instances[id] = inst
	w.order = append(w.order, inst)
	return inst
}

// releaseShadow retires a shadow instance after its tombstone.
func (w *World) releaseShadow(inst *Replicable) {
	inst.destroyed = true
	w.remove(inst)
	if w.onDestroy != nil {
		w.onDestroy(inst)
	}
}

func (w *World) remove(inst *Replicable) {
	delete(w.instances, inst.id)
	for i, o := range w.order {
		if o == inst {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *World) allocID() (NetID, bool) {
	for i := 0; i < 1<<16; i++ {
		id := w.nextID
		w.nextID++
		if _, used := w.instances[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// Instance resolves a live instance by network identifier.
func (w *World) Instance(id NetID) *Replicable {
	return w.instances[id]
}

// Instances returns the live set in spawn order.
func (w *World) Instances() []*Replicable {
	return append([]*Replicable(nil), w.order...)
}

// Len returns the number of live instances.
func (w *World) Len() int { return len(w.instances) }

// OnSpawn registers the hook fired when an instance enters the world,
// locally spawned or remotely created. Remote creations fire after
// their initial snapshot has been applied.
func (w *World) OnSpawn(fn func(*Replicable)) { w.onSpawn = fn }

// OnDestroy registers the hook fired when an instance leaves the
// world.
func (w *World) OnDestroy(fn func(*Replicable)) { w.onDestroy = fn }

// OnChange registers the hook fired per notify-tagged field after a
// remote update has been applied.
func (w *World) OnChange(fn func(*Replicable, int)) { w.onChange = fn }

// HandleRPC registers the local handler for a declared call on c.
func (w *World) HandleRPC(c *Class, name string, fn func(*Replicable, []any)) error {
	i, ok := c.rpcIndex[name]
	if !ok {
		return fmt.Errorf("replica: class %s has no call %s", c.name, name)
	}
	hs := w.rpcHandlers[c]
	if hs == nil {
		hs = make([]func(*Replicable, []any), len(c.rpcs))
		w.rpcHandlers[c] = hs
	}
	hs[i] = fn
	return nil
}

func (w *World) rpcHandler(c *Class, i int) func(*Replicable, []any) {
	hs := w.rpcHandlers[c]
	if i < 0 || i >= len(hs) {
		return nil
	}
	return hs[i]
}

func (w *World) notifySpawn(inst *Replicable) {
	if w.onSpawn != nil {
		w.onSpawn(inst)
	}
}

func (w *World) notifyChange(inst *Replicable, field int) {
	if w.onChange != nil {
		w.onChange(inst, field)
	}
}
