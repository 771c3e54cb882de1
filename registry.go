package replica

// InstanceRegistry maps wire identifiers to live instances for one
// connection, in both directions. On the sending side an entry
// appears when an instance first becomes relevant; on the receiving
// side when its creation unit arrives. Tombstones and connection
// teardown remove entries.
type InstanceRegistry struct {
	byID   map[NetID]*Replicable
	byInst map[*Replicable]NetID
}

func newInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		byID:   make(map[NetID]*Replicable),
		byInst: make(map[*Replicable]NetID),
	}
}

// Add binds id to inst, replacing any previous binding of either.
func (reg *InstanceRegistry) Add(id NetID, inst *Replicable) {
	if old, ok := reg.byID[id]; ok {
		delete(reg.byInst, old)
	}
	reg.byID[id] = inst
	reg.byInst[inst] = id
}

// Remove unbinds id. Unknown ids are ignored.
func (reg *InstanceRegistry) Remove(id NetID) {
	inst, ok := reg.byID[id]
	if !ok {
		return
	}
	delete(reg.byID, id)
	delete(reg.byInst, inst)
}

// ByID resolves a wire identifier, nil when unknown.
func (reg *InstanceRegistry) ByID(id NetID) *Replicable {
	return reg.byID[id]
}

// ByInstance resolves an instance to its wire identifier.
func (reg *InstanceRegistry) ByInstance(inst *Replicable) (NetID, bool) {
	id, ok := reg.byInst[inst]
	return id, ok
}

// Len returns the number of live bindings.
func (reg *InstanceRegistry) Len() int { return len(reg.byID) }

// Clear drops every binding.
func (reg *InstanceRegistry) Clear() {
	reg.byID = make(map[NetID]*Replicable)
	reg.byInst = make(map[*Replicable]NetID)
}
