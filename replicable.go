package replica

import "fmt"

// Replicable is one synchronized instance. The authoritative side
// holds the canonical values; remote peers hold shadow copies kept in
// sync by the replication manager. Instances are engine-owned: create
// them through World.Spawn, never directly.
type Replicable struct {
	class *Class
	id    NetID

	values []any

	// versions counts mutations per field. Per-connection delta
	// state compares against it to find fields the peer still lacks.
	versions []uint64

	owner         *Conn
	via           *Conn
	authoritative bool
	destroyed     bool
}

func newReplicable(c *Class, id NetID, authoritative bool) *Replicable {
	r := &Replicable{
		class:         c,
		id:            id,
		authoritative: authoritative,
		values:        make([]any, len(c.props)),
		versions:      make([]uint64, len(c.props)),
	}
	for i, p := range c.props {
		r.values[i] = zeroValue(p.Kind, p.Max, p.Bits)
	}
	return r
}

// Class returns the instance's registered type.
func (r *Replicable) Class() *Class { return r.class }

// NetID returns the wire identifier assigned by the authoritative
// side.
func (r *Replicable) NetID() NetID { return r.id }

// Authoritative reports whether this side owns the canonical values.
func (r *Replicable) Authoritative() bool { return r.authoritative }

// Destroyed reports whether the instance was retired.
func (r *Replicable) Destroyed() bool { return r.destroyed }

// Owner returns the owning connection, nil when unowned.
func (r *Replicable) Owner() *Conn { return r.owner }

// SetOwner hands the instance to a connection. Owner-only properties
// replicate to the owner alone and server-target calls on the
// instance are accepted only from it.
func (r *Replicable) SetOwner(c *Conn) { r.owner = c }

// Get returns the i-th property value.
func (r *Replicable) Get(i int) any { return r.values[i] }

// Prop returns a property value by name.
func (r *Replicable) Prop(name string) (any, bool) {
	i, ok := r.class.propIndex[name]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Set stores the i-th property value and marks the field changed.
// The value must match the declared kind and range.
func (r *Replicable) Set(i int, v any) error {
	if i < 0 || i >= len(r.values) {
		return fmt.Errorf("replica: class %s has no field %d", r.class.name, i)
	}
	p := r.class.props[i]
	if !valueOK(p.Kind, p.Max, p.Bits, v) {
		return fmt.Errorf("replica: %s.%s: %T does not match %v", r.class.name, p.Name, v, p.Kind)
	}
	r.values[i] = v
	r.versions[i]++
	return nil
}

// SetProp sets a property by name.
func (r *Replicable) SetProp(name string, v any) error {
	i, ok := r.class.propIndex[name]
	if !ok {
		return fmt.Errorf("replica: class %s has no property %s", r.class.name, name)
	}
	return r.Set(i, v)
}

// setFromWire applies a remote value without authority bookkeeping.
// Last write wins, reapplication is idempotent.
func (r *Replicable) setFromWire(i int, v any) {
	r.values[i] = v
	r.versions[i]++
}
