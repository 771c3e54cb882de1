package replica

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/mirefell/replica/serial"
)

// Policy controls when a property replicates.
type Policy uint8

const (
	// Replicated when its value changes
	PolicyOnChange Policy = iota

	// Replicated every tick regardless of change
	PolicyAlways

	// Replicated only to the owning connection, when it changes
	PolicyOwnerOnly

	// Replicated in the initial snapshot, never after
	PolicyInitialOnly
)

func (p Policy) String() string {
	switch p {
	case PolicyOnChange:
		return "on-change"
	case PolicyAlways:
		return "always"
	case PolicyOwnerOnly:
		return "owner-only"
	case PolicyInitialOnly:
		return "initial-only"
	}
	return "unknown"
}

// Target restricts which side may execute an RPC.
type Target uint8

const (
	// Runs on the server, callable by the instance owner
	TargetServer Target = iota

	// Runs on the owning client
	TargetClient

	// Runs on every client the instance is relevant to
	TargetMulticast
)

func (t Target) String() string {
	switch t {
	case TargetServer:
		return "server"
	case TargetClient:
		return "client"
	case TargetMulticast:
		return "multicast"
	}
	return "unknown"
}

// PropDef declares one replicated property. Max and Bits range-fit
// unsigned fields to fewer bits and require KindUint64 values; at
// most one of the two may be set. Notify requests a change
// notification on the receiving side.
type PropDef struct {
	Name   string
	Kind   serial.Kind
	Max    uint64
	Bits   uint
	Policy Policy
	Notify bool
}

// ArgDef declares one RPC argument. Max and Bits work as in PropDef.
type ArgDef struct {
	Name string
	Kind serial.Kind
	Max  uint64
	Bits uint
}

// RPCDef declares one remote-invocable call.
type RPCDef struct {
	Name   string
	Target Target
	Args   []ArgDef
}

// Class is one registered replicable type, immutable once the table
// is frozen.
type Class struct {
	id    uint32
	name  string
	props []PropDef
	rpcs  []RPCDef

	propHandlers []serial.Handler
	argHandlers  [][]serial.Handler
	propIndex    map[string]int
	rpcIndex     map[string]int
}

// ID returns the sequential class id.
func (c *Class) ID() uint32 { return c.id }

// Name returns the registered class name.
func (c *Class) Name() string { return c.name }

// NumProps returns the number of declared properties.
func (c *Class) NumProps() int { return len(c.props) }

// Prop returns the i-th property declaration.
func (c *Class) Prop(i int) PropDef { return c.props[i] }

// PropIndex resolves a property name to its field index.
func (c *Class) PropIndex(name string) (int, bool) {
	i, ok := c.propIndex[name]
	return i, ok
}

// NumRPCs returns the number of declared calls.
func (c *Class) NumRPCs() int { return len(c.rpcs) }

// RPC returns the i-th call declaration.
func (c *Class) RPC(i int) RPCDef { return c.rpcs[i] }

// RPCIndex resolves a call name to its index.
func (c *Class) RPCIndex(name string) (int, bool) {
	i, ok := c.rpcIndex[name]
	return i, ok
}

// TypeTable is the order-stable registration table shared by both
// peers. Register every class in the same order on every peer, then
// Freeze; the checksum is the compatibility token exchanged during
// the handshake.
type TypeTable struct {
	classes  []*Class
	byName   map[string]*Class
	frozen   bool
	checksum uint64
}

func NewTypeTable() *TypeTable {
	return &TypeTable{byName: make(map[string]*Class)}
}

// RegisterClass appends a class declaration, assigning the next
// sequential id. Registration mistakes (duplicate names, unknown
// kinds, conflicting range parameters, a frozen table) panic: they
// are programming errors of the embedding process, not runtime
// conditions.
func (t *TypeTable) RegisterClass(name string, props []PropDef, rpcs []RPCDef) *Class {
	if t.frozen {
		panic("replica: RegisterClass after Freeze")
	}
	if name == "" {
		panic("replica: class name empty")
	}
	if _, ok := t.byName[name]; ok {
		panic("replica: duplicate class " + name)
	}

	c := &Class{
		id:        uint32(len(t.classes)),
		name:      name,
		props:     append([]PropDef(nil), props...),
		rpcs:      append([]RPCDef(nil), rpcs...),
		propIndex: make(map[string]int, len(props)),
		rpcIndex:  make(map[string]int, len(rpcs)),
	}

	for i, p := range c.props {
		if p.Name == "" {
			panic(fmt.Sprintf("replica: class %s: property %d unnamed", name, i))
		}
		if _, ok := c.propIndex[p.Name]; ok {
			panic("replica: class " + name + ": duplicate property " + p.Name)
		}
		h, err := fieldHandler(p.Kind, p.Max, p.Bits)
		if err != nil {
			panic(fmt.Sprintf("replica: class %s property %s: %v", name, p.Name, err))
		}
		c.propHandlers = append(c.propHandlers, h)
		c.propIndex[p.Name] = i
	}

	for i := range c.rpcs {
		r := &c.rpcs[i]
		r.Args = append([]ArgDef(nil), r.Args...)
		if r.Name == "" {
			panic(fmt.Sprintf("replica: class %s: rpc %d unnamed", name, i))
		}
		if _, ok := c.rpcIndex[r.Name]; ok {
			panic("replica: class " + name + ": duplicate rpc " + r.Name)
		}
		var hs []serial.Handler
		for _, a := range r.Args {
			h, err := fieldHandler(a.Kind, a.Max, a.Bits)
			if err != nil {
				panic(fmt.Sprintf("replica: class %s rpc %s argument %s: %v", name, r.Name, a.Name, err))
			}
			hs = append(hs, h)
		}
		c.argHandlers = append(c.argHandlers, hs)
		c.rpcIndex[r.Name] = i
	}

	t.classes = append(t.classes, c)
	t.byName[name] = c
	return c
}

// Freeze seals the table and computes the checksum over the complete
// declaration stream in registration order. Freezing twice is a
// no-op.
func (t *TypeTable) Freeze() {
	if t.frozen {
		return
	}

	h := fnv.New64a()
	buf := make([]byte, 8)
	str := func(s string) {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
		h.Write(buf[:4])
		h.Write([]byte(s))
	}
	num := func(v uint64) {
		binary.BigEndian.PutUint64(buf, v)
		h.Write(buf)
	}

	for _, c := range t.classes {
		str(c.name)
		num(uint64(len(c.props)))
		for _, p := range c.props {
			str(p.Name)
			num(uint64(p.Kind))
			num(p.Max)
			num(uint64(p.Bits))
			num(uint64(p.Policy))
			if p.Notify {
				num(1)
			} else {
				num(0)
			}
		}
		num(uint64(len(c.rpcs)))
		for _, r := range c.rpcs {
			str(r.Name)
			num(uint64(r.Target))
			num(uint64(len(r.Args)))
			for _, a := range r.Args {
				str(a.Name)
				num(uint64(a.Kind))
				num(a.Max)
				num(uint64(a.Bits))
			}
		}
	}

	t.checksum = h.Sum64()
	t.frozen = true
}

// Frozen reports whether the table is sealed.
func (t *TypeTable) Frozen() bool { return t.frozen }

// Checksum returns the frozen table's compatibility token.
func (t *TypeTable) Checksum() uint64 {
	if !t.frozen {
		panic("replica: Checksum before Freeze")
	}
	return t.checksum
}

// NumClasses returns the number of registered classes.
func (t *TypeTable) NumClasses() int { return len(t.classes) }

// Class resolves a class by name, nil if absent.
func (t *TypeTable) Class(name string) *Class { return t.byName[name] }

// ClassByID resolves a class by id, nil if out of range.
func (t *TypeTable) ClassByID(id uint32) *Class {
	if int(id) >= len(t.classes) {
		return nil
	}
	return t.classes[id]
}

// fieldHandler builds the codec handler for one declared field.
func fieldHandler(k serial.Kind, max uint64, bits uint) (serial.Handler, error) {
	if max > 0 && bits > 0 {
		return nil, fmt.Errorf("both Max and Bits set")
	}
	if max > 0 || bits > 0 {
		if k != serial.KindUint64 {
			return nil, fmt.Errorf("range parameters require KindUint64, have %v", k)
		}
		if bits > 0 {
			if bits > 64 {
				return nil, fmt.Errorf("Bits %d out of range", bits)
			}
			return serial.UintBits(bits), nil
		}
		return serial.UintMax(max), nil
	}
	h := serial.HandlerFor(k)
	if h == nil {
		return nil, fmt.Errorf("unknown kind %v", k)
	}
	return h, nil
}

// valueOK reports whether v's dynamic type and range match a field
// declaration.
func valueOK(k serial.Kind, max uint64, bits uint, v any) bool {
	if max > 0 || bits > 0 {
		u, ok := v.(uint64)
		if !ok {
			return false
		}
		if bits > 0 {
			return bits >= 64 || u < 1<<bits
		}
		return u <= max
	}
	switch k {
	case serial.KindBool:
		_, ok := v.(bool)
		return ok
	case serial.KindUint8:
		_, ok := v.(uint8)
		return ok
	case serial.KindUint16:
		_, ok := v.(uint16)
		return ok
	case serial.KindUint32:
		_, ok := v.(uint32)
		return ok
	case serial.KindUint64, serial.KindUvarint:
		_, ok := v.(uint64)
		return ok
	case serial.KindInt8:
		_, ok := v.(int8)
		return ok
	case serial.KindInt16:
		_, ok := v.(int16)
		return ok
	case serial.KindInt32:
		_, ok := v.(int32)
		return ok
	case serial.KindInt64, serial.KindVarint:
		_, ok := v.(int64)
		return ok
	case serial.KindFloat32:
		_, ok := v.(float32)
		return ok
	case serial.KindFloat64:
		_, ok := v.(float64)
		return ok
	case serial.KindString:
		_, ok := v.(string)
		return ok
	case serial.KindBytes:
		_, ok := v.([]byte)
		return ok
	}
	return false
}

// zeroValue returns the initial value for a field declaration.
func zeroValue(k serial.Kind, max uint64, bits uint) any {
	if max > 0 || bits > 0 {
		return uint64(0)
	}
	switch k {
	case serial.KindBool:
		return false
	case serial.KindUint8:
		return uint8(0)
	case serial.KindUint16:
		return uint16(0)
	case serial.KindUint32:
		return uint32(0)
	case serial.KindUint64, serial.KindUvarint:
		return uint64(0)
	case serial.KindInt8:
		return int8(0)
	case serial.KindInt16:
		return int16(0)
	case serial.KindInt32:
		return int32(0)
	case serial.KindInt64, serial.KindVarint:
		return int64(0)
	case serial.KindFloat32:
		return float32(0)
	case serial.KindFloat64:
		return float64(0)
	case serial.KindString:
		return ""
	case serial.KindBytes:
		return []byte(nil)
	}
	return nil
}
