package replica

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport moves opaque datagrams between peers. Datagrams may be
// lost, duplicated or reordered, but arrive whole and uncorrupted.
// Implementations must be safe to call from the host's service
// goroutine; the engine never closes a transport.
type Transport interface {
	// Send hands one datagram to the peer at addr.
	Send(addr string, b []byte) error

	// Poll returns the next pending datagram, ok false when none is
	// waiting. Poll must not block.
	Poll() (addr string, b []byte, ok bool)
}

// minMTU is the smallest datagram size a host accepts.
const minMTU = 64

// Host drives every connection of one peer. All engine state is
// confined to the goroutine calling Service; none of the Host or Conn
// methods are safe for concurrent use.
type Host struct {
	cfg   *Config
	mode  Netmode
	id    uuid.UUID
	table *TypeTable
	world *World

	transport Transport
	conns     map[string]*Conn
	order     []*Conn

	log zerolog.Logger
	now time.Time

	relevance    func(*Replicable, *Conn) bool
	onConnect    func(*Conn)
	onDisconnect func(*Conn, error)

	auth    *authStore
	closing bool
}

// NewHost builds a host in the given mode. The type table must be
// frozen, and its checksum is what remote peers get compared against.
func NewHost(mode Netmode, table *TypeTable, tr Transport, cfg *Config) (*Host, error) {
	cfg = cfg.withDefaults()
	if table == nil || !table.Frozen() {
		return nil, fmt.Errorf("replica: the type table must be frozen before hosting")
	}
	if tr == nil {
		return nil, fmt.Errorf("replica: a transport is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("replica: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		mode:      mode,
		id:        uuid.New(),
		table:     table,
		transport: tr,
		conns:     make(map[string]*Conn),
	}
	h.world = newWorld(table, mode)
	h.log = newLogger(cfg.LogLevel).With().Stringer("netmode", mode).Logger()
	registerMetrics()

	if cfg.AuthDB != "" {
		h.auth = &authStore{path: cfg.AuthDB}
		if err := h.auth.init(); err != nil {
			return nil, fmt.Errorf("replica: auth database: %w", err)
		}
	}
	return h, nil
}

// ID returns the host identifier announced during handshakes.
func (h *Host) ID() uuid.UUID { return h.id }

// Netmode returns the side this host runs.
func (h *Host) Netmode() Netmode { return h.mode }

// World returns the live instance set.
func (h *Host) World() *World { return h.world }

// Table returns the frozen type table.
func (h *Host) Table() *TypeTable { return h.table }

// Logger returns the host logger.
func (h *Host) Logger() zerolog.Logger { return h.log }

// Conns returns the current connections in accept order.
func (h *Host) Conns() []*Conn {
	return append([]*Conn(nil), h.order...)
}

// OnConnect registers the hook fired when a handshake completes.
func (h *Host) OnConnect(fn func(*Conn)) { h.onConnect = fn }

// OnDisconnect registers the hook fired when a connection is reaped,
// with the error it closed on.
func (h *Host) OnDisconnect(fn func(*Conn, error)) { h.onDisconnect = fn }

// SetRelevance installs the interest policy consulted per instance
// and connection. Instances are replicated to connections the policy
// approves; owners always see their instances. A nil policy means
// everything is relevant to everyone.
func (h *Host) SetRelevance(fn func(*Replicable, *Conn) bool) { h.relevance = fn }

// Service advances the engine one tick: it drains the transport,
// steps every connection and sends what came due. Call it regularly
// from a single goroutine; now must not go backwards.
func (h *Host) Service(now time.Time) {
	h.now = now
	for {
		addr, b, ok := h.transport.Poll()
		if !ok {
			break
		}
		c := h.conns[addr]
		if c == nil {
			c = h.accept(addr, now)
			if c == nil {
				continue
			}
		}
		c.handleDatagram(now, b)
	}
	for _, c := range h.order {
		c.service(now)
	}
	h.reap()
}

// Connect opens a client connection to addr and starts the
// handshake. The returned connection reports StateConnected once the
// server accepts.
func (h *Host) Connect(addr string) (*Conn, error) {
	if h.mode != NetmodeClient {
		return nil, fmt.Errorf("replica: Connect on a %v host", h.mode)
	}
	if _, dup := h.conns[addr]; dup {
		return nil, fmt.Errorf("replica: a connection to %s already exists", addr)
	}
	c := newConn(h, addr, h.now)
	h.conns[addr] = c
	h.order = append(h.order, c)
	setConnGauge(len(h.conns))
	c.log.Info().Msg("connecting")
	c.sendHandshakeRequest()
	return c, nil
}

// accept starts tracking an unknown sender. Client hosts ignore
// datagrams from addresses they never connected to.
func (h *Host) accept(addr string, now time.Time) *Conn {
	if h.mode != NetmodeServer {
		h.log.Debug().Str("addr", addr).Msg("ignoring datagram from unknown address")
		return nil
	}
	c := newConn(h, addr, now)
	h.conns[addr] = c
	h.order = append(h.order, c)
	setConnGauge(len(h.conns))
	c.log.Info().Msg("incoming connection")
	return c
}

// reap removes closed connections and fires the disconnect hook.
func (h *Host) reap() {
	for i := 0; i < len(h.order); {
		c := h.order[i]
		if c.state != StateClosed {
			i++
			continue
		}
		delete(h.conns, c.addr)
		h.order = append(h.order[:i], h.order[i+1:]...)
		setConnGauge(len(h.conns))
		c.log.Info().AnErr("reason", c.reason).Msg("connection closed")
		if h.onDisconnect != nil {
			h.onDisconnect(c, c.reason)
		}
	}
}

// Shutdown starts a graceful disconnect on every connection and
// refuses new handshakes. Keep calling Service until Conns is empty.
func (h *Host) Shutdown() {
	h.closing = true
	for _, c := range h.order {
		c.Close()
	}
	h.log.Info().Msg("shutting down")
}

func (h *Host) notifyConnect(c *Conn) {
	if h.onConnect != nil {
		h.onConnect(c)
	}
}

func (h *Host) connectedCount() int {
	n := 0
	for _, c := range h.order {
		if c.state == StateConnected {
			n++
		}
	}
	return n
}

// connByName finds the live connection a peer name is bound to.
func (h *Host) connByName(name string) *Conn {
	for _, c := range h.order {
		if c.state == StateConnected && c.name == name {
			return c
		}
	}
	return nil
}
