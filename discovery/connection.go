package discovery

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ste1io/XboxKonnect/cpukey"
)

// State is the per-host liveness state machine value.
type State string

const (
	// StateUnknown represents the absence of a record: no connection has
	// been observed for a peer yet. It is never assigned to a tracked
	// Connection's State field — newConnectionRecord creates every record
	// directly as StateOnline on its first response — so it is unreachable
	// from Connections()/Events() and exists only as the named zero state
	// a peer occupies before insert, not a state a caller will ever switch
	// on.
	StateUnknown State = "Unknown"
	// StateOnline means a response arrived within DisconnectTimeout.
	StateOnline State = "Online"
	// StateOffline means the age since LastAck exceeds DisconnectTimeout.
	StateOffline State = "Offline"
)

// Connection is an immutable snapshot of one discovered console's observed
// state, safe to hand to observer callbacks outside any lock.
type Connection struct {
	ID         uuid.UUID
	Address    netip.Addr
	Endpoint   net.UDPAddr
	Interface  net.Interface
	Name       string
	Discovered time.Time
	LastAck    time.Time
	State      State
	CPUKey     cpukey.CPUKey
}

// connectionRecord is the mutable, lock-guarded backing store for one
// Connection. It holds no reference back to the registry that owns it.
type connectionRecord struct {
	mu sync.Mutex
	c  Connection
}

func newConnectionRecord(id uuid.UUID, endpoint net.UDPAddr, iface net.Interface, name string, now time.Time) *connectionRecord {
	return &connectionRecord{
		c: Connection{
			ID:         id,
			Address:    netipAddrFromUDP(endpoint),
			Endpoint:   endpoint,
			Interface:  iface,
			Name:       name,
			Discovered: now,
			LastAck:    now,
			State:      StateOnline,
			CPUKey:     cpukey.Empty,
		},
	}
}

// snapshot returns a copy of the current Connection value.
func (r *connectionRecord) snapshot() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}

// refresh updates endpoint/name/LastAck on a new response and reports
// whether the state transitioned (Offline/Unknown -> Online).
func (r *connectionRecord) refresh(endpoint net.UDPAddr, iface net.Interface, name string, now time.Time) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.c.Endpoint = endpoint
	r.c.Address = netipAddrFromUDP(endpoint)
	r.c.Interface = iface
	r.c.Name = name
	r.c.LastAck = now

	transitioned := r.c.State != StateOnline
	r.c.State = StateOnline
	return r.c, transitioned
}

// demote transitions Online -> Offline if now-LastAck exceeds timeout. It
// reports whether the transition happened.
func (r *connectionRecord) demote(now time.Time, timeout time.Duration) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.c.State != StateOnline {
		return r.c, false
	}
	if now.Sub(r.c.LastAck) <= timeout {
		return r.c, false
	}

	r.c.State = StateOffline
	return r.c, true
}

// setCPUKey stores an externally computed CPUKey on the record.
func (r *connectionRecord) setCPUKey(key cpukey.CPUKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.CPUKey = key
}

func (r *connectionRecord) isOffline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c.State == StateOffline
}

func netipAddrFromUDP(endpoint net.UDPAddr) netip.Addr {
	addr, ok := netip.AddrFromSlice(endpoint.IP.To4())
	if !ok {
		return netip.Addr{}
	}
	return addr
}
