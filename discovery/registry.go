package discovery

import (
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists is returned by insert when the peer IPv4 is already
// registered; callers should branch to update instead.
var ErrAlreadyExists = errors.New("discovery: connection already exists")

// registry is the authoritative peer-IPv4 -> connectionRecord map. All
// mutation happens under one mutex; iteration works off a snapshot so the
// lock is never held across a send, receive, or observer callback.
type registry struct {
	mu      sync.RWMutex
	records map[netip.Addr]*connectionRecord
}

func newRegistry() *registry {
	return &registry{records: make(map[netip.Addr]*connectionRecord)}
}

func (r *registry) insert(addr netip.Addr, endpoint net.UDPAddr, iface net.Interface, name string, now time.Time) (*connectionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[addr]; exists {
		return nil, ErrAlreadyExists
	}

	record := newConnectionRecord(uuid.New(), endpoint, iface, name, now)
	r.records[addr] = record
	return record, nil
}

func (r *registry) get(addr netip.Addr) (*connectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[addr]
	return record, ok
}

func (r *registry) remove(addr netip.Addr) (*connectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[addr]
	if ok {
		delete(r.records, addr)
	}
	return record, ok
}

// snapshot returns every record in the registry, sorted by address for
// deterministic iteration order.
func (r *registry) snapshot() []*connectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*connectionRecord, 0, len(r.records))
	addrs := make([]netip.Addr, 0, len(r.records))
	for addr := range r.records {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	for _, addr := range addrs {
		out = append(out, r.records[addr])
	}
	return out
}

func (r *registry) addrOf(target *connectionRecord) (netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for addr, record := range r.records {
		if record == target {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
