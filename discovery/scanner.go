// Package discovery implements passive discovery and liveness tracking of
// Xbox 360 debug/JTAG consoles on local IPv4 networks: a UDP
// broadcaster/listener pair, an authoritative connection registry, and a
// per-host online/offline state machine.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Ste1io/XboxKonnect/cpukey"
)

const (
	// DiscoveryPort is the UDP port Xbox debug consoles answer probes on.
	DiscoveryPort = 730

	// DefaultScanFrequency is the broadcast and monitor sweep cadence.
	DefaultScanFrequency = 3 * time.Second
	// DefaultTimeoutAttempts is the default multiple of ScanFrequency used
	// to derive DisconnectTimeout when it is not set explicitly.
	DefaultTimeoutAttempts = 2
)

// discoveryPayload is the fixed 6-byte jtag probe: "..jtag".
var discoveryPayload = []byte{0x03, 0x04, 'j', 't', 'a', 'g'}

// devkitPayload is the reserved 10-byte devkit probe, not emitted by
// default: "..XeDevkit".
var devkitPayload = []byte{0x03, 0x04, 'X', 'e', 'D', 'e', 'v', 'k', 'i', 't'}

// EventType identifies which state-machine transition a connection went
// through.
type EventType string

const (
	// EventAdd fires on a console's first response.
	EventAdd EventType = "add"
	// EventUpdate fires on an Online<->Offline state transition.
	EventUpdate EventType = "update"
	// EventRemove fires when a record is evicted or purged.
	EventRemove EventType = "remove"
)

// Event carries one state-machine transition and the resulting Connection
// snapshot.
type Event struct {
	Type       EventType
	Connection Connection
}

// udpConn is the seam Scanner talks to the network through; *net.UDPConn
// satisfies it, and tests substitute an in-memory fake.
type udpConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// ScannerOptions configures a Scanner. Zero values are replaced by
// defaults in withDefaults.
type ScannerOptions struct {
	// ScanFrequency is the broadcast and monitor sweep period.
	ScanFrequency time.Duration
	// DisconnectTimeout is the LastAck age after which an Online record is
	// demoted to Offline. If zero, it is derived from ScanFrequency and
	// TimeoutAttempts.
	DisconnectTimeout time.Duration
	// TimeoutAttempts is the multiple of ScanFrequency used to derive
	// DisconnectTimeout when it is not set explicitly. Defaults to 2.
	TimeoutAttempts int
	// RemoveOnDisconnect evicts Offline records on the sweep after demotion.
	RemoveOnDisconnect bool
	// AutoStart invokes Start from NewScanner.
	AutoStart bool
	// Logger receives non-fatal internal diagnostics. Defaults to log.Default().
	Logger *log.Logger

	dialFn    func() (udpConn, error)
	subnetsFn func() ([]SubnetEntry, error)
	now       func() time.Time
}

func (o ScannerOptions) withDefaults() ScannerOptions {
	out := o
	if out.ScanFrequency <= 0 {
		out.ScanFrequency = DefaultScanFrequency
	}
	if out.TimeoutAttempts <= 0 {
		out.TimeoutAttempts = DefaultTimeoutAttempts
	}
	if out.DisconnectTimeout <= 0 {
		out.DisconnectTimeout = out.ScanFrequency * time.Duration(out.TimeoutAttempts)
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.dialFn == nil {
		out.dialFn = defaultDial
	}
	if out.subnetsFn == nil {
		out.subnetsFn = EnumerateSubnets
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Scanner runs the listener, broadcaster, and monitor tasks that together
// implement the discovery engine described in the package doc.
type Scanner struct {
	opts ScannerOptions

	conn udpConn
	reg  *registry

	subnetsMu sync.RWMutex
	subnets   []SubnetEntry

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// NewScanner builds a Scanner with defaults applied. If AutoStart is set,
// it also starts the engine before returning.
func NewScanner(opts ScannerOptions) (*Scanner, error) {
	s := &Scanner{
		opts:   opts.withDefaults(),
		reg:    newRegistry(),
		events: make(chan Event, 128),
	}

	if s.opts.AutoStart {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start binds the UDP socket, takes an initial subnet snapshot, and spawns
// the listener, broadcaster, and monitor tasks. Start is idempotent: later
// calls return the outcome of the first call without side effects.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		conn, err := s.opts.dialFn()
		if err != nil {
			s.startErr = fmt.Errorf("discovery: bind socket: %w", err)
			return
		}

		entries, err := s.opts.subnetsFn()
		if err != nil {
			s.logf("discovery: initial subnet enumeration failed, starting with no subnets: %v", err)
		}

		s.conn = conn
		s.subnets = entries
		s.ctx, s.cancel = context.WithCancel(context.Background())

		s.wg.Add(3)
		go s.listenerLoop()
		go s.broadcasterLoop()
		go s.monitorLoop()
	})
	return s.startErr
}

// Stop clears the scanning signal, closes the socket to unblock the
// listener, and waits for all three tasks to exit. Stop is idempotent.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()

		s.eventsMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.eventsMu.Unlock()
	})
}

// Events returns the add/update/remove notification channel.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Connections returns a snapshot of every currently tracked console.
func (s *Scanner) Connections() []Connection {
	records := s.reg.snapshot()
	out := make([]Connection, 0, len(records))
	for _, record := range records {
		out = append(out, record.snapshot())
	}
	return out
}

// SetCPUKey writes an externally obtained CPUKey onto the tracked
// connection at addr. The field is opaque to the engine: it never reads
// or computes a CPUKey itself, only stores one on behalf of a caller such
// as an XDK/xbdm collaborator. It reports whether addr is currently
// tracked.
func (s *Scanner) SetCPUKey(addr netip.Addr, key cpukey.CPUKey) bool {
	record, ok := s.reg.get(addr)
	if !ok {
		return false
	}
	record.setCPUKey(key)
	return true
}

// Purge removes every currently Offline record, emitting a remove event
// for each.
func (s *Scanner) Purge() {
	for _, record := range s.reg.snapshot() {
		if record.isOffline() {
			s.removeRecord(record)
		}
	}
}

// Rescan is the topology-change handler: it atomically replaces the
// subnet snapshot with a fresh enumeration. No records are evicted; stale
// records on vanished subnets simply time out through the normal state
// machine.
func (s *Scanner) Rescan() error {
	entries, err := s.opts.subnetsFn()
	if err != nil {
		s.logf("discovery: rescan failed, retaining previous subnet snapshot: %v", err)
		return err
	}

	s.subnetsMu.Lock()
	s.subnets = entries
	s.subnetsMu.Unlock()
	return nil
}

func (s *Scanner) subnetSnapshot() []SubnetEntry {
	s.subnetsMu.RLock()
	defer s.subnetsMu.RUnlock()
	return s.subnets
}

func (s *Scanner) listenerLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("discovery: read error: %v", err)
			continue
		}

		if addr == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, *addr)
	}
}

func (s *Scanner) handleDatagram(payload []byte, addr net.UDPAddr) {
	if addr.Port != DiscoveryPort {
		return
	}
	if len(payload) < 3 {
		return
	}

	ip4 := addr.IP.To4()
	if ip4 == nil {
		return
	}
	peer, ok := netip.AddrFromSlice(ip4)
	if !ok {
		return
	}

	name := string(payload[2:])
	now := s.opts.now()
	subnets := s.subnetSnapshot()
	iface, _ := interfaceFor(subnets, peer)

	record, err := s.reg.insert(peer, addr, iface, name, now)
	if err == nil {
		s.emit(Event{Type: EventAdd, Connection: record.snapshot()})
		return
	}
	if !errors.Is(err, ErrAlreadyExists) {
		s.logf("discovery: registry insert error: %v", err)
		return
	}

	existing, ok := s.reg.get(peer)
	if !ok {
		return
	}
	conn, transitioned := existing.refresh(addr, iface, name, now)
	if transitioned {
		s.emit(Event{Type: EventUpdate, Connection: conn})
	}
}

func (s *Scanner) broadcasterLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ScanFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastOnce()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) broadcastOnce() {
	for _, entry := range s.subnetSnapshot() {
		if !subnetOperationallyUp(entry) {
			continue
		}

		dst := &net.UDPAddr{IP: net.IP(entry.Broadcast.AsSlice()), Port: DiscoveryPort}
		if _, err := s.conn.WriteToUDP(discoveryPayload, dst); err != nil {
			s.logf("discovery: broadcast to %s failed: %v", dst, err)
		}
	}
}

func subnetOperationallyUp(entry SubnetEntry) bool {
	if entry.Interface.Name == icsBridgeInterfaceName {
		return true
	}
	return entry.Interface.Flags&net.FlagUp != 0
}

func (s *Scanner) monitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ScanFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) sweep() {
	now := s.opts.now()
	for _, record := range s.reg.snapshot() {
		conn, transitioned := record.demote(now, s.opts.DisconnectTimeout)
		if transitioned {
			s.emit(Event{Type: EventUpdate, Connection: conn})
			continue
		}

		if s.opts.RemoveOnDisconnect && record.isOffline() {
			s.removeRecord(record)
		}
	}
}

func (s *Scanner) removeRecord(record *connectionRecord) {
	addr, ok := s.reg.addrOf(record)
	if !ok {
		return
	}
	removed, ok := s.reg.remove(addr)
	if !ok {
		return
	}
	s.emit(Event{Type: EventRemove, Connection: removed.snapshot()})
}

// emit delivers an event without blocking; a full buffer drops the event
// rather than stalling the task that produced it. Because delivery is
// channel-based, a panic in whatever goroutine drains Events() can never
// propagate back into the engine. emit is also the guard against sending
// on the events channel after Stop has closed it — Purge and removeRecord
// can run after Stop (e.g. a caller doing Stop then a final Purge for
// cleanup reporting), and a send on a closed channel panics even inside a
// select's default arm, so the closed check and the close in Stop share
// eventsMu.
func (s *Scanner) emit(event Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	if s.eventsClosed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *Scanner) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

func defaultDial() (udpConn, error) {
	lc := broadcastListenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("discovery: unexpected packet conn type %T", pc)
	}
	return conn, nil
}
