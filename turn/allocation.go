package turn

import (
	"net"
	"sync"
	"time"
)

// DefaultPermissionLifetime is the RFC 5766 §8 default permission
// lifetime: 5 minutes, refreshed by any CreatePermission or ChannelBind
// for the same peer IP. Relayed data does not refresh it.
const DefaultPermissionLifetime = 5 * time.Minute

// DefaultAllocationLifetime is RFC 5766's 10-minute default lifetime. It
// is the lifetime given to a channel binding; allocations take theirs
// from ServerConfig.DefaultLifetime (Allocate) or the requested LIFETIME
// (Refresh).
const DefaultAllocationLifetime = 10 * time.Minute

// MaxAllocationLifetime bounds how long a single Refresh can extend an
// allocation for, RFC 5766 §6.2 suggests server policy sets this; 1 hour
// matches the other_examples TURN skeleton's MaxLifetime default.
const MaxAllocationLifetime = time.Hour

// channelMin/channelMax are RFC 5766 §11's valid CHANNEL-NUMBER range.
const (
	channelMin = 0x4000
	channelMax = 0x7FFF
)

// tcpPeerConn is one RFC 6062 peer-data connection: the relay-side TCP
// socket to a peer, keyed by a server-assigned connection id until the
// client binds a ConnectionBind to it.
type tcpPeerConn struct {
	id        uint32
	peer      *net.TCPAddr
	conn      *net.TCPConn
	createdAt time.Time
	bound     bool
}

// Allocation is one client's relay allocation, RFC 5766 §2: a relayed
// transport address plus the permissions and channel bindings layered
// on top of it, and (RFC 6062) the TCP peer connections opened under it.
type Allocation struct {
	mu sync.Mutex

	FiveTuple string // client transport address + server address + proto, the allocation key
	Username  string
	Realm     string
	Nonce     string
	Protocol  byte // TransportUDP or TransportTCP

	relayUDP *net.UDPConn
	relayTCP *net.TCPListener
	control  controlChannel

	expiresAt time.Time

	// permissions maps a peer IP (not port, per RFC 5766 §9) to its
	// expiry.
	permissions map[string]time.Time

	// channelBindings maps channel number to peer address, and back,
	// per RFC 5766 §11: a channel binds exactly one peer and a peer has
	// at most one channel.
	channelBindings map[uint16]string
	channelByPeer   map[string]uint16
	channelExpiry   map[uint16]time.Time

	// tcpConns is RFC 6062's connection-id -> peer-connection map for
	// this allocation.
	tcpConns   map[uint32]*tcpPeerConn
	nextConnID uint32
}

func newAllocation(fiveTuple, username, realm string, protocol byte) *Allocation {
	return &Allocation{
		FiveTuple:       fiveTuple,
		Username:        username,
		Realm:           realm,
		Protocol:        protocol,
		permissions:     make(map[string]time.Time),
		channelBindings: make(map[uint16]string),
		channelByPeer:   make(map[string]uint16),
		channelExpiry:   make(map[uint16]time.Time),
		tcpConns:        make(map[uint32]*tcpPeerConn),
	}
}

// RelayedAddr is the address peers see data arrive from.
func (a *Allocation) RelayedAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relayUDP != nil {
		return a.relayUDP.LocalAddr()
	}
	if a.relayTCP != nil {
		return a.relayTCP.Addr()
	}
	return nil
}

func (a *Allocation) expired(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !now.Before(a.expiresAt)
}

// refresh extends (or, with lifetime 0, expires) the allocation, RFC
// 5766 §7.2.
func (a *Allocation) refresh(now time.Time, lifetime time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if lifetime <= 0 {
		a.expiresAt = now
		return
	}
	if lifetime > MaxAllocationLifetime {
		lifetime = MaxAllocationLifetime
	}
	a.expiresAt = now.Add(lifetime)
}

func (a *Allocation) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relayUDP != nil {
		a.relayUDP.Close()
	}
	if a.relayTCP != nil {
		a.relayTCP.Close()
	}
	for _, pc := range a.tcpConns {
		if pc.conn != nil {
			pc.conn.Close()
		}
	}
}

// sweepExpired drops permissions and channel bindings whose lifetime has
// elapsed. Called from the server's periodic cleanup pass.
func (a *Allocation) sweepExpired(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ip, exp := range a.permissions {
		if now.After(exp) {
			delete(a.permissions, ip)
		}
	}
	for n, exp := range a.channelExpiry {
		if now.After(exp) {
			peer := a.channelBindings[n]
			delete(a.channelBindings, n)
			delete(a.channelByPeer, peer)
			delete(a.channelExpiry, n)
		}
	}
}

// newTCPPeerConn registers a freshly dialled RFC 6062 peer connection
// and returns its server-assigned connection id.
func (a *Allocation) newTCPPeerConn(peer *net.TCPAddr, conn *net.TCPConn, now time.Time) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextConnID++
	id := a.nextConnID
	a.tcpConns[id] = &tcpPeerConn{id: id, peer: peer, conn: conn, createdAt: now}
	return id
}

func (a *Allocation) takeTCPPeerConn(id uint32) (*tcpPeerConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.tcpConns[id]
	if ok {
		pc.bound = true
	}
	return pc, ok
}
