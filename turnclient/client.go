// Package turnclient drives the client side of the TURN allocation
// lifecycle of spec.md §4.5: resolve, allocate, authenticate, keep the
// allocation alive, and wrap/unwrap application payloads for relayed
// transport. Permissions are installed by Permit and are not re-issued
// by the client.
//
// The state machine is grounded on arzzra-soft_phone's
// pkg/dialog.Dialog.initFSM, the pack's one real github.com/looplab/fsm
// usage: a context-keyed fsm.FSM driven by named events, with an
// after_event callback that folds the new state back onto the owning
// struct.
package turnclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/sipsorcery-go/corestack/turn"
)

// States of the client lifecycle, spec.md §4.5 steps 1-7.
const (
	StateResolving      = "resolving"
	StateUnauthenticated = "unauthenticated"
	StateAuthenticating = "authenticating"
	StateAllocated      = "allocated"
	StateRefreshing     = "refreshing"
	StateFailed         = "failed"
)

const (
	eventResolved      = "resolved"
	eventChallenge     = "challenge"
	eventAuthenticated = "authenticated"
	eventRefreshDue    = "refresh_due"
	eventRefreshed     = "refreshed"
	eventError         = "error"
)

// Config holds the client's connection and retry parameters.
type Config struct {
	ServerHost string // DNS name or literal IP
	ServerPort int
	Username   string
	Password   string

	// RequestedLifetime is sent as the initial Allocate LIFETIME; the
	// server may return a shorter one, which the client honours.
	RequestedLifetime time.Duration

	// MaxRequests bounds how many times a single request is sent before
	// it is treated as a timeout; MaxErrors bounds the failures of any
	// kind, counted over the client's lifetime and never reset, before
	// the client gives up and enters StateFailed.
	MaxRequests int
	MaxErrors   int

	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServerPort:        3478,
		RequestedLifetime: 600 * time.Second,
		MaxRequests:       7,
		MaxErrors:         3,
		RequestTimeout:    3 * time.Second,
	}
}

// Client is a single TURN allocation's lifecycle driver. It owns one
// UDP control socket and dials it itself once the server address is
// resolved; callers interact with it through Allocate, Permit, Send,
// and Close, and receive inbound peer data through the Inbound channel.
type Client struct {
	cfg      Config
	resolver Resolver
	log      zerolog.Logger

	mu          sync.Mutex
	fsm         *fsm.FSM
	conn        *net.UDPConn
	relayedAddr *net.UDPAddr
	realm       string
	nonce       string
	key         []byte
	lifetime    time.Duration
	errorCount  int

	channels map[string]uint16 // peer addr -> bound channel number
	nextChan uint16

	pending map[[12]byte]chan *turn.Message

	Inbound chan InboundData

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// InboundData is a relayed datagram delivered from a permitted peer,
// whether it arrived as a DataIndication or as ChannelData.
type InboundData struct {
	Peer *net.UDPAddr
	Data []byte
}

func New(cfg Config, resolver Resolver, log zerolog.Logger) *Client {
	if resolver == nil {
		resolver = NewDNSResolver("8.8.8.8:53")
	}
	c := &Client{
		cfg:      cfg,
		resolver: resolver,
		log:      log.With().Str("component", "turnclient").Logger(),
		channels: make(map[string]uint16),
		nextChan: 0x4000,
		pending:  make(map[[12]byte]chan *turn.Message),
		Inbound:  make(chan InboundData, 32),
		stopCh:   make(chan struct{}),
	}
	c.fsm = fsm.NewFSM(
		StateResolving,
		fsm.Events{
			{Name: eventResolved, Src: []string{StateResolving}, Dst: StateUnauthenticated},
			{Name: eventChallenge, Src: []string{StateUnauthenticated, StateRefreshing}, Dst: StateAuthenticating},
			{Name: eventAuthenticated, Src: []string{StateAuthenticating}, Dst: StateAllocated},
			{Name: eventRefreshDue, Src: []string{StateAllocated}, Dst: StateRefreshing},
			{Name: eventRefreshed, Src: []string{StateRefreshing}, Dst: StateAllocated},
			{Name: eventError, Src: []string{StateResolving, StateUnauthenticated, StateAuthenticating, StateAllocated, StateRefreshing}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.log.Debug().Str("event", e.Event).Str("src", e.Src).Str("dst", e.Dst).Msg("turn client state transition")
			},
		},
	)
	return c
}

func (c *Client) State() string {
	return c.fsm.Current()
}

// Allocate resolves the server, performs the 401-challenge round trip,
// and establishes the allocation, spec.md §4.5 steps 1-5.
func (c *Client) Allocate(ctx context.Context) error {
	ip, err := c.resolver.Resolve(ctx, c.cfg.ServerHost)
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.fsm.Event(ctx, eventResolved); err != nil {
		return err
	}

	serverAddr := &net.UDPAddr{IP: ip, Port: c.cfg.ServerPort}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		c.fail(err)
		return err
	}
	c.conn = conn
	c.wg.Add(1)
	go c.readLoop()

	requested := uint32Bytes(uint32(c.cfg.RequestedLifetime / time.Second))
	req := turn.NewMessage(turn.ClassRequest, turn.MethodAllocate)
	req.AddAttr(turn.AttrRequestedTransport, []byte{turn.TransportUDP, 0, 0, 0})
	req.AddAttr(turn.AttrLifetime, requested)
	resp, err := c.roundTrip(ctx, req, nil)
	if err != nil {
		c.fail(err)
		return err
	}

	if resp.Class == turn.ClassError {
		code, _, _ := resp.ErrorCode()
		if code != 401 {
			err := fmt.Errorf("turnclient: allocate failed with code %d", code)
			c.fail(err)
			return err
		}
		if err := c.fsm.Event(ctx, eventChallenge); err != nil {
			return err
		}
		realm, _ := resp.GetString(turn.AttrRealm)
		nonce, _ := resp.GetString(turn.AttrNonce)
		c.realm = realm
		c.nonce = nonce
		c.key = turn.LongTermKey(c.cfg.Username, realm, c.cfg.Password)

		req2 := turn.NewMessage(turn.ClassRequest, turn.MethodAllocate)
		req2.AddAttr(turn.AttrRequestedTransport, []byte{turn.TransportUDP, 0, 0, 0})
		req2.AddAttr(turn.AttrLifetime, requested)
		c.addCredentials(req2)
		resp, err = c.roundTrip(ctx, req2, c.key)
		if err != nil {
			c.fail(err)
			return err
		}
		if resp.Class == turn.ClassError {
			code, reason, _ := resp.ErrorCode()
			err := fmt.Errorf("turnclient: allocate rejected: %d %s", code, reason)
			c.fail(err)
			return err
		}
	}

	a, ok := resp.Get(turn.AttrXorRelayedAddress)
	if !ok {
		err := fmt.Errorf("turnclient: allocate success missing relayed address")
		c.fail(err)
		return err
	}
	relayed, err := turn.DecodeXorAddress(a.Value, resp.TransactionID)
	if err != nil {
		c.fail(err)
		return err
	}
	c.relayedAddr = relayed
	c.lifetime = c.cfg.RequestedLifetime
	if l, ok := resp.Get(turn.AttrLifetime); ok && len(l.Value) == 4 {
		c.lifetime = time.Duration(getUint32(l.Value)) * time.Second
	}

	if err := c.fsm.Event(ctx, eventAuthenticated); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.refreshLoop()
	return nil
}

// RelayedAddr returns the server-assigned relayed transport address.
func (c *Client) RelayedAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayedAddr
}

// Permit installs a CreatePermission for peer, spec.md §4.5 step 6.
func (c *Client) Permit(ctx context.Context, peer net.IP) error {
	req := turn.NewMessage(turn.ClassRequest, turn.MethodCreatePermission)
	req.AddXorAddress(turn.AttrXorPeerAddress, &net.UDPAddr{IP: peer, Port: 0})
	c.addCredentials(req)
	resp, err := c.roundTrip(ctx, req, c.key)
	if err != nil {
		return err
	}
	if resp.Class == turn.ClassError {
		code, reason, _ := resp.ErrorCode()
		return fmt.Errorf("turnclient: create permission rejected: %d %s", code, reason)
	}
	return nil
}

// BindChannel requests a channel number for peer, so subsequent Send
// calls use the 4-byte ChannelData framing instead of SendIndication.
func (c *Client) BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error) {
	c.mu.Lock()
	if n, ok := c.channels[peer.String()]; ok {
		c.mu.Unlock()
		return n, nil
	}
	number := c.nextChan
	c.nextChan++
	c.mu.Unlock()

	req := turn.NewMessage(turn.ClassRequest, turn.MethodChannelBind)
	req.AddAttr(turn.AttrChannelNumber, []byte{byte(number >> 8), byte(number), 0, 0})
	req.AddXorAddress(turn.AttrXorPeerAddress, peer)
	c.addCredentials(req)
	resp, err := c.roundTrip(ctx, req, c.key)
	if err != nil {
		return 0, err
	}
	if resp.Class == turn.ClassError {
		code, reason, _ := resp.ErrorCode()
		return 0, fmt.Errorf("turnclient: channel bind rejected: %d %s", code, reason)
	}

	c.mu.Lock()
	c.channels[peer.String()] = number
	c.mu.Unlock()
	return number, nil
}

// Send relays payload to peer: via bound channel if one exists,
// otherwise via a SendIndication, spec.md §4.5 step 7.
func (c *Client) Send(peer *net.UDPAddr, payload []byte) error {
	c.mu.Lock()
	number, bound := c.channels[peer.String()]
	conn := c.conn
	c.mu.Unlock()

	if bound {
		frame := make([]byte, 4+len(payload))
		frame[0] = byte(number >> 8)
		frame[1] = byte(number)
		frame[2] = byte(len(payload) >> 8)
		frame[3] = byte(len(payload))
		copy(frame[4:], payload)
		_, err := conn.Write(frame)
		return err
	}

	req := turn.NewMessage(turn.ClassIndication, turn.MethodSend)
	req.AddXorAddress(turn.AttrXorPeerAddress, peer)
	req.AddAttr(turn.AttrData, payload)
	_, err := conn.Write(turn.Encode(req, nil))
	return err
}

func (c *Client) Close() error {
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
	close(c.Inbound)
	return nil
}

func (c *Client) addCredentials(m *turn.Message) {
	m.AddAttr(turn.AttrUsername, []byte(c.cfg.Username))
	m.AddAttr(turn.AttrRealm, []byte(c.realm))
	m.AddAttr(turn.AttrNonce, []byte(c.nonce))
}

// roundTrip sends req up to cfg.MaxRequests times in all, with a
// timeout-doubling backoff, per spec.md §4.5's bounded-retransmission
// requirement for unreliable transport. Responses are delivered by the
// single readLoop goroutine through a per-transaction channel, so
// concurrent callers never race on the shared UDP socket's read side.
func (c *Client) roundTrip(ctx context.Context, req *turn.Message, key []byte) (*turn.Message, error) {
	raw := turn.Encode(req, key)
	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	ch := make(chan *turn.Message, 1)
	c.mu.Lock()
	c.pending[req.TransactionID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.TransactionID)
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRequests; attempt++ {
		if _, err := c.conn.Write(raw); err != nil {
			return nil, err
		}

		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, fmt.Errorf("turnclient: client closed")
		case <-time.After(timeout):
			lastErr = fmt.Errorf("timeout waiting for response")
			timeout *= 2
		}
	}
	return nil, fmt.Errorf("turnclient: request timed out after %d attempts: %w", c.cfg.MaxRequests, lastErr)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.errorCount++
	count := c.errorCount
	c.mu.Unlock()

	if count >= c.cfg.MaxErrors {
		_ = c.fsm.Event(context.Background(), eventError)
	}
	c.log.Error().Err(err).Int("error_count", count).Msg("turn client error")
}

// refreshLoop re-issues Refresh at LIFETIME-60s and CreatePermission
// re-issue is left to the caller (peer set is application-owned); the
// 60s margin matches spec.md §4.5 step 5's refresh scheduling rule.
func (c *Client) refreshLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		lifetime := c.lifetime
		c.mu.Unlock()

		margin := lifetime - 60*time.Second
		if margin <= 0 {
			margin = lifetime / 2
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(margin):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		if err := c.refresh(ctx); err != nil {
			c.fail(err)
		}
		cancel()
	}
}

func (c *Client) refresh(ctx context.Context) error {
	if err := c.fsm.Event(ctx, eventRefreshDue); err != nil {
		return err
	}
	req := turn.NewMessage(turn.ClassRequest, turn.MethodRefresh)
	lifetimeSecs := uint32(c.cfg.RequestedLifetime / time.Second)
	req.AddAttr(turn.AttrLifetime, uint32Bytes(lifetimeSecs))
	c.addCredentials(req)

	resp, err := c.roundTrip(ctx, req, c.key)
	if err != nil {
		return err
	}
	if resp.Class == turn.ClassError {
		code, reason, _ := resp.ErrorCode()
		return fmt.Errorf("turnclient: refresh rejected: %d %s", code, reason)
	}
	if a, ok := resp.Get(turn.AttrLifetime); ok && len(a.Value) == 4 {
		c.mu.Lock()
		c.lifetime = time.Duration(getUint32(a.Value)) * time.Second
		c.mu.Unlock()
	}
	return c.fsm.Event(ctx, eventRefreshed)
}

// readLoop is the control socket's sole reader: it demultiplexes each
// incoming datagram to a waiting roundTrip caller (by transaction id),
// or, for unsolicited DataIndication/ChannelData frames, republishes
// the payload on Inbound, spec.md §4.5 step 7's inbound half.
func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			continue
		}
		data := append([]byte(nil), buf[:n]...)

		if len(data) >= 4 && data[0] >= 0x40 && data[0] <= 0x7F {
			number := uint16(data[0])<<8 | uint16(data[1])
			length := int(uint16(data[2])<<8 | uint16(data[3]))
			if 4+length > len(data) {
				continue
			}
			peer := c.peerForChannel(number)
			if peer == nil {
				continue
			}
			payload := append([]byte(nil), data[4:4+length]...)
			c.Inbound <- InboundData{Peer: peer, Data: payload}
			continue
		}

		msg, err := turn.Decode(data)
		if err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.TransactionID]
		c.mu.Unlock()
		if ok {
			ch <- msg
			continue
		}

		if msg.Method != turn.MethodData || msg.Class != turn.ClassIndication {
			continue
		}
		addrAttr, ok := msg.Get(turn.AttrXorPeerAddress)
		if !ok {
			continue
		}
		peer, err := turn.DecodeXorAddress(addrAttr.Value, msg.TransactionID)
		if err != nil {
			continue
		}
		payload, _ := msg.GetString(turn.AttrData)
		c.Inbound <- InboundData{Peer: peer, Data: []byte(payload)}
	}
}

func (c *Client) peerForChannel(number uint16) *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	for peer, n := range c.channels {
		if n == number {
			addr, err := net.ResolveUDPAddr("udp", peer)
			if err != nil {
				return nil
			}
			return addr
		}
	}
	return nil
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
