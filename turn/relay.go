package turn

import (
	"io"
	"net"
	"time"
)

// handleAllocate is spec.md §4.4's Allocate: authenticate, pick a
// transport, open the relay socket/listener, and reply with
// XOR-RELAYED-ADDRESS/XOR-MAPPED-ADDRESS/LIFETIME.
func (s *Server) handleAllocate(req *Message, fiveTuple string, control controlChannel, transport byte) {
	if !s.authenticate(req, control) {
		return
	}

	s.mu.Lock()
	if _, exists := s.allocations[fiveTuple]; exists {
		s.mu.Unlock()
		s.respondError(req, control, 437, "Allocation Mismatch")
		return
	}
	if len(s.allocations) >= s.cfg.MaxAllocations {
		s.mu.Unlock()
		s.respondError(req, control, 508, "Insufficient Capacity")
		return
	}
	s.mu.Unlock()

	reqTransport := TransportUDP
	if a, ok := req.Get(AttrRequestedTransport); ok && len(a.Value) >= 1 {
		reqTransport = a.Value[0]
	}

	username, _ := req.GetString(AttrUsername)
	alloc := newAllocation(fiveTuple, username, s.cfg.Realm, reqTransport)
	alloc.control = control

	var relayAddr net.Addr
	switch reqTransport {
	case TransportUDP:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.RelayAddress)})
		if err != nil {
			s.respondError(req, control, 508, "Insufficient Capacity")
			return
		}
		alloc.relayUDP = conn
		relayAddr = conn.LocalAddr()
		s.wg.Add(1)
		go s.relayUDPReadLoop(alloc)
	case TransportTCP:
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP(s.cfg.RelayAddress)})
		if err != nil {
			s.respondError(req, control, 508, "Insufficient Capacity")
			return
		}
		alloc.relayTCP = ln
		relayAddr = ln.Addr()
		s.wg.Add(1)
		go s.relayTCPAcceptLoop(alloc)
	default:
		s.respondError(req, control, 442, "Unsupported Transport Protocol")
		return
	}

	lifetime := s.cfg.DefaultLifetime
	alloc.refresh(time.Now(), lifetime)

	s.mu.Lock()
	s.allocations[fiveTuple] = alloc
	s.mu.Unlock()
	s.metrics.allocationCreated()

	resp := NewMessage(ClassSuccess, MethodAllocate)
	resp.TransactionID = req.TransactionID
	if udpAddr, ok := relayAddr.(*net.UDPAddr); ok {
		resp.AddXorAddress(AttrXorRelayedAddress, udpAddr)
	} else if tcpAddr, ok := relayAddr.(*net.TCPAddr); ok {
		resp.AddXorAddress(AttrXorRelayedAddress, &net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port})
	}
	if clientUDP, err := net.ResolveUDPAddr("udp", fiveTuple); err == nil {
		resp.AddXorAddress(AttrXorMappedAddress, clientUDP)
	}
	lifetimeBytes := make([]byte, 4)
	putUint32(lifetimeBytes, uint32(lifetime.Seconds()))
	resp.AddAttr(AttrLifetime, lifetimeBytes)
	control.send(Encode(resp, nil))
}

func (s *Server) handleRefresh(req *Message, fiveTuple string, control controlChannel) {
	if !s.authenticate(req, control) {
		return
	}
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil {
		s.respondError(req, control, 437, "Allocation Mismatch")
		return
	}

	requested := s.cfg.DefaultLifetime
	if a, ok := req.Get(AttrLifetime); ok && len(a.Value) == 4 {
		requested = time.Duration(getUint32(a.Value)) * time.Second
	}

	now := time.Now()
	alloc.refresh(now, requested)

	if alloc.expired(now) {
		s.mu.Lock()
		delete(s.allocations, fiveTuple)
		s.mu.Unlock()
		alloc.close()
		s.metrics.allocationRemoved()
	}

	resp := NewMessage(ClassSuccess, MethodRefresh)
	resp.TransactionID = req.TransactionID
	lifetimeBytes := make([]byte, 4)
	if !alloc.expired(now) {
		putUint32(lifetimeBytes, uint32(requested.Seconds()))
	}
	resp.AddAttr(AttrLifetime, lifetimeBytes)
	control.send(Encode(resp, nil))
}

func (s *Server) handleCreatePermission(req *Message, fiveTuple string, control controlChannel) {
	if !s.authenticate(req, control) {
		return
	}
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil {
		s.respondError(req, control, 437, "Allocation Mismatch")
		return
	}
	now := time.Now()
	for _, a := range req.Attributes {
		if a.Type != AttrXorPeerAddress {
			continue
		}
		addr, err := decodeXorAddress(a.Value, req.TransactionID)
		if err != nil {
			continue
		}
		alloc.createPermission(addr.IP.String(), now)
	}

	resp := NewMessage(ClassSuccess, MethodCreatePermission)
	resp.TransactionID = req.TransactionID
	control.send(Encode(resp, nil))
}

func (s *Server) handleChannelBind(req *Message, fiveTuple string, control controlChannel) {
	if !s.authenticate(req, control) {
		return
	}
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil {
		s.respondError(req, control, 437, "Allocation Mismatch")
		return
	}

	numAttr, ok := req.Get(AttrChannelNumber)
	peerAttr, ok2 := req.Get(AttrXorPeerAddress)
	if !ok || !ok2 || len(numAttr.Value) < 2 {
		s.respondError(req, control, 400, "Bad Request")
		return
	}
	number := uint16(numAttr.Value[0])<<8 | uint16(numAttr.Value[1])
	peerAddr, err := decodeXorAddress(peerAttr.Value, req.TransactionID)
	if err != nil {
		s.respondError(req, control, 400, "Bad Request")
		return
	}

	if err := alloc.bindChannel(number, peerAddr.String(), peerAddr.IP.String(), time.Now()); err != nil {
		s.respondError(req, control, 400, "Bad Request")
		return
	}

	resp := NewMessage(ClassSuccess, MethodChannelBind)
	resp.TransactionID = req.TransactionID
	control.send(Encode(resp, nil))
}

// handleSendIndication relays a client's SEND indication payload to the
// named peer, if a live permission exists. No response is sent:
// indications are fire-and-forget, RFC 5766 §10.
func (s *Server) handleSendIndication(req *Message, fiveTuple string) {
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil || alloc.relayUDP == nil {
		return
	}
	peerAttr, ok := req.Get(AttrXorPeerAddress)
	dataAttr, ok2 := req.Get(AttrData)
	if !ok || !ok2 {
		return
	}
	peerAddr, err := decodeXorAddress(peerAttr.Value, req.TransactionID)
	if err != nil {
		return
	}
	if !alloc.hasPermission(peerAddr.IP.String(), time.Now()) {
		s.metrics.denied()
		return
	}
	n, _ := alloc.relayUDP.WriteToUDP(dataAttr.Value, peerAddr)
	s.metrics.relayed("outbound", n)
}

// handleOutboundChannelData relays a ChannelData frame received on the
// client control channel to the bound peer, RFC 5766 §11.5.
func (s *Server) handleOutboundChannelData(control controlChannel, fiveTuple string, number uint16, payload []byte) {
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil || alloc.relayUDP == nil {
		return
	}
	peer, ok := alloc.peerForChannel(number)
	if !ok {
		return
	}
	peerAddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return
	}
	if !alloc.hasPermission(peerAddr.IP.String(), time.Now()) {
		s.metrics.denied()
		return
	}
	n, _ := alloc.relayUDP.WriteToUDP(payload, peerAddr)
	s.metrics.relayed("outbound", n)
}

// relayUDPReadLoop is the per-allocation task reading peer-bound
// traffic off the relay socket and forwarding it to the client, either
// as ChannelData (channel bound) or a DataIndication (spec.md §4.4).
func (s *Server) relayUDPReadLoop(alloc *Allocation) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := alloc.relayUDP.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !alloc.hasPermission(from.IP.String(), time.Now()) {
			s.metrics.denied()
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		s.metrics.relayed("inbound", n)

		if number, ok := alloc.channelForPeer(from.String()); ok {
			frame := encodeChannelData(number, payload)
			if _, isTCP := alloc.control.(*tcpControlChannel); isTCP {
				frame = padTCP(frame)
			}
			alloc.control.send(frame)
			continue
		}

		ind := NewMessage(ClassIndication, MethodData)
		ind.AddXorAddress(AttrXorPeerAddress, from)
		ind.AddAttr(AttrData, payload)
		alloc.control.send(Encode(ind, nil))
	}
}

// relayTCPAcceptLoop accepts inbound peer connections on a TCP relay
// listener (the server acting as the RFC 6062 "accept" path for peers
// connecting to an allocation that a client never explicitly Connect()ed
// out to) and raises a ConnectionAttemptIndication for each.
func (s *Server) relayTCPAcceptLoop(alloc *Allocation) {
	defer s.wg.Done()
	for {
		conn, err := alloc.relayTCP.AcceptTCP()
		if err != nil {
			return
		}
		peer := conn.RemoteAddr().(*net.TCPAddr)
		if !alloc.hasPermission(peer.IP.String(), time.Now()) {
			conn.Close()
			continue
		}
		id := alloc.newTCPPeerConn(peer, conn, time.Now())
		ind := NewMessage(ClassIndication, MethodConnectionAttempt)
		ind.AddAttr(AttrConnectionID, uint32Bytes(id))
		ind.AddXorAddress(AttrXorPeerAddress, &net.UDPAddr{IP: peer.IP, Port: peer.Port})
		alloc.control.send(Encode(ind, nil))
	}
}

// handleConnect is RFC 6062 §4's Connect: dial the peer (5s timeout)
// and hand back a fresh CONNECTION-ID.
func (s *Server) handleConnect(req *Message, fiveTuple string, control controlChannel) {
	if !s.authenticate(req, control) {
		return
	}
	alloc := s.lookupAllocation(fiveTuple)
	if alloc == nil {
		s.respondError(req, control, 437, "Allocation Mismatch")
		return
	}
	peerAttr, ok := req.Get(AttrXorPeerAddress)
	if !ok {
		s.respondError(req, control, 400, "Bad Request")
		return
	}
	peerAddr, err := decodeXorAddress(peerAttr.Value, req.TransactionID)
	if err != nil {
		s.respondError(req, control, 400, "Bad Request")
		return
	}
	if !alloc.hasPermission(peerAddr.IP.String(), time.Now()) {
		s.respondError(req, control, 403, "Forbidden")
		return
	}

	tcpPeer := &net.TCPAddr{IP: peerAddr.IP, Port: peerAddr.Port}
	conn, err := net.DialTimeout("tcp", tcpPeer.String(), 5*time.Second)
	if err != nil {
		s.respondError(req, control, 447, "Connection Timeout or Failure")
		return
	}
	id := alloc.newTCPPeerConn(tcpPeer, conn.(*net.TCPConn), time.Now())

	resp := NewMessage(ClassSuccess, MethodConnect)
	resp.TransactionID = req.TransactionID
	resp.AddAttr(AttrConnectionID, uint32Bytes(id))
	control.send(Encode(resp, nil))
}

// handleConnectionBind is RFC 6062 §5's ConnectionBind, received on a
// *fresh* TCP connection from the client (not the original control
// connection). On success it pairs that connection's stream with the
// peer connection's stream and starts the bidirectional copy loop;
// returns true when it has taken ownership of conn (the caller's
// framed-read loop must stop touching it).
func (s *Server) handleConnectionBind(req *Message, conn *net.TCPConn, control controlChannel) bool {
	idAttr, ok := req.Get(AttrConnectionID)
	if !ok || len(idAttr.Value) != 4 {
		s.respondError(req, control, 400, "Bad Request")
		return false
	}
	id := getUint32(idAttr.Value)

	s.mu.Lock()
	var pc *tcpPeerConn
	for _, alloc := range s.allocations {
		if found, ok := alloc.takeTCPPeerConn(id); ok {
			pc = found
			break
		}
	}
	s.mu.Unlock()

	if pc == nil {
		s.respondError(req, control, 400, "Bad Request")
		return false
	}

	resp := NewMessage(ClassSuccess, MethodConnectionBind)
	resp.TransactionID = req.TransactionID
	if err := control.send(Encode(resp, nil)); err != nil {
		conn.Close()
		return true
	}

	s.wg.Add(1)
	go s.copyLoop(conn, pc.conn)
	return true
}

// copyLoop is the raw bidirectional conduit RFC 6062 §5 requires once a
// data connection is bound: bytes flow until either side closes.
func (s *Server) copyLoop(client, peer *net.TCPConn) {
	defer s.wg.Done()
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(peer, client)
		s.metrics.relayed("outbound", int(n))
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, peer)
		s.metrics.relayed("inbound", int(n))
		done <- struct{}{}
	}()
	<-done
	client.Close()
	peer.Close()
	<-done
}

func (s *Server) lookupAllocation(fiveTuple string) *Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocations[fiveTuple]
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	putUint32(b, v)
	return b
}
