// Package transport is the socket-level collaborator spec.md §6 calls
// out as external to the core: it exposes SendRequest/SendResponse and
// delivers inbound messages through OnMessage, nothing more. Grounded on
// emiago-sipgo/transport and emiago-sipgo/sip/transport_*.go, trimmed to
// UDP and TCP bindings here plus the WebSocket binding in ws.go.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sipsorcery-go/corestack/message"
)

// MessageHandler receives a parsed inbound request or response, plus the
// local/remote endpoints it arrived on, as spec.md §6's
// `on_request(local_ep, remote_ep, request)` / `on_response(...)` hooks.
type MessageHandler func(localAddr, remoteAddr string, msg any)

// ErrKind distinguishes transport failures per spec.md §7's TransportError taxonomy.
type ErrKind int

const (
	ErrOther ErrKind = iota
	ErrTimedOut
	ErrConnectionReset
	ErrUnreachable
)

type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transport error (%d): %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapError(err error) *Error {
	if err == nil {
		return nil
	}
	kind := ErrOther
	switch {
	case err == net.ErrClosed:
		kind = ErrConnectionReset
	case isTimeout(err):
		kind = ErrTimedOut
	}
	return &Error{Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Layer multiplexes one or more network bindings (UDP, TCP, ...) behind
// a single SendRequest/SendResponse/OnMessage surface, the way
// emiago-sipgo/transport/layer.go multiplexes transport.Transport values.
type Layer struct {
	mu      sync.RWMutex
	binds   map[string]binding
	handler MessageHandler
	log     *slog.Logger
}

type binding interface {
	Network() string
	Send(destHostPort string, raw []byte) error
	Close() error
}

func NewLayer(log *slog.Logger) *Layer {
	if log == nil {
		log = slog.Default()
	}
	return &Layer{binds: make(map[string]binding), log: log.With("component", "transport.Layer")}
}

func (l *Layer) OnMessage(h MessageHandler) { l.handler = h }

// ListenUDP opens a UDP binding on addr and starts its read loop.
func (l *Layer) ListenUDP(ctx context.Context, addr string) (string, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", err
	}
	b := &udpBinding{conn: conn.(*net.UDPConn), log: l.log}
	l.mu.Lock()
	l.binds["UDP"] = b
	l.mu.Unlock()
	go l.readUDP(ctx, b)
	return conn.LocalAddr().String(), nil
}

// ListenTCP opens a TCP listener on addr and starts accepting.
func (l *Layer) ListenTCP(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	b := &tcpBinding{listener: ln, conns: make(map[string]net.Conn), log: l.log}
	l.mu.Lock()
	l.binds["TCP"] = b
	l.mu.Unlock()
	go l.acceptTCP(ctx, b)
	return ln.Addr().String(), nil
}

func (l *Layer) readUDP(ctx context.Context, b *udpBinding) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, raddr, err := b.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("udp read error", "error", err)
			continue
		}
		l.dispatch(b.conn.LocalAddr().String(), raddr.String(), "UDP", append([]byte(nil), buf[:n]...))
	}
}

func (l *Layer) acceptTCP(ctx context.Context, b *tcpBinding) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("tcp accept error", "error", err)
			return
		}
		b.mu.Lock()
		b.conns[conn.RemoteAddr().String()] = conn
		b.mu.Unlock()
		go l.readTCP(ctx, b, conn)
	}
}

func (l *Layer) readTCP(ctx context.Context, b *tcpBinding, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			b.mu.Lock()
			delete(b.conns, conn.RemoteAddr().String())
			b.mu.Unlock()
			return
		}
		l.dispatch(conn.LocalAddr().String(), conn.RemoteAddr().String(), "TCP", append([]byte(nil), buf[:n]...))
	}
}

func (l *Layer) dispatch(localAddr, remoteAddr, transport string, raw []byte) {
	msg, err := message.Parse(raw)
	if err != nil {
		l.log.Debug("parse error, dropping message", "error", err, "transport", transport)
		return
	}
	switch m := msg.(type) {
	case *message.Request:
		m.Source = remoteAddr
		m.Transport = transport
	case *message.Response:
		m.Source = remoteAddr
		m.Transport = transport
	}
	if l.handler != nil {
		l.handler(localAddr, remoteAddr, msg)
	}
}

// SendRequest implements the `send_request(request, destination?)` half
// of spec.md §6's transport collaborator contract.
func (l *Layer) SendRequest(r *message.Request) error {
	b, err := l.bindingFor(r.Transport)
	if err != nil {
		return err
	}
	var buf rawWriter
	if err := r.Write(&buf); err != nil {
		return wrapError(err)
	}
	dest := r.Destination
	if dest == "" {
		if v, ok := r.TopVia(); ok {
			dest = v.SentBy()
		}
	}
	if err := b.Send(dest, buf.Bytes()); err != nil {
		return wrapError(err)
	}
	return nil
}

// SendResponse implements `send_response(response)`; destination is
// derived from the top Via's received/rport/sent-by per spec.md §6.
func (l *Layer) SendResponse(r *message.Response) error {
	b, err := l.bindingFor(r.Transport)
	if err != nil {
		return err
	}
	var buf rawWriter
	if err := r.Write(&buf); err != nil {
		return wrapError(err)
	}
	dest := r.Destination
	if dest == "" && len(r.Via) > 0 {
		v := r.Via[0]
		host := v.Host
		if received, ok := v.Params.Get("received"); ok && received != "" {
			host = received
		}
		port := v.Port
		if port == 0 {
			port = message.DefaultPort(v.Transport)
		}
		if rport, ok := v.Params.Get("rport"); ok && rport != "" {
			dest = host + ":" + rport
		} else {
			dest = fmt.Sprintf("%s:%d", host, port)
		}
	}
	if err := b.Send(dest, buf.Bytes()); err != nil {
		return wrapError(err)
	}
	return nil
}

func (l *Layer) bindingFor(transport string) (binding, error) {
	if transport == "" {
		transport = "UDP"
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.binds[transport]
	if !ok {
		return nil, fmt.Errorf("no %s binding open", transport)
	}
	return b, nil
}

func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, b := range l.binds {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type rawWriter struct{ buf []byte }

func (w *rawWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
func (w *rawWriter) Bytes() []byte { return w.buf }

type udpBinding struct {
	conn *net.UDPConn
	log  *slog.Logger
}

func (b *udpBinding) Network() string { return "UDP" }
func (b *udpBinding) Close() error    { return b.conn.Close() }
func (b *udpBinding) Send(dest string, raw []byte) error {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return err
	}
	_, err = b.conn.WriteTo(raw, addr)
	return err
}

type tcpBinding struct {
	listener net.Listener
	mu       sync.Mutex
	conns    map[string]net.Conn
	log      *slog.Logger
}

func (b *tcpBinding) Network() string { return "TCP" }
func (b *tcpBinding) Close() error    { return b.listener.Close() }
func (b *tcpBinding) Send(dest string, raw []byte) error {
	b.mu.Lock()
	conn, ok := b.conns[dest]
	b.mu.Unlock()
	if !ok {
		var err error
		conn, err = net.Dial("tcp", dest)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.conns[dest] = conn
		b.mu.Unlock()
	}
	_, err := conn.Write(raw)
	return err
}
