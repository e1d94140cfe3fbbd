package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsProtocols mirrors emiago-sipgo/transport/ws.go's
// WebSocketProtocols: clients must accept the "sip" subprotocol.
var wsProtocols = []string{"sip"}

// ListenWS opens a TCP listener on addr and upgrades each accepted
// connection to a WebSocket, framing SIP messages as RFC 7118 text
// frames instead of raw TCP bytes.
func (l *Layer) ListenWS(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	b := &wsBinding{conns: make(map[string]net.Conn), log: l.log}
	l.mu.Lock()
	l.binds["WS"] = b
	l.mu.Unlock()
	go l.acceptWS(ctx, ln, b)
	return ln.Addr().String(), nil
}

func (l *Layer) acceptWS(ctx context.Context, ln net.Listener, b *wsBinding) {
	defer ln.Close()
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": wsProtocols,
	})
	upgrader := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) { return header, nil },
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("ws accept error", "error", err)
			continue
		}
		if _, err := upgrader.Upgrade(conn); err != nil {
			l.log.Debug("ws upgrade failed", "error", err)
			conn.Close()
			continue
		}

		raddr := conn.RemoteAddr().String()
		b.mu.Lock()
		b.conns[raddr] = conn
		b.mu.Unlock()
		go l.readWS(ctx, b, conn, raddr)
	}
}

func (l *Layer) readWS(ctx context.Context, b *wsBinding, conn net.Conn, raddr string) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		delete(b.conns, raddr)
		b.mu.Unlock()
	}()

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue // empty frame: nothing to dispatch
		}
		l.dispatch(conn.LocalAddr().String(), raddr, "WS", data)
	}
}

type wsBinding struct {
	mu    sync.Mutex
	conns map[string]net.Conn
	log   *slog.Logger
}

func (b *wsBinding) Network() string { return "WS" }

func (b *wsBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, c := range b.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *wsBinding) Send(dest string, raw []byte) error {
	b.mu.Lock()
	conn, ok := b.conns[dest]
	b.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrOther, Err: fmt.Errorf("no ws connection to %s", dest)}
	}
	return wsutil.WriteServerText(conn, raw)
}
