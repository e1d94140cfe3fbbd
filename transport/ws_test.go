package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, addr string) net.Conn {
	t.Helper()
	dialer := ws.DefaultDialer
	dialer.Protocols = wsProtocols
	conn, _, _, err := dialer.Dial(context.Background(), "ws://"+addr)
	require.NoError(t, err)
	return conn
}

func TestListenWSDispatchesInboundMessage(t *testing.T) {
	l := NewLayer(nil)
	addr, err := l.ListenWS(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	got := make(chan string, 1)
	l.OnMessage(func(localAddr, remoteAddr string, msg any) {
		got <- remoteAddr
	})

	conn := dialWS(t, addr)
	defer conn.Close()

	raw := "OPTIONS sip:bob@example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/WS 198.51.100.1;branch=z9hG4bK1\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"Call-ID: wstest\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n"
	require.NoError(t, wsutil.WriteClientText(conn, []byte(raw)))

	select {
	case remote := <-got:
		require.Equal(t, conn.LocalAddr().String(), remote)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
}

func TestWSBindingSendRoundTrip(t *testing.T) {
	l := NewLayer(nil)
	addr, err := l.ListenWS(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conn := dialWS(t, addr)
	defer conn.Close()

	dialedAddr := conn.LocalAddr().String()

	// Wait for the server side to register the accepted connection under
	// the client's remote address before Send() can find it.
	var b *wsBinding
	require.Eventually(t, func() bool {
		l.mu.RLock()
		defer l.mu.RUnlock()
		bind, ok := l.binds["WS"].(*wsBinding)
		if !ok {
			return false
		}
		bind.mu.Lock()
		_, found := bind.conns[dialedAddr]
		bind.mu.Unlock()
		b = bind
		return found
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Send(dialedAddr, []byte("SIP/2.0 200 OK\r\n\r\n")))

	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.Contains(t, string(data), "200 OK")
}

func TestWSBindingSendUnknownDest(t *testing.T) {
	b := &wsBinding{conns: make(map[string]net.Conn)}
	err := b.Send("203.0.113.9:1234", []byte("x"))
	require.Error(t, err)
}
