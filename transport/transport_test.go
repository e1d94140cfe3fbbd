package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipsorcery-go/corestack/message"
)

// recordingBinding stands in for a real udpBinding/tcpBinding so
// SendRequest/SendResponse destination-derivation logic can be checked
// without opening real sockets.
type recordingBinding struct {
	mu      sync.Mutex
	network string
	sent    []string // destinations, in order
}

func (b *recordingBinding) Network() string { return b.network }
func (b *recordingBinding) Close() error    { return nil }
func (b *recordingBinding) Send(dest string, raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, dest)
	return nil
}

func newTestLayer(network string) (*Layer, *recordingBinding) {
	l := NewLayer(nil)
	b := &recordingBinding{network: network}
	l.binds[network] = b
	return l, b
}

func TestSendRequestDestinationFromTopVia(t *testing.T) {
	l, b := newTestLayer("UDP")
	req := message.NewRequest(message.INVITE, message.URI{User: "bob", Host: "example.com"})
	req.Transport = "UDP"
	req.Via = []message.Via{{Transport: "UDP", Host: "198.51.100.1", Port: 5060, Params: message.NewParams()}}
	req.From = message.Addr{URI: message.URI{User: "alice", Host: "example.com"}}
	req.To = message.Addr{URI: message.URI{User: "bob", Host: "example.com"}}
	req.CallID = "c1"
	req.CSeq = message.CSeq{SeqNo: 1, Method: message.INVITE}

	require.NoError(t, l.SendRequest(req))
	require.Len(t, b.sent, 1)
	assert.Equal(t, "198.51.100.1:5060", b.sent[0])
}

func TestSendRequestDestinationExplicit(t *testing.T) {
	l, b := newTestLayer("UDP")
	req := message.NewRequest(message.INVITE, message.URI{User: "bob", Host: "example.com"})
	req.Transport = "UDP"
	req.Destination = "203.0.113.9:5060"
	req.Via = []message.Via{{Transport: "UDP", Host: "198.51.100.1", Port: 5060, Params: message.NewParams()}}
	req.From = message.Addr{URI: message.URI{User: "alice", Host: "example.com"}}
	req.To = message.Addr{URI: message.URI{User: "bob", Host: "example.com"}}
	req.CallID = "c2"
	req.CSeq = message.CSeq{SeqNo: 1, Method: message.INVITE}

	require.NoError(t, l.SendRequest(req))
	assert.Equal(t, "203.0.113.9:5060", b.sent[0])
}

func TestSendResponseHonoursReceivedAndRport(t *testing.T) {
	l, b := newTestLayer("UDP")
	resp := &message.Response{
		SipVersion: "SIP/2.0",
		StatusCode: 200,
		Reason:     "OK",
		Transport:  "UDP",
		Via: []message.Via{{
			Transport: "UDP",
			Host:      "198.51.100.1",
			Port:      5060,
			Params:    message.NewParams(),
		}},
	}
	resp.Via[0].Params.Add("received", "203.0.113.55")
	resp.Via[0].Params.Add("rport", "9999")

	require.NoError(t, l.SendResponse(resp))
	require.Len(t, b.sent, 1)
	assert.Equal(t, "203.0.113.55:9999", b.sent[0])
}

func TestBindingForUnknownTransport(t *testing.T) {
	l, _ := newTestLayer("UDP")
	req := message.NewRequest(message.OPTIONS, message.URI{Host: "example.com"})
	req.Transport = "TCP"
	err := l.SendRequest(req)
	assert.Error(t, err)
}

func TestDispatchStampsSourceAndTransport(t *testing.T) {
	l, _ := newTestLayer("UDP")
	var got *message.Request
	l.OnMessage(func(localAddr, remoteAddr string, msg any) {
		if r, ok := msg.(*message.Request); ok {
			got = r
		}
	})

	raw := "OPTIONS sip:bob@example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 198.51.100.1:5060;branch=z9hG4bK1\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"Call-ID: c3\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n"
	l.dispatch("198.51.100.1:5060", "198.51.100.2:5060", "UDP", []byte(raw))

	require.NotNil(t, got)
	assert.Equal(t, "198.51.100.2:5060", got.Source)
	assert.Equal(t, "UDP", got.Transport)
}
