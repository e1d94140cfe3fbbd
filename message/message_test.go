package message

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		in   string
		want URI
	}{
		{"sip:bob@example.com", URI{User: "bob", Host: "example.com"}},
		{"sip:bob@example.com:5080", URI{User: "bob", Host: "example.com", Port: 5080}},
		{"sips:alice:secret@example.com:5061", URI{Encrypted: true, User: "alice", Password: "secret", Host: "example.com", Port: 5061}},
		{"sip:example.com", URI{Host: "example.com"}},
	}
	for _, c := range cases {
		got, err := ParseURI(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want.User, got.User, c.in)
		assert.Equal(t, c.want.Host, got.Host, c.in)
		assert.Equal(t, c.want.Port, got.Port, c.in)
		assert.Equal(t, c.want.Encrypted, got.Encrypted, c.in)
	}
}

func TestParseURIWithParams(t *testing.T) {
	u, err := ParseURI("sip:bob@example.com;transport=tcp;lr")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.User)
	v, ok := u.Params.Get("transport")
	assert.True(t, ok)
	assert.Equal(t, "tcp", v)
	assert.True(t, u.Params.Has("lr"))
}

func TestURIHostPortDefaultsPort(t *testing.T) {
	u, err := ParseURI("sip:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com:5060", u.HostPort())
}

func TestParseURIFullStructDiff(t *testing.T) {
	got, err := ParseURI("sips:alice:secret@example.com:5061;transport=tcp")
	require.NoError(t, err)

	want := URI{
		Encrypted: true,
		User:      "alice",
		Password:  "secret",
		Host:      "example.com",
		Port:      5061,
		Params:    Params{{K: "transport", V: "tcp"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseURI mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsAddGetRemove(t *testing.T) {
	p := NewParams()
	p.Add("branch", "z9hG4bK1")
	p.Add("rport", "")
	v, ok := p.Get("BRANCH")
	assert.True(t, ok)
	assert.Equal(t, "z9hG4bK1", v)
	assert.True(t, p.Has("rport"))
	p.Remove("rport")
	assert.False(t, p.Has("rport"))
}

func TestParamsCloneIsIndependent(t *testing.T) {
	p := NewParams()
	p.Add("tag", "abc")
	clone := p.Clone()
	clone.Add("tag2", "xyz")
	assert.False(t, p.Has("tag2"))
}

func TestDefaultPortAndReliability(t *testing.T) {
	assert.Equal(t, 5060, DefaultPort("UDP"))
	assert.Equal(t, 5061, DefaultPort("TLS"))
	assert.True(t, IsReliable("TCP"))
	assert.True(t, IsReliable("tls"))
	assert.False(t, IsReliable("UDP"))
}

func TestRequestWriteAndParseRoundTrip(t *testing.T) {
	req := NewRequest(INVITE, URI{User: "bob", Host: "example.com"})
	req.Via = []Via{{Transport: "UDP", Host: "192.0.2.1", Port: 5060, Params: NewParams()}}
	req.Via[0].Params.Add("branch", "z9hG4bK123")
	req.From = Addr{URI: URI{User: "alice", Host: "example.com"}, Params: NewParams()}
	req.From.Params.Add("tag", "fromtag")
	req.To = Addr{URI: URI{User: "bob", Host: "example.com"}, Params: NewParams()}
	req.CallID = "abc123@example.com"
	req.CSeq = CSeq{SeqNo: 1, Method: INVITE}
	req.MaxForwards = 70
	req.Body = []byte("v=0\r\n")
	req.ContentType = "application/sdp"

	var buf bytes.Buffer
	require.NoError(t, req.Write(&buf))

	parsed, err := Parse(buf.Bytes())
	require.NoError(t, err)
	got, ok := parsed.(*Request)
	require.True(t, ok)

	assert.Equal(t, INVITE, got.Method)
	assert.Equal(t, "bob", got.RequestURI.User)
	assert.Equal(t, "z9hG4bK123", got.Branch())
	assert.Equal(t, "fromtag", got.From.Tag())
	assert.Equal(t, "abc123@example.com", got.CallID)
	assert.Equal(t, uint32(1), got.CSeq.SeqNo)
	assert.Equal(t, "v=0\r\n", string(got.Body))
}

func TestResponseWriteAndParseRoundTrip(t *testing.T) {
	req := NewRequest(INVITE, URI{User: "bob", Host: "example.com"})
	req.Via = []Via{{Transport: "UDP", Host: "192.0.2.1", Port: 5060, Params: NewParams()}}
	req.Via[0].Params.Add("branch", "z9hG4bK123")
	req.From = Addr{URI: URI{User: "alice", Host: "example.com"}, Params: NewParams()}
	req.To = Addr{URI: URI{User: "bob", Host: "example.com"}, Params: NewParams()}
	req.CallID = "abc123@example.com"
	req.CSeq = CSeq{SeqNo: 1, Method: INVITE}

	resp := NewResponseFromRequest(req, 180, "Ringing")
	resp.RSeq = 1001

	var buf bytes.Buffer
	require.NoError(t, resp.Write(&buf))

	parsed, err := Parse(buf.Bytes())
	require.NoError(t, err)
	got, ok := parsed.(*Response)
	require.True(t, ok)

	assert.Equal(t, 180, got.StatusCode)
	assert.True(t, got.IsProvisional())
	assert.True(t, got.IsReliableProvisional())
	assert.Equal(t, uint32(1001), got.RSeq)
}

func TestNewAckForNon2xxUsesOriginRoute(t *testing.T) {
	req := NewRequest(INVITE, URI{User: "bob", Host: "example.com"})
	req.Via = []Via{{Transport: "UDP", Host: "192.0.2.1", Params: NewParams()}}
	req.Via[0].Params.Add("branch", "z9hG4bK1")
	req.Route = []URI{{Host: "proxy.example.com"}}
	req.From = Addr{URI: URI{User: "alice", Host: "example.com"}}
	req.To = Addr{URI: URI{User: "bob", Host: "example.com"}}
	req.CallID = "abc@example.com"
	req.CSeq = CSeq{SeqNo: 1, Method: INVITE}

	resp := NewResponseFromRequest(req, 486, "Busy Here")
	ack := NewAckForNon2xx(req, resp)

	assert.Equal(t, ACK, ack.Method)
	assert.Equal(t, "z9hG4bK1", ack.Branch())
	require.Len(t, ack.Route, 1)
	assert.Equal(t, "proxy.example.com", ack.Route[0].Host)
}
