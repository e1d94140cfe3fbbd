package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipsorcery-go/corestack/message"
)

func mustURI(t *testing.T, s string) message.URI {
	t.Helper()
	u, err := message.ParseURI(s)
	require.NoError(t, err)
	return u
}

func newTestInvite(t *testing.T) *message.Request {
	t.Helper()
	req := message.NewRequest(message.INVITE, mustURI(t, "sip:bob@example.com"))
	req.Transport = "UDP"
	req.Via = []message.Via{{Transport: "UDP", Host: "192.0.2.1", Port: 5060, Params: message.NewParams()}}
	req.Via[0].Params.Add("branch", "z9hG4bK1")
	req.From = message.Addr{URI: mustURI(t, "sip:alice@example.com"), Params: message.NewParams()}
	req.From.Params.Add("tag", "fromtag")
	req.To = message.Addr{URI: mustURI(t, "sip:bob@example.com"), Params: message.NewParams()}
	req.CallID = "call-1@example.com"
	req.CSeq = message.CSeq{SeqNo: 1, Method: message.INVITE}
	return req
}

func TestFromClientInviteRequiresToTag(t *testing.T) {
	req := newTestInvite(t)
	resp := message.NewResponseFromRequest(req, 200, "OK")
	_, err := FromClientInvite(nil, req, resp)
	assert.Error(t, err)
}

func TestFromClientInviteBuildsConfirmedDialog(t *testing.T) {
	req := newTestInvite(t)
	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.To.Params = message.NewParams()
	resp.To.Params.Add("tag", "totag")
	contact := message.Addr{URI: mustURI(t, "sip:bob@198.51.100.9:5060")}
	resp.Contact = &contact

	d, err := FromClientInvite(nil, req, resp)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, d.State())
	callID, localTag, remoteTag := d.Identity()
	assert.Equal(t, "call-1@example.com", callID)
	assert.Equal(t, "fromtag", localTag)
	assert.Equal(t, "totag", remoteTag)
	assert.Equal(t, "198.51.100.9", d.remoteTarget.Host)
}

func TestNewInDialogRequestIncrementsCSeq(t *testing.T) {
	req := newTestInvite(t)
	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.To.Params = message.NewParams()
	resp.To.Params.Add("tag", "totag")
	contact := message.Addr{URI: mustURI(t, "sip:bob@198.51.100.9:5060")}
	resp.Contact = &contact

	d, err := FromClientInvite(nil, req, resp)
	require.NoError(t, err)

	bye1 := d.NewInDialogRequest(message.BYE)
	bye2 := d.NewInDialogRequest(message.BYE)
	assert.Equal(t, uint32(2), bye1.CSeq.SeqNo)
	assert.Equal(t, uint32(3), bye2.CSeq.SeqNo)
	assert.NotEqual(t, bye1.Branch(), bye2.Branch())
	assert.Equal(t, "totag", bye1.To.Tag())
	assert.Equal(t, "fromtag", bye1.From.Tag())
}

func TestFromServerInviteReversesRecordRoute(t *testing.T) {
	req := newTestInvite(t)
	req.RecordRoute = []message.URI{mustURI(t, "sip:proxy1.example.com"), mustURI(t, "sip:proxy2.example.com")}
	req.Contact = &message.Addr{URI: mustURI(t, "sip:alice@192.0.2.1:5060")}

	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.To.Params = message.NewParams()
	resp.To.Params.Add("tag", "totag")
	resp.RecordRoute = req.RecordRoute

	d, err := FromServerInvite(nil, req, resp)
	require.NoError(t, err)
	require.Len(t, d.routeSet, 2)
	assert.Equal(t, "proxy2.example.com", d.routeSet[0].Host)
	assert.Equal(t, "proxy1.example.com", d.routeSet[1].Host)
	assert.Equal(t, "192.0.2.1", d.remoteTarget.Host)
}
