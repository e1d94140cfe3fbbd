package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipsorcery-go/corestack/message"
)

// fakeConn records every request/response handed to it; it stands in
// for transport.Layer in these tests the way emiago-sipgo's tests use
// an in-memory fake transport.
type fakeConn struct {
	mu        sync.Mutex
	requests  []*message.Request
	responses []*message.Response
}

func (f *fakeConn) SendRequest(r *message.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	return nil
}

func (f *fakeConn) SendResponse(r *message.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, r)
	return nil
}

func (f *fakeConn) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeConn) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func (f *fakeConn) lastResponse() *message.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

func mustURI(t *testing.T, s string) message.URI {
	t.Helper()
	u, err := message.ParseURI(s)
	require.NoError(t, err)
	return u
}

func newTestInvite(t *testing.T, transport, branch string) *message.Request {
	t.Helper()
	req := message.NewRequest(message.INVITE, mustURI(t, "sip:bob@example.com"))
	req.Via = []message.Via{{
		Transport: transport,
		Host:      "192.0.2.1",
		Port:      5060,
		Params:    message.NewParams(),
	}}
	req.Via[0].Params.Add("branch", branch)
	req.From = message.Addr{URI: mustURI(t, "sip:alice@example.com"), Params: message.NewParams()}
	req.From.Params.Add("tag", "fromtag")
	req.To = message.Addr{URI: mustURI(t, "sip:bob@example.com"), Params: message.NewParams()}
	req.CallID = "call-1@example.com"
	req.CSeq = message.CSeq{SeqNo: 1, Method: message.INVITE}
	req.Transport = transport
	req.Source = "192.0.2.2:5060"
	req.Destination = "192.0.2.2:5060"
	return req
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.T1 = 10 * time.Millisecond
	cfg.T2 = 40 * time.Millisecond
	cfg.T4 = 20 * time.Millisecond
	cfg.T6 = 30 * time.Millisecond
	cfg.MaxRingTime = 200 * time.Millisecond
	return cfg
}

func TestRetransmitInterval(t *testing.T) {
	cfg := Config{T1: 500 * time.Millisecond, T2: 4 * time.Second}
	assert.Equal(t, 500*time.Millisecond, cfg.retransmitInterval(1))
	assert.Equal(t, time.Second, cfg.retransmitInterval(2))
	assert.Equal(t, 2*time.Second, cfg.retransmitInterval(3))
	assert.Equal(t, 4*time.Second, cfg.retransmitInterval(4))
	assert.Equal(t, 4*time.Second, cfg.retransmitInterval(5)) // capped at T2
	assert.Equal(t, 4*time.Second, cfg.retransmitInterval(100))
}

func TestIDFoldsAckToInvite(t *testing.T) {
	assert.Equal(t, ID("z9hG4bKxyz", message.INVITE), ID("z9hG4bKxyz", message.ACK))
	assert.NotEqual(t, ID("z9hG4bKxyz", message.INVITE), ID("z9hG4bKxyz", message.BYE))
}

// TestInviteClientRetransmitsOverUDP exercises property: an INVITE client
// transaction over an unreliable transport retransmits on the
// min(2^(n-1)*T1, T2) schedule until a response arrives.
func TestInviteClientRetransmitsOverUDP(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteClient, ID(req.Branch(), req.Method), req, conn, cfg, nil, true, NewMetrics())
	require.NoError(t, tx.start())
	assert.Equal(t, 1, conn.requestCount())

	// No retransmit before T1 elapses.
	tx.tick(time.Now())
	assert.Equal(t, 1, conn.requestCount())

	time.Sleep(cfg.T1 + 5*time.Millisecond)
	tx.tick(time.Now())
	assert.Equal(t, 2, conn.requestCount())
	assert.Equal(t, 1, tx.retransmits)
}

// TestInviteClientTimesOutAfter64T1 exercises Timer B / Timer F of RFC
// 3261 §17.1.1.2: give up after 64*T1 with no final response.
func TestInviteClientTimesOutAfter64T1(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteClient, ID(req.Branch(), req.Method), req, conn, cfg, nil, true, NewMetrics())
	var terminated bool
	var reason error
	tx.OnTerminate(func(_ *Transaction, err error) {
		terminated = true
		reason = err
	})
	require.NoError(t, tx.start())

	deadline := time.Now().Add(64*cfg.T1 + 50*time.Millisecond)
	for time.Now().Before(deadline) && tx.State() != StateTerminated {
		tx.tick(time.Now())
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StateTerminated, tx.State())
	time.Sleep(5 * time.Millisecond) // let the async OnTerminate callback land
	assert.True(t, terminated)
	assert.ErrorIs(t, reason, ErrTransactionTimeout)
}

// TestInviteClientBuildsAckForNon2xx checks that a non-2xx final
// response provokes an automatic in-transaction ACK, per RFC 3261
// §17.1.1.3.
func TestInviteClientBuildsAckForNon2xx(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteClient, ID(req.Branch(), req.Method), req, conn, cfg, nil, true, NewMetrics())
	require.NoError(t, tx.start())

	resp := message.NewResponseFromRequest(req, 486, "Busy Here")
	tx.onResponse(resp)

	assert.Equal(t, StateCompleted, tx.State())
	require.Equal(t, 2, conn.requestCount()) // original INVITE + ACK
	ack := conn.requests[1]
	assert.Equal(t, message.ACK, ack.Method)
	assert.Equal(t, req.Branch(), ack.Branch())
}

// TestInviteClientSendsAckOn2xx checks that a 2xx final response
// provokes the UAC's own new-branch ACK, RFC 3261 §13.2.2.4, and moves
// the transaction to Confirmed rather than ending it outright.
func TestInviteClientSendsAckOn2xx(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteClient, ID(req.Branch(), req.Method), req, conn, cfg, nil, true, NewMetrics())
	require.NoError(t, tx.start())

	resp := message.NewResponseFromRequest(req, 200, "OK")
	tx.onResponse(resp)

	assert.Equal(t, StateConfirmed, tx.State())
	require.Equal(t, 2, conn.requestCount()) // original INVITE + new-branch ACK
	ack := conn.requests[1]
	assert.Equal(t, message.ACK, ack.Method)
	assert.NotEqual(t, req.Branch(), ack.Branch())
}

// TestInviteServerRetransmitsFinalResponse checks Timer G: a server
// transaction resends its non-2xx final response until ACKed.
func TestInviteServerRetransmitsFinalResponse(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteServer, ID(req.Branch(), req.Method), req, conn, cfg, nil, false, NewMetrics())
	tx.setState(StateProceeding)

	resp := message.NewResponseFromRequest(req, 486, "Busy Here")
	require.NoError(t, tx.Respond(resp))
	assert.Equal(t, StateCompleted, tx.State())
	assert.Equal(t, 1, conn.responseCount())

	time.Sleep(cfg.T1 + 5*time.Millisecond)
	tx.tick(time.Now())
	assert.Equal(t, 2, conn.responseCount())

	ack := message.NewAckForNon2xx(req, resp)
	tx.onRequest(ack)
	assert.Equal(t, StateConfirmed, tx.State())

	time.Sleep(cfg.T6 + 5*time.Millisecond)
	tx.tick(time.Now())
	assert.Equal(t, StateTerminated, tx.State())
}

// TestInviteServerRingingTimeout exercises the MAX_RING_TIME expiry
// rule of spec.md §4.1.
func TestInviteServerRingingTimeout(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	tx := newTransaction(KindInviteServer, ID(req.Branch(), req.Method), req, conn, cfg, nil, false, NewMetrics())
	require.NoError(t, tx.Respond(message.NewResponseFromRequest(req, 180, "Ringing")))
	assert.Equal(t, StateProceeding, tx.State())

	deadline := time.Now().Add(cfg.MaxRingTime + 50*time.Millisecond)
	for time.Now().Before(deadline) && tx.State() != StateTerminated {
		tx.tick(time.Now())
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StateTerminated, tx.State())
}

// TestNonInviteClientRetransmitAndComplete exercises the non-INVITE
// client FSM of RFC 3261 §17.1.2.
func TestNonInviteClientRetransmitAndComplete(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	req.Method = message.OPTIONS
	req.CSeq.Method = message.OPTIONS
	tx := newTransaction(KindNonInvite, ID(req.Branch(), req.Method), req, conn, cfg, nil, true, NewMetrics())
	require.NoError(t, tx.start())

	time.Sleep(cfg.T1 + 5*time.Millisecond)
	tx.tick(time.Now())
	assert.Equal(t, 2, conn.requestCount())

	resp := message.NewResponseFromRequest(req, 200, "OK")
	tx.onResponse(resp)
	assert.Equal(t, StateCompleted, tx.State())

	time.Sleep(cfg.T4 + 5*time.Millisecond)
	tx.tick(time.Now())
	assert.Equal(t, StateTerminated, tx.State())
}

// TestCancelCallback exercises the real engine-level CANCEL path: a
// CANCEL shares the INVITE's branch but carries its own CSeq method, so
// it is matched by raw branch (transaction/engine.go's handleCancel),
// not by the ACK-folded transaction id, per spec.md §4.1/§4.2.
func TestCancelCallback(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	eng := NewEngine(cfg, conn, nil)

	var tx *Transaction
	var txReady sync.WaitGroup
	txReady.Add(1)
	eng.OnNewCall(func(t *Transaction, _ *message.Request) {
		tx = t
		txReady.Done()
	})

	req := newTestInvite(t, "UDP", GenerateBranch())
	eng.HandleMessage("", req.Source, req)
	txReady.Wait()
	require.Equal(t, StateProceeding, tx.State())

	var called bool
	var wg sync.WaitGroup
	wg.Add(1)
	tx.OnCancel(func(_ *Transaction) {
		called = true
		wg.Done()
	})

	cancel := message.NewCancel(req)
	eng.HandleMessage("", req.Source, cancel)
	wg.Wait()

	assert.True(t, called)
	assert.Equal(t, StateCancelled, tx.State())

	require.GreaterOrEqual(t, conn.responseCount(), 2)
	var saw487, saw200 bool
	for _, resp := range conn.responses {
		switch resp.StatusCode {
		case 487:
			saw487 = true
		case 200:
			saw200 = true
		}
	}
	assert.True(t, saw487, "expected an auto-487 on the cancelled INVITE")
	assert.True(t, saw200, "expected a 200 OK answering the CANCEL itself")
}

// TestPrackMatchesReliableProvisional exercises spec.md §4.2 step 5: a
// PRACK rides its own branch/transaction but is routed to the INVITE
// server transaction holding the reliable provisional it acknowledges,
// by Call-ID/From-tag/RAck triple, and gets its own 200 OK.
func TestPrackMatchesReliableProvisional(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	eng := NewEngine(cfg, conn, nil)

	var tx *Transaction
	var txReady sync.WaitGroup
	txReady.Add(1)
	eng.OnNewCall(func(t *Transaction, _ *message.Request) {
		tx = t
		txReady.Done()
	})

	req := newTestInvite(t, "UDP", GenerateBranch())
	req.Require = []string{"100rel"}
	eng.HandleMessage("", req.Source, req)
	txReady.Wait()

	provisional := message.NewResponseFromRequest(req, 183, "Session Progress")
	require.NoError(t, tx.Respond(provisional))
	require.NotZero(t, provisional.RSeq)

	prack := message.NewPrack(req, provisional, GenerateBranch())
	eng.HandleMessage("", req.Source, prack)

	require.Eventually(t, func() bool {
		return tx.StoredPrack() != nil
	}, time.Second, time.Millisecond)

	assert.Equal(t, prack, tx.StoredPrack())
	last := conn.lastResponse()
	require.NotNil(t, last)
	assert.Equal(t, 200, last.StatusCode)
	assert.Equal(t, message.PRACK, last.CSeq.Method)
}

// TestInviteServerProvisionalTimeoutEvent exercises spec.md §4.2's
// driver-loop rule: an unacknowledged reliable provisional fires
// provisional_response_timed_out without failing the transaction.
func TestInviteServerProvisionalTimeoutEvent(t *testing.T) {
	cfg := testConfig()
	conn := &fakeConn{}
	req := newTestInvite(t, "UDP", GenerateBranch())
	req.Require = []string{"100rel"}
	tx := newTransaction(KindInviteServer, ID(req.Branch(), req.Method), req, conn, cfg, nil, false, NewMetrics())
	tx.setState(StateProceeding)

	var fired bool
	var wg sync.WaitGroup
	wg.Add(1)
	tx.OnProvisionalTimeout(func(_ *Transaction) {
		fired = true
		wg.Done()
	})

	provisional := message.NewResponseFromRequest(req, 183, "Session Progress")
	require.NoError(t, tx.Respond(provisional))
	require.NotZero(t, provisional.RSeq)

	deadline := time.Now().Add(cfg.T6 + 50*time.Millisecond)
	for time.Now().Before(deadline) && !tx.provisionalExpired {
		tx.tick(time.Now())
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	assert.True(t, fired)
	assert.NotEqual(t, StateTerminated, tx.State())
}
