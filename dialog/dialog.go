// Package dialog builds RFC 3261 §12 dialogues on top of a completed
// INVITE transaction: the (Call-ID, local tag, remote tag) identity
// triple, the remote target and route set, and the monotonically
// increasing local CSeq used to build further in-dialog requests.
//
// Grounded on emiago-sipgo's dialog_client.go/dialog_server.go for the
// construction and Hangup shape, adapted to the transaction package's
// engine/Transaction types instead of sipgo's ClientTx/ServerTx.
package dialog

import (
	"fmt"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"

	"github.com/sipsorcery-go/corestack/message"
	"github.com/sipsorcery-go/corestack/transaction"
)

// State is the dialogue lifecycle of RFC 3261 §12: a dialogue exists in
// early state once a provisional response with a To-tag arrives, moves
// to confirmed on the 2xx, and to terminated when Hangup sends a BYE. A
// BYE received from the peer does not change the state of a Dialog.
type State int

const (
	StateEarly State = iota
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateEarly:
		return "early"
	case StateConfirmed:
		return "confirmed"
	default:
		return "terminated"
	}
}

// Dialog is one established call leg.
type Dialog struct {
	id string // internal correlation id, not a wire value

	callID    string
	localTag  string
	remoteTag string

	localURI  message.URI
	remoteURI message.URI

	remoteTarget message.URI // from the peer's Contact
	routeSet     []message.URI

	localSeq  atomic.Uint32
	remoteSeq uint32

	state State

	transport string
	engine    *transaction.Engine
}

// Identity is the (Call-ID, local tag, remote tag) triple RFC 3261
// §12.1 uses to address a dialogue.
func (d *Dialog) Identity() (callID, localTag, remoteTag string) {
	return d.callID, d.localTag, d.remoteTag
}

// newCorrelationID mints the Dialog's internal id, the way
// emiago-sipgo's dialog_server.go mints a fresh To-tag.
func newCorrelationID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Must(uuid.NewV4()).String()
	}
	return id.String()
}

func (d *Dialog) State() State { return d.state }

// FromClientInvite builds a new dialogue from the UAC side:
// origin is the INVITE the engine sent, resp is a provisional-with-tag
// or 2xx response that established it.
func FromClientInvite(engine *transaction.Engine, origin *message.Request, resp *message.Response) (*Dialog, error) {
	if resp.To.Tag() == "" {
		return nil, fmt.Errorf("dialog: response has no To tag")
	}
	d := &Dialog{
		id:        newCorrelationID(),
		callID:    origin.CallID,
		localTag:  origin.From.Tag(),
		remoteTag: resp.To.Tag(),
		localURI:  origin.From.URI,
		remoteURI: resp.To.URI,
		transport: origin.Transport,
		engine:    engine,
	}
	d.localSeq.Store(origin.CSeq.SeqNo)
	d.applyResponse(resp)
	return d, nil
}

// FromServerInvite builds a new dialogue from the UAS side:
// origin is the INVITE received, resp is the provisional-with-tag or
// 2xx response the user agent sent back.
func FromServerInvite(engine *transaction.Engine, origin *message.Request, resp *message.Response) (*Dialog, error) {
	if resp.To.Tag() == "" {
		return nil, fmt.Errorf("dialog: response has no To tag")
	}
	d := &Dialog{
		id:        newCorrelationID(),
		callID:    origin.CallID,
		localTag:  resp.To.Tag(),
		remoteTag: origin.From.Tag(),
		localURI:  resp.To.URI,
		remoteURI: origin.From.URI,
		transport: origin.Transport,
		engine:    engine,
		remoteSeq: origin.CSeq.SeqNo,
	}
	if origin.Contact != nil {
		d.remoteTarget = origin.Contact.URI
	}
	// RFC 3261 §12.1.1: the UAS route set is the request's Record-Route,
	// taken in REVERSE order (the UAS is now sending in the other
	// direction).
	for i := len(origin.RecordRoute) - 1; i >= 0; i-- {
		d.routeSet = append(d.routeSet, origin.RecordRoute[i])
	}
	d.applyResponseState(resp)
	return d, nil
}

// applyResponse updates dialogue state from a response received on the
// client side (§12.1.2: route set is the response's Record-Route,
// taken in reverse order).
func (d *Dialog) applyResponse(resp *message.Response) {
	if d.remoteTarget.Host == "" && resp.Contact != nil {
		d.remoteTarget = resp.Contact.URI
	}
	if len(d.routeSet) == 0 && len(resp.RecordRoute) > 0 {
		for i := len(resp.RecordRoute) - 1; i >= 0; i-- {
			d.routeSet = append(d.routeSet, resp.RecordRoute[i])
		}
	}
	d.applyResponseState(resp)
}

func (d *Dialog) applyResponseState(resp *message.Response) {
	switch {
	case resp.IsSuccess():
		d.state = StateConfirmed
	case resp.IsProvisional() && resp.StatusCode > 100:
		d.state = StateEarly
	}
}

// NewInDialogRequest builds a request routed within this dialogue, per
// RFC 3261 §12.2.1.1: fresh branch, incremented local CSeq (for every
// method, ACK included), Route set, and target from the stored remote
// target.
func (d *Dialog) NewInDialogRequest(method message.Method) *message.Request {
	target := d.remoteTarget
	req := message.NewRequest(method, target)
	req.Transport = d.transport
	req.CallID = d.callID
	req.From = message.Addr{URI: d.localURI, Params: message.NewParams()}
	req.From.Params.Add("tag", d.localTag)
	req.To = message.Addr{URI: d.remoteURI, Params: message.NewParams()}
	req.To.Params.Add("tag", d.remoteTag)
	req.MaxForwards = 70

	seq := d.localSeq.Add(1)
	req.CSeq = message.CSeq{SeqNo: seq, Method: method}

	req.Route = append([]message.URI(nil), d.routeSet...)

	via := message.Via{Transport: d.transport, Params: message.NewParams()}
	via.Params.Add("branch", transaction.GenerateBranch())
	req.Via = []message.Via{via}

	return req
}

// Hangup sends a BYE within the dialogue and waits for it to complete,
// per spec.md §4.3's dialogue teardown operation.
func (d *Dialog) Hangup() error {
	if d.state == StateTerminated {
		return nil
	}
	bye := d.NewInDialogRequest(message.BYE)
	tx, err := d.engine.Request(bye)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	tx.OnResponse(func(_ *transaction.Transaction, resp *message.Response) {
		if resp.IsProvisional() {
			return
		}
		var result error
		if !resp.IsSuccess() {
			result = fmt.Errorf("dialog: BYE answered %d %s", resp.StatusCode, resp.Reason)
		}
		select {
		case done <- result:
		default:
		}
	})
	tx.OnTerminate(func(_ *transaction.Transaction, termErr error) {
		select {
		case done <- termErr:
		default:
		}
	})
	d.state = StateTerminated
	return <-done
}
