package message

import (
	"fmt"
	"strings"
)

// Request is a SIP request message, RFC 3261 §7.1.
type Request struct {
	Method      Method
	RequestURI  URI
	SipVersion  string
	Via         []Via
	From        Addr
	To          Addr
	CallID      string
	CSeq        CSeq
	Contact     *Addr
	RecordRoute []URI
	Route       []URI
	Require     []string
	Supported   []string
	MaxForwards uint32
	ContentType string
	Body        []byte

	// RAck is the RAck header RFC 3262 §7.2 requires on a PRACK,
	// acknowledging the RSeq/CSeq/method of the reliable provisional it
	// answers.
	RAck *RAck

	// Source/Destination record the transport-layer endpoints this
	// request arrived from or should be sent to; the transport
	// collaborator fills these in, the core never resolves DNS itself.
	Source      string
	Destination string
	Transport   string
}

// NewRequest builds the skeleton of a request. Via/From/To/CallID/CSeq
// must be filled in by the caller (normally the transaction layer or the
// dialogue layer) before it is usable.
func NewRequest(method Method, uri URI) *Request {
	return &Request{
		Method:     method,
		RequestURI: uri,
		SipVersion: "SIP/2.0",
	}
}

func (r *Request) IsInvite() bool  { return r.Method == INVITE }
func (r *Request) IsAck() bool     { return r.Method == ACK }
func (r *Request) IsCancel() bool  { return r.Method == CANCEL }
func (r *Request) IsPrack() bool   { return r.Method == PRACK }

func (r *Request) TopVia() (Via, bool) {
	if len(r.Via) == 0 {
		return Via{}, false
	}
	return r.Via[0], true
}

func (r *Request) Branch() string {
	if v, ok := r.TopVia(); ok {
		return v.Branch()
	}
	return ""
}

// PrackSupported reports whether this request negotiated RFC 3262
// reliable provisional responses via Require/Supported: 100rel.
func (r *Request) PrackSupported() bool {
	for _, v := range r.Require {
		if strings.EqualFold(v, "100rel") {
			return true
		}
	}
	for _, v := range r.Supported {
		if strings.EqualFold(v, "100rel") {
			return true
		}
	}
	return false
}

func (r *Request) StartLine() string {
	return fmt.Sprintf("%s %s %s", r.Method, r.RequestURI.String(), r.SipVersion)
}

func (r *Request) Short() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s uri=%s branch=%s cseq=%s", r.Method, r.RequestURI.String(), r.Branch(), r.CSeq.String())
}

// Clone performs a shallow-independent clone: mutating the clone's
// slices/params never affects the original.
func (r *Request) Clone() *Request {
	c := *r
	c.Via = cloneVias(r.Via)
	c.From = r.From.Clone()
	c.To = r.To.Clone()
	if r.Contact != nil {
		contact := r.Contact.Clone()
		c.Contact = &contact
	}
	c.RecordRoute = cloneURIs(r.RecordRoute)
	c.Route = cloneURIs(r.Route)
	c.Require = append([]string(nil), r.Require...)
	c.Supported = append([]string(nil), r.Supported...)
	c.Body = append([]byte(nil), r.Body...)
	if r.RAck != nil {
		rack := *r.RAck
		c.RAck = &rack
	}
	return &c
}

// NewPrack builds the PRACK acknowledging a reliable provisional
// response, RFC 3262 §7.1: its own branch/CSeq, carrying an RAck of the
// provisional's RSeq, the INVITE's CSeq number and method.
func NewPrack(origin *Request, provisional *Response, branch string) *Request {
	p := NewRequest(PRACK, origin.RequestURI.Clone())
	p.SipVersion = origin.SipVersion
	via := origin.Via[0].Clone()
	via.Params.Add("branch", branch)
	p.Via = []Via{via}
	p.Route = cloneURIs(origin.Route)
	p.MaxForwards = 70
	p.From = origin.From.Clone()
	p.To = provisional.To.Clone()
	p.CallID = origin.CallID
	p.CSeq = CSeq{SeqNo: origin.CSeq.SeqNo + 1, Method: PRACK}
	p.RAck = &RAck{RSeq: provisional.RSeq, CSeq: origin.CSeq.SeqNo, Method: origin.Method}
	p.Transport = origin.Transport
	return p
}

func cloneVias(vs []Via) []Via {
	out := make([]Via, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out
}

func cloneURIs(us []URI) []URI {
	out := make([]URI, len(us))
	for i, u := range us {
		out[i] = u.Clone()
	}
	return out
}

// NewAckForNon2xx builds the in-transaction ACK for a non-2xx final
// response: same branch as origin, per RFC 3261 §17.1.1.3.
func NewAckForNon2xx(origin *Request, resp *Response) *Request {
	ack := NewRequest(ACK, origin.RequestURI.Clone())
	ack.SipVersion = origin.SipVersion
	ack.Via = []Via{origin.Via[0].Clone()}
	if len(origin.Route) > 0 {
		ack.Route = cloneURIs(origin.Route)
	} else {
		for i := len(resp.RecordRoute) - 1; i >= 0; i-- {
			ack.Route = append(ack.Route, resp.RecordRoute[i].Clone())
		}
	}
	ack.MaxForwards = 70
	ack.From = origin.From.Clone()
	ack.To = resp.To.Clone()
	ack.CallID = origin.CallID
	ack.CSeq = CSeq{SeqNo: origin.CSeq.SeqNo, Method: ACK}
	ack.Transport = origin.Transport
	ack.Source = origin.Source
	ack.Destination = origin.Destination
	return ack
}

// NewAckForSuccess builds the new-transaction ACK for a 2xx final
// response: a fresh branch, sent to the response's Contact (or the
// original request URI if none was given), per RFC 3261 §13.2.2.4.
func NewAckForSuccess(origin *Request, resp *Response, branch string) *Request {
	target := origin.RequestURI.Clone()
	if resp.Contact != nil {
		target = resp.Contact.URI.Clone()
	}
	ack := NewRequest(ACK, target)
	ack.SipVersion = origin.SipVersion
	via := origin.Via[0].Clone()
	via.Params.Add("branch", branch)
	ack.Via = []Via{via}
	ack.Route = cloneURIs(resp.RecordRoute)
	ack.MaxForwards = 70
	ack.From = origin.From.Clone()
	ack.To = resp.To.Clone()
	ack.CallID = origin.CallID
	ack.CSeq = CSeq{SeqNo: origin.CSeq.SeqNo, Method: ACK}
	ack.Transport = origin.Transport
	return ack
}

// NewCancel builds the CANCEL for a still-outstanding INVITE, RFC 3261 §9.1.
func NewCancel(origin *Request) *Request {
	c := NewRequest(CANCEL, origin.RequestURI.Clone())
	c.SipVersion = origin.SipVersion
	c.Via = []Via{origin.Via[0].Clone()}
	c.Route = cloneURIs(origin.Route)
	c.MaxForwards = 70
	c.From = origin.From.Clone()
	c.To = origin.To.Clone()
	c.CallID = origin.CallID
	c.CSeq = CSeq{SeqNo: origin.CSeq.SeqNo, Method: CANCEL}
	c.Transport = origin.Transport
	c.Source = origin.Source
	c.Destination = origin.Destination
	return c
}
