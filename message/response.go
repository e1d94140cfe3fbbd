package message

import "fmt"

// Response is a SIP response message, RFC 3261 §7.2.
type Response struct {
	SipVersion  string
	StatusCode  int
	Reason      string
	Via         []Via
	From        Addr
	To          Addr
	CallID      string
	CSeq        CSeq
	Contact     *Addr
	RecordRoute []URI
	Require     []string
	RSeq        uint32 // 0 if absent
	RAck        *RAck
	ContentType string
	Body        []byte

	Source      string
	Destination string
	Transport   string
}

// NewResponseFromRequest builds a response sharing the request's
// dialogue-identifying headers, per RFC 3261 §8.2.6.
func NewResponseFromRequest(req *Request, code int, reason string) *Response {
	r := &Response{
		SipVersion: req.SipVersion,
		StatusCode: code,
		Reason:     reason,
		Via:        cloneVias(req.Via),
		From:       req.From.Clone(),
		To:         req.To.Clone(),
		CallID:     req.CallID,
		CSeq:       req.CSeq,
		Transport:  req.Transport,
	}
	return r
}

func (r *Response) IsProvisional() bool { return r.StatusCode >= 100 && r.StatusCode < 200 }
func (r *Response) IsSuccess() bool     { return r.StatusCode >= 200 && r.StatusCode < 300 }
func (r *Response) IsReliableProvisional() bool {
	return r.StatusCode > 100 && r.IsProvisional()
}

func (r *Response) StartLine() string {
	return fmt.Sprintf("%s %d %s", r.SipVersion, r.StatusCode, r.Reason)
}

func (r *Response) Short() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d cseq=%s", r.StatusCode, r.CSeq.String())
}

func (r *Response) Clone() *Response {
	c := *r
	c.Via = cloneVias(r.Via)
	c.From = r.From.Clone()
	c.To = r.To.Clone()
	if r.Contact != nil {
		contact := r.Contact.Clone()
		c.Contact = &contact
	}
	c.RecordRoute = cloneURIs(r.RecordRoute)
	c.Require = append([]string(nil), r.Require...)
	c.Body = append([]byte(nil), r.Body...)
	if r.RAck != nil {
		rack := *r.RAck
		c.RAck = &rack
	}
	return &c
}
