// Package message is the SIP message collaborator: a parser/serialiser
// that hands the transaction and dialogue layers the narrow set of
// headers spec.md §6 names (Via, From, To, CSeq, Call-ID, Contact,
// Record-Route, Route, Require, Supported, RSeq, RAck, Content-Type,
// Content-Length, Max-Forwards). It owns no transaction-layer semantics.
package message

import (
	"strconv"
	"strings"
)

// Method is a SIP request method name.
type Method string

const (
	INVITE    Method = "INVITE"
	ACK       Method = "ACK"
	CANCEL    Method = "CANCEL"
	BYE       Method = "BYE"
	REGISTER  Method = "REGISTER"
	OPTIONS   Method = "OPTIONS"
	PRACK     Method = "PRACK"
	SUBSCRIBE Method = "SUBSCRIBE"
	NOTIFY    Method = "NOTIFY"
)

// RFC3261BranchMagicCookie prefixes every compliant Via branch parameter.
const RFC3261BranchMagicCookie = "z9hG4bK"

// Via is one hop of a Via header; only the top hop is relevant to the
// core, but a request can carry more after it has been proxied.
type Via struct {
	Transport string // UDP, TCP, TLS, WS, WSS
	Host      string
	Port      int
	Params    Params
}

func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// SentBy renders "host:port", defaulting the port from Transport.
func (v Via) SentBy() string {
	port := v.Port
	if port == 0 {
		port = DefaultPort(v.Transport)
	}
	return v.Host + ":" + strconv.Itoa(port)
}

func (v Via) Clone() Via {
	c := v
	c.Params = v.Params.Clone()
	return c
}

func (v Via) String() string {
	var b strings.Builder
	b.WriteString("SIP/2.0/")
	b.WriteString(v.Transport)
	b.WriteString(" ")
	b.WriteString(v.Host)
	if v.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(v.Port))
	}
	if len(v.Params) > 0 {
		v.Params.ToStringWrite(';', &b)
	}
	return b.String()
}

// DefaultPort returns the conventional port for a transport name.
func DefaultPort(transport string) int {
	switch strings.ToUpper(transport) {
	case "TLS", "WSS":
		return 5061
	default:
		return 5060
	}
}

// IsReliable reports whether a transport guarantees delivery/ordering,
// which governs whether timer-A-style retransmission is needed at all.
func IsReliable(transport string) bool {
	switch strings.ToUpper(transport) {
	case "TCP", "TLS", "WS", "WSS":
		return true
	default:
		return false
	}
}

// Addr is a display-name + URI pair used by From/To/Contact.
type Addr struct {
	DisplayName string
	URI         URI
	Params      Params
}

func (a Addr) Tag() string {
	t, _ := a.Params.Get("tag")
	return t
}

func (a Addr) Clone() Addr {
	return Addr{DisplayName: a.DisplayName, URI: a.URI.Clone(), Params: a.Params.Clone()}
}

func (a Addr) String() string {
	var b strings.Builder
	if a.DisplayName != "" {
		b.WriteString(`"`)
		b.WriteString(a.DisplayName)
		b.WriteString(`" `)
	}
	b.WriteString("<")
	b.WriteString(a.URI.String())
	b.WriteString(">")
	if len(a.Params) > 0 {
		a.Params.ToStringWrite(';', &b)
	}
	return b.String()
}

// CSeq is the CSeq header: a sequence number plus the method it paces.
type CSeq struct {
	SeqNo  uint32
	Method Method
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.SeqNo), 10) + " " + string(c.Method)
}

// RAck is the RAck header carried on a PRACK (RFC 3262 §7.2).
type RAck struct {
	RSeq   uint32
	CSeq   uint32
	Method Method
}

func (r RAck) String() string {
	return strconv.FormatUint(uint64(r.RSeq), 10) + " " + strconv.FormatUint(uint64(r.CSeq), 10) + " " + string(r.Method)
}
