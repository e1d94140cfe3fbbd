// Package turn implements the RFC 5766 TURN relay server and its RFC
// 6062 TCP relay extension: the STUN/TURN wire codec, the allocation
// lifecycle (permissions, channel bindings, TCP peer connections), and
// the UDP/TCP framing rules of spec.md §4.4.
//
// No library in the retrieved example corpus implements the STUN wire
// format, so this codec is hand-written directly against RFC 5389/5766
// text; every other concern below (logging, metrics, locking) still
// follows the teacher's idioms. See DESIGN.md for the full accounting.
package turn

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
)

// fingerprintXor is XORed into the computed CRC-32 before it is written,
// RFC 5389 §15.5.
const fingerprintXor uint32 = 0x5354554e

// MagicCookie is the fixed STUN header value, RFC 5389 §6.
const MagicCookie uint32 = 0x2112A442

// Method is the STUN/TURN method encoded in the low 12 (non-contiguous)
// bits of the message type.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
	MethodConnect          Method = 0x00a
	MethodConnectionBind   Method = 0x00b
	MethodConnectionAttempt Method = 0x00c
)

// Class is the two-bit STUN message class, RFC 5389 §6.
type Class uint16

const (
	ClassRequest    Class = 0x000
	ClassIndication Class = 0x010
	ClassSuccess    Class = 0x100
	ClassError      Class = 0x110
)

// AttrType is a STUN/TURN attribute type, RFC 5389/5766 §18.2/14.
type AttrType uint16

const (
	AttrMappedAddress        AttrType = 0x0001
	AttrUsername             AttrType = 0x0006
	AttrMessageIntegrity     AttrType = 0x0008
	AttrErrorCode            AttrType = 0x0009
	AttrUnknownAttributes    AttrType = 0x000a
	AttrRealm                AttrType = 0x0014
	AttrNonce                AttrType = 0x0015
	AttrXorMappedAddress     AttrType = 0x0020
	AttrChannelNumber        AttrType = 0x000c
	AttrLifetime             AttrType = 0x000d
	AttrXorPeerAddress       AttrType = 0x0012
	AttrData                 AttrType = 0x0013
	AttrXorRelayedAddress    AttrType = 0x0016
	AttrRequestedTransport   AttrType = 0x0019
	AttrRequestedAddrFamily  AttrType = 0x0017
	AttrConnectionID         AttrType = 0x002a
	AttrFingerprint          AttrType = 0x8028
)

// TransportUDP/TransportTCP are the REQUESTED-TRANSPORT protocol codes
// of RFC 5766 §14.7.
const (
	TransportUDP byte = 0x11
	TransportTCP byte = 0x06
)

var (
	ErrMalformedMessage = errors.New("turn: malformed stun message")
	ErrIntegrityMissing = errors.New("turn: message-integrity attribute missing")
	ErrIntegrityInvalid = errors.New("turn: message-integrity does not verify")
)

// Message is a parsed STUN/TURN message: header fields plus an ordered
// attribute list, preserved in wire order so MESSAGE-INTEGRITY's
// "up to but not including itself" rule can be applied positionally.
type Message struct {
	Method        Method
	Class         Class
	TransactionID [12]byte
	Attributes    []Attribute

	// raw holds the original bytes this message was parsed from, needed
	// to recompute/verify MESSAGE-INTEGRITY over the exact wire form.
	raw []byte
}

type Attribute struct {
	Type  AttrType
	Value []byte
}

func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

func (m *Message) GetString(t AttrType) (string, bool) {
	a, ok := m.Get(t)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// messageType packs Method/Class into the 16-bit STUN message type,
// RFC 5389 §6: class bits sit at positions 4 and 8, method bits fill
// the rest, interleaved around them.
func (m *Message) messageType() uint16 {
	method := uint16(m.Method)
	a := method & 0xF
	b := (method >> 4) & 0x7
	d := (method >> 7) & 0x3F
	return a | (b << 5) | (d << 9) | uint16(m.Class)
}

func decodeMessageType(v uint16) (Method, Class) {
	class := Class(v & 0x110)
	a := v & 0xF
	b := (v >> 5) & 0x7
	d := (v >> 9) & 0x3F
	method := Method(a | (b << 4) | (d << 7))
	return method, class
}

// NewMessage builds a fresh message with a random transaction id.
func NewMessage(class Class, method Method) *Message {
	m := &Message{Method: method, Class: class}
	randomTransactionID(&m.TransactionID)
	return m
}

func randomTransactionID(b *[12]byte) {
	_, _ = rand.Read(b[:])
}

// AddAttr appends an attribute in wire order.
func (m *Message) AddAttr(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}

func (m *Message) AddXorAddress(t AttrType, addr *net.UDPAddr) {
	m.AddAttr(t, encodeXorAddress(addr, m.TransactionID))
}

func (m *Message) AddErrorCode(code int, reason string) {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	m.AddAttr(AttrErrorCode, v)
}

func (m *Message) ErrorCode() (int, string, bool) {
	a, ok := m.Get(AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, "", false
	}
	code := int(a.Value[2])*100 + int(a.Value[3])
	return code, string(a.Value[4:]), true
}

// Encode serialises m to wire bytes. key, if non-nil, is the long-term
// credential HMAC-MD5 key; when set, a MESSAGE-INTEGRITY attribute is
// computed and appended per spec.md §4.4.
func Encode(m *Message, key []byte) []byte {
	var body []byte
	for _, a := range m.Attributes {
		body = appendAttr(body, a.Type, a.Value)
	}

	if key != nil {
		// Header length "as if" MI were the last attribute: current
		// attrs length + 24 bytes (4-byte attr header + 20-byte HMAC).
		hdrLenWithMI := uint16(len(body) + 24)
		header := encodeHeader(m, hdrLenWithMI)
		mac := computeHMAC(key, append(header, body...))
		body = appendAttr(body, AttrMessageIntegrity, mac)
	}

	header := encodeHeader(m, uint16(len(body)))
	return append(header, body...)
}

func encodeHeader(m *Message, attrsLen uint16) []byte {
	h := make([]byte, 20)
	binary.BigEndian.PutUint16(h[0:2], m.messageType())
	binary.BigEndian.PutUint16(h[2:4], attrsLen)
	binary.BigEndian.PutUint32(h[4:8], MagicCookie)
	copy(h[8:20], m.TransactionID[:])
	return h
}

func appendAttr(body []byte, t AttrType, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	body = append(body, hdr...)
	body = append(body, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		body = append(body, make([]byte, pad)...)
	}
	return body
}

// Decode parses a STUN/TURN message from raw bytes. It does not check
// MESSAGE-INTEGRITY; call VerifyIntegrity separately once the caller
// knows the credential.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 20 {
		return nil, ErrMalformedMessage
	}
	msgType := binary.BigEndian.Uint16(raw[0:2])
	if msgType&0xC000 != 0 {
		return nil, ErrMalformedMessage
	}
	attrsLen := binary.BigEndian.Uint16(raw[2:4])
	cookie := binary.BigEndian.Uint32(raw[4:8])
	if cookie != MagicCookie {
		return nil, ErrMalformedMessage
	}
	if len(raw) < 20+int(attrsLen) {
		return nil, ErrMalformedMessage
	}

	m := &Message{raw: raw[:20+int(attrsLen)]}
	copy(m.TransactionID[:], raw[8:20])
	m.Method, m.Class = decodeMessageType(msgType)

	off := 20
	end := 20 + int(attrsLen)
	for off+4 <= end {
		t := AttrType(binary.BigEndian.Uint16(raw[off : off+2]))
		l := int(binary.BigEndian.Uint16(raw[off+2 : off+4]))
		off += 4
		if off+l > end {
			return nil, ErrMalformedMessage
		}
		val := raw[off : off+l]
		m.Attributes = append(m.Attributes, Attribute{Type: t, Value: append([]byte(nil), val...)})
		off += l
		off += (4 - l%4) % 4
	}
	return m, nil
}

// computeHMAC is the HMAC-MD5 key=MD5(user:realm:pass) scheme of RFC
// 5389 §15.4, applied over msg.
func computeHMAC(key, msg []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// EncodeWithFingerprint encodes m as Encode does (with MESSAGE-INTEGRITY
// when key is non-nil) and appends a FINGERPRINT attribute computed over
// that encoding, RFC 5389 §15.5.
func EncodeWithFingerprint(m *Message, key []byte) []byte {
	encoded := Encode(m, key)
	withLen := make([]byte, len(encoded))
	copy(withLen, encoded)
	binary.BigEndian.PutUint16(withLen[2:4], uint16(len(encoded)-20+8))
	sum := crc32.ChecksumIEEE(withLen) ^ fingerprintXor
	fp := make([]byte, 4)
	binary.BigEndian.PutUint32(fp, sum)
	return appendAttrToMessage(withLen, AttrFingerprint, fp)
}

func appendAttrToMessage(header []byte, t AttrType, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	return append(append(header, hdr...), value...)
}

// VerifyFingerprint checks a trailing FINGERPRINT attribute against the
// CRC-32 of everything preceding it in m's raw bytes.
func VerifyFingerprint(m *Message) error {
	a, ok := m.Get(AttrFingerprint)
	if !ok {
		return errors.New("turn: fingerprint attribute missing")
	}
	offset := indexOfAttr(m.raw, AttrFingerprint)
	if offset < 0 || len(a.Value) != 4 {
		return errors.New("turn: fingerprint attribute missing")
	}
	patched := append([]byte(nil), m.raw[:offset]...)
	binary.BigEndian.PutUint16(patched[2:4], uint16(offset-20+8))
	want := binary.BigEndian.Uint32(a.Value)
	got := crc32.ChecksumIEEE(patched) ^ fingerprintXor
	if got != want {
		return errors.New("turn: fingerprint does not match")
	}
	return nil
}

// LongTermKey derives the HMAC-MD5 key from a long-term credential.
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// VerifyIntegrity recomputes MESSAGE-INTEGRITY over m's raw bytes,
// patching the header length to "as if" MI were the last attribute per
// spec.md §4.4, and compares in constant time.
func VerifyIntegrity(m *Message, key []byte) error {
	a, ok := m.Get(AttrMessageIntegrity)
	if !ok {
		return ErrIntegrityMissing
	}
	offset := indexOfAttr(m.raw, AttrMessageIntegrity)
	if offset < 0 {
		return ErrIntegrityMissing
	}
	patched := append([]byte(nil), m.raw[:offset]...)
	binary.BigEndian.PutUint16(patched[2:4], uint16(offset-20+24))
	mac := computeHMAC(key, patched)
	if subtle.ConstantTimeCompare(mac, a.Value) != 1 {
		return ErrIntegrityInvalid
	}
	return nil
}

// indexOfAttr returns the byte offset of t's 4-byte attribute header
// within raw, or -1 if absent. Used to find where to truncate raw for
// MESSAGE-INTEGRITY recomputation.
func indexOfAttr(raw []byte, t AttrType) int {
	if len(raw) < 20 {
		return -1
	}
	attrsLen := int(binary.BigEndian.Uint16(raw[2:4]))
	off := 20
	end := 20 + attrsLen
	for off+4 <= end && off+4 <= len(raw) {
		at := AttrType(binary.BigEndian.Uint16(raw[off : off+2]))
		l := int(binary.BigEndian.Uint16(raw[off+2 : off+4]))
		if at == t {
			return off
		}
		off += 4 + l + (4-l%4)%4
	}
	return -1
}

// encodeXorAddress renders a XOR-MAPPED-ADDRESS-family attribute, RFC
// 5389 §15.2: family(1)/0(1)/port(2)/addr(4), XORed with the magic
// cookie. Only IPv4 addresses are encoded.
func encodeXorAddress(addr *net.UDPAddr, txID [12]byte) []byte {
	ip4 := addr.IP.To4()
	v := make([]byte, 8)
	v[1] = 0x01 // IPv4
	xport := uint16(addr.Port) ^ uint16(MagicCookie>>16)
	binary.BigEndian.PutUint16(v[2:4], xport)
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], MagicCookie)
	for i := 0; i < 4; i++ {
		v[4+i] = ip4[i] ^ cookie[i]
	}
	return v
}

// DecodeXorAddress exports decodeXorAddress for callers outside the
// package, such as turnclient, that need to parse XOR-*-ADDRESS
// attributes out of a received Message.
func DecodeXorAddress(v []byte, txID [12]byte) (*net.UDPAddr, error) {
	return decodeXorAddress(v, txID)
}

func decodeXorAddress(v []byte, txID [12]byte) (*net.UDPAddr, error) {
	if len(v) < 8 {
		return nil, fmt.Errorf("turn: short xor-address attribute")
	}
	port := binary.BigEndian.Uint16(v[2:4]) ^ uint16(MagicCookie>>16)
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], MagicCookie)
	ip := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		ip[i] = v[4+i] ^ cookie[i]
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
