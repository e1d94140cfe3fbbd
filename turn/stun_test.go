package turn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeRoundTrip(t *testing.T) {
	cases := []struct {
		method Method
		class  Class
	}{
		{MethodBinding, ClassRequest},
		{MethodAllocate, ClassRequest},
		{MethodAllocate, ClassSuccess},
		{MethodAllocate, ClassError},
		{MethodRefresh, ClassIndication},
		{MethodChannelBind, ClassSuccess},
		{MethodConnectionAttempt, ClassIndication},
	}
	for _, c := range cases {
		m := &Message{Method: c.method, Class: c.class}
		wire := m.messageType()
		assert.Equal(t, uint32(0), uint32(wire)&0xC000, "top two bits must be clear")
		gotMethod, gotClass := decodeMessageType(wire)
		assert.Equal(t, c.method, gotMethod)
		assert.Equal(t, c.class, gotClass)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMessage(ClassRequest, MethodAllocate)
	m.AddAttr(AttrUsername, []byte("alice"))
	m.AddAttr(AttrRealm, []byte("example.com"))

	raw := Encode(m, nil)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, MethodAllocate, got.Method)
	assert.Equal(t, ClassRequest, got.Class)
	assert.Equal(t, m.TransactionID, got.TransactionID)

	username, ok := got.GetString(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}

func TestEncodeDecodeWithMessageIntegrity(t *testing.T) {
	key := LongTermKey("alice", "example.com", "secret")

	m := NewMessage(ClassRequest, MethodAllocate)
	m.AddAttr(AttrUsername, []byte("alice"))
	m.AddAttr(AttrRealm, []byte("example.com"))
	m.AddAttr(AttrNonce, []byte("abc123"))

	raw := Encode(m, key)
	got, err := Decode(raw)
	require.NoError(t, err)

	require.NoError(t, VerifyIntegrity(got, key))
}

func TestVerifyIntegrityRejectsWrongKey(t *testing.T) {
	key := LongTermKey("alice", "example.com", "secret")
	wrongKey := LongTermKey("alice", "example.com", "wrong")

	m := NewMessage(ClassRequest, MethodAllocate)
	m.AddAttr(AttrUsername, []byte("alice"))
	raw := Encode(m, key)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyIntegrity(got, wrongKey), ErrIntegrityInvalid)
}

func TestVerifyIntegrityMissingAttribute(t *testing.T) {
	m := NewMessage(ClassRequest, MethodAllocate)
	raw := Encode(m, nil)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyIntegrity(got, []byte("key")), ErrIntegrityMissing)
}

func TestFingerprintRoundTrip(t *testing.T) {
	m := NewMessage(ClassRequest, MethodBinding)
	raw := EncodeWithFingerprint(m, nil)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, VerifyFingerprint(got))
}

func TestFingerprintDetectsTampering(t *testing.T) {
	m := NewMessage(ClassRequest, MethodBinding)
	raw := EncodeWithFingerprint(m, nil)
	raw[8] ^= 0xFF

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Error(t, VerifyFingerprint(got))
}

func TestXorAddressRoundTrip(t *testing.T) {
	m := NewMessage(ClassSuccess, MethodAllocate)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 54321}
	m.AddXorAddress(AttrXorRelayedAddress, addr)

	raw := Encode(m, nil)
	got, err := Decode(raw)
	require.NoError(t, err)

	a, ok := got.Get(AttrXorRelayedAddress)
	require.True(t, ok)
	decoded, err := decodeXorAddress(a.Value, got.TransactionID)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(decoded.IP))
	assert.Equal(t, addr.Port, decoded.Port)
}

func TestErrorCodeRoundTrip(t *testing.T) {
	m := NewMessage(ClassError, MethodAllocate)
	m.AddErrorCode(437, "Allocation Mismatch")

	raw := Encode(m, nil)
	got, err := Decode(raw)
	require.NoError(t, err)

	code, reason, ok := got.ErrorCode()
	require.True(t, ok)
	assert.Equal(t, 437, code)
	assert.Equal(t, "Allocation Mismatch", reason)
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeRejectsBadMagicCookie(t *testing.T) {
	m := NewMessage(ClassRequest, MethodBinding)
	raw := Encode(m, nil)
	raw[4] ^= 0xFF
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
