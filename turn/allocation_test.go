package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationRefreshAndExpiry(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	a.refresh(now, 10*time.Minute)
	assert.False(t, a.expired(now.Add(5*time.Minute)))
	assert.True(t, a.expired(now.Add(11*time.Minute)))
}

func TestAllocationRefreshZeroLifetimeExpiresImmediately(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	a.refresh(now, 10*time.Minute)
	a.refresh(now, 0)
	assert.True(t, a.expired(now))
}

func TestAllocationRefreshClampsToMaxLifetime(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	a.refresh(now, 10*time.Hour)
	assert.False(t, a.expired(now.Add(MaxAllocationLifetime-time.Minute)))
	assert.True(t, a.expired(now.Add(MaxAllocationLifetime+time.Minute)))
}

func TestPermissionLifecycle(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	assert.False(t, a.hasPermission("203.0.113.9", now))

	a.createPermission("203.0.113.9", now)
	assert.True(t, a.hasPermission("203.0.113.9", now))
	assert.True(t, a.hasPermission("203.0.113.9", now.Add(4*time.Minute)))
	assert.False(t, a.hasPermission("203.0.113.9", now.Add(6*time.Minute)))
}

func TestChannelBindRejectsOutOfRange(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	err := a.bindChannel(0x3FFF, "203.0.113.9:4000", "203.0.113.9", time.Now())
	assert.ErrorIs(t, err, ErrInvalidChannelNumber)
}

func TestChannelBindOneChannelPerPeerAndBack(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	require.NoError(t, a.bindChannel(0x4000, "203.0.113.9:4000", "203.0.113.9", now))

	// rebinding the same pair is a refresh, not an error.
	require.NoError(t, a.bindChannel(0x4000, "203.0.113.9:4000", "203.0.113.9", now))

	err := a.bindChannel(0x4001, "203.0.113.9:4000", "203.0.113.9", now)
	assert.ErrorIs(t, err, ErrPeerAlreadyBound)

	err = a.bindChannel(0x4000, "198.51.100.77:4000", "198.51.100.77", now)
	assert.ErrorIs(t, err, ErrChannelAlreadyBound)

	n, ok := a.channelForPeer("203.0.113.9:4000")
	require.True(t, ok)
	assert.Equal(t, uint16(0x4000), n)

	peer, ok := a.peerForChannel(0x4000)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9:4000", peer)

	// binding a channel also installs/refreshes a permission for the peer.
	assert.True(t, a.hasPermission("203.0.113.9", now))
}

func TestSweepExpiredDropsStalePermissionsAndChannels(t *testing.T) {
	a := newAllocation("198.51.100.1:5000", "alice", "example.com", TransportUDP)
	now := time.Now()
	a.createPermission("203.0.113.9", now)
	require.NoError(t, a.bindChannel(0x4000, "198.51.100.77:4000", "198.51.100.77", now))

	a.sweepExpired(now.Add(6 * time.Minute))
	assert.False(t, a.hasPermission("203.0.113.9", now.Add(6*time.Minute)))

	a.sweepExpired(now.Add(11 * time.Minute))
	_, ok := a.peerForChannel(0x4000)
	assert.False(t, ok)
}
