package turn

import "time"

// bindChannel binds number to peer, refreshing the permission for
// peer's IP to match RFC 5766 §11's "ChannelBind also refreshes the
// permission" rule. Rebinding the same (number, peer) pair is a no-op
// refresh; binding either side to a different counterpart is rejected
// per spec.md §4.4's "not supported by this core" choice.
func (a *Allocation) bindChannel(number uint16, peer, peerIP string, now time.Time) error {
	if number < channelMin || number > channelMax {
		return ErrInvalidChannelNumber
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if existingPeer, ok := a.channelBindings[number]; ok && existingPeer != peer {
		return ErrChannelAlreadyBound
	}
	if existingChan, ok := a.channelByPeer[peer]; ok && existingChan != number {
		return ErrPeerAlreadyBound
	}

	a.channelBindings[number] = peer
	a.channelByPeer[peer] = number
	a.channelExpiry[number] = now.Add(DefaultAllocationLifetime)
	a.permissions[peerIP] = now.Add(DefaultPermissionLifetime)
	return nil
}

func (a *Allocation) channelForPeer(peer string) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.channelByPeer[peer]
	return n, ok
}

func (a *Allocation) peerForChannel(number uint16) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.channelBindings[number]
	return p, ok
}
