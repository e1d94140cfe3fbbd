package turn

import "errors"

var (
	ErrInvalidChannelNumber = errors.New("turn: channel number out of range")
	ErrChannelAlreadyBound  = errors.New("turn: channel number bound to a different peer")
	ErrPeerAlreadyBound     = errors.New("turn: peer already bound to a different channel")
)
