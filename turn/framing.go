package turn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// frameKind distinguishes the two message shapes multiplexed onto a
// TURN control channel, spec.md §4.4 Framing.
type frameKind int

const (
	frameSTUN frameKind = iota
	frameChannelData
)

// classifyUDP inspects a UDP datagram's leading two bits to tell a STUN
// message (`00`) from a ChannelData message (`01`), RFC 5766 §11.4.
// UDP datagrams carry no padding.
func classifyUDP(b []byte) (frameKind, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("turn: datagram too short")
	}
	switch b[0] >> 6 {
	case 0x0:
		return frameSTUN, nil
	case 0x1:
		return frameChannelData, nil
	default:
		return 0, fmt.Errorf("turn: unrecognised datagram leading bits")
	}
}

// channelDataHeader is the 4-byte ChannelData header: 2-byte channel
// number, 2-byte data length.
func decodeChannelData(b []byte) (number uint16, data []byte, err error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("turn: channeldata frame too short")
	}
	number = binary.BigEndian.Uint16(b[0:2])
	length := binary.BigEndian.Uint16(b[2:4])
	if len(b) < 4+int(length) {
		return 0, nil, fmt.Errorf("turn: channeldata length exceeds frame")
	}
	return number, b[4 : 4+int(length)], nil
}

func encodeChannelData(number uint16, data []byte) []byte {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(frame[0:2], number)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[4:], data)
	// RFC 5766 §11.5: pad TCP ChannelData to a 4-byte boundary. UDP
	// carries the unpadded form; the caller decides per-transport.
	return frame
}

// padTCP rounds a ChannelData frame up to a 4-byte boundary as RFC 5766
// §11.5 requires for the TCP control channel.
func padTCP(frame []byte) []byte {
	if pad := (4 - len(frame)%4) % 4; pad > 0 {
		frame = append(frame, make([]byte, pad)...)
	}
	return frame
}

// readTCPFrame reads exactly one STUN-or-ChannelData frame from a TCP
// control stream, spec.md §4.4's TCP framing rule: read the 4-byte
// header, then branch on whether it looks like ChannelData or a STUN
// message whose total length is `20 + attributes_length`.
func readTCPFrame(r *bufio.Reader) ([]byte, frameKind, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, 0, err
	}
	if hdr[0]&0xC0 == 0x40 {
		length := binary.BigEndian.Uint16(hdr[2:4])
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 0, err
		}
		if pad := (4 - int(length)%4) % 4; pad > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
				return nil, 0, err
			}
		}
		frame := append(hdr, body...)
		return frame, frameChannelData, nil
	}

	attrsLen := binary.BigEndian.Uint16(hdr[2:4])
	rest := make([]byte, attrsLen+16) // remaining 16 bytes of the 20-byte header, then attributes
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, 0, err
	}
	return append(hdr, rest...), frameSTUN, nil
}
