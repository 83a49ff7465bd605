// Package ethernet implements the Ethernet II frame codec: the wire
// envelope that carries one protocol PDU as its payload.
package ethernet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hollowpine/linkchat/internal/macaddr"
)

// ErrMalformedFrame is returned when fewer than headerLen bytes are
// presented to Decode.
var ErrMalformedFrame = errors.New("ethernet: malformed frame")

const (
	headerLen    = 14 // dst(6) + src(6) + ethertype(2)
	minFrameSize = 60 // minimum frame size before FCS
	maxPayload   = 1500
)

// Frame is a decoded Ethernet II frame: destination, source, EtherType
// and the payload that follows. A decoded Payload still carries any
// trailing zero padding used to reach minFrameSize — the protocol
// codec's own payload_len field is the authoritative length.
type Frame struct {
	Dst       macaddr.Addr
	Src       macaddr.Addr
	EtherType uint16
	Payload   []byte
}

// Encode serializes f, padding the result with zeros to reach the
// 60-byte minimum frame size if necessary.
func (f Frame) Encode() []byte {
	size := headerLen + len(f.Payload)
	if size < minFrameSize {
		size = minFrameSize
	}
	buf := make([]byte, size)
	copy(buf[0:6], f.Dst[:])
	copy(buf[6:12], f.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], f.EtherType)
	copy(buf[14:], f.Payload)
	return buf
}

// Decode parses an Ethernet II frame. The payload returned is
// everything after the 14-byte header, including any zero pad added
// to reach the minimum frame size — callers rely on the inner
// protocol codec's payload_len to know where real data ends.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformedFrame, len(b), headerLen)
	}
	var f Frame
	copy(f.Dst[:], b[0:6])
	copy(f.Src[:], b[6:12])
	f.EtherType = binary.BigEndian.Uint16(b[12:14])
	f.Payload = b[14:]
	return f, nil
}
