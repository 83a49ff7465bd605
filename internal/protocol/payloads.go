package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxDisplayNameLen bounds the optional HELLO/HELLO-ACK display name.
const MaxDisplayNameLen = 64

// DigestLen is the width of the SHA-256 digest carried in FILE-OFFER.
const DigestLen = 32

// EncodeHello builds the payload of a HELLO or HELLO-ACK PDU: an
// optional UTF-8 display name, truncated to MaxDisplayNameLen bytes.
func EncodeHello(displayName string) []byte {
	b := []byte(displayName)
	if len(b) > MaxDisplayNameLen {
		b = b[:MaxDisplayNameLen]
	}
	return b
}

// DecodeHello returns the display name carried in a HELLO/HELLO-ACK
// payload (empty if none was sent).
func DecodeHello(payload []byte) string { return string(payload) }

// FileOffer is the parsed payload of a FILE-OFFER PDU.
type FileOffer struct {
	Size          uint64
	TotalFragments uint32
	Filename      string
	Digest        [DigestLen]byte
}

// EncodeFileOffer serializes a FILE-OFFER payload.
func EncodeFileOffer(o FileOffer) []byte {
	name := []byte(o.Filename)
	buf := make([]byte, 8+4+2+len(name)+DigestLen)
	binary.BigEndian.PutUint64(buf[0:8], o.Size)
	binary.BigEndian.PutUint32(buf[8:12], o.TotalFragments)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(name)))
	n := copy(buf[14:], name)
	copy(buf[14+n:], o.Digest[:])
	return buf
}

// DecodeFileOffer parses a FILE-OFFER payload.
func DecodeFileOffer(payload []byte) (FileOffer, error) {
	if len(payload) < 14 {
		return FileOffer{}, fmt.Errorf("%w: file-offer payload too short (%d bytes)", ErrTruncated, len(payload))
	}
	size := binary.BigEndian.Uint64(payload[0:8])
	total := binary.BigEndian.Uint32(payload[8:12])
	nameLen := binary.BigEndian.Uint16(payload[12:14])
	need := 14 + int(nameLen) + DigestLen
	if len(payload) < need {
		return FileOffer{}, fmt.Errorf("%w: file-offer payload needs %d bytes, got %d", ErrTruncated, need, len(payload))
	}
	var o FileOffer
	o.Size = size
	o.TotalFragments = total
	o.Filename = string(payload[14 : 14+nameLen])
	copy(o.Digest[:], payload[14+int(nameLen):need])
	return o, nil
}

// FileAckPayload identifies the (msg_id, frag_index) being
// acknowledged by a FILE-ACK PDU.
type FileAckPayload struct {
	MsgID     uint32
	FragIndex uint16
}

// EncodeFileAck serializes a FILE-ACK payload.
func EncodeFileAck(p FileAckPayload) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], p.MsgID)
	binary.BigEndian.PutUint16(buf[4:6], p.FragIndex)
	return buf
}

// DecodeFileAck parses a FILE-ACK payload.
func DecodeFileAck(payload []byte) (FileAckPayload, error) {
	if len(payload) < 6 {
		return FileAckPayload{}, fmt.Errorf("%w: file-ack payload too short (%d bytes)", ErrTruncated, len(payload))
	}
	return FileAckPayload{
		MsgID:     binary.BigEndian.Uint32(payload[0:4]),
		FragIndex: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}

// FileCompletePayload carries the acknowledged msg_id and whether the
// receiver's digest matched the sender's announced digest.
type FileCompletePayload struct {
	MsgID uint32
	OK    bool
}

// EncodeFileComplete serializes a FILE-COMPLETE payload.
func EncodeFileComplete(p FileCompletePayload) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], p.MsgID)
	if p.OK {
		buf[4] = 1
	}
	return buf
}

// DecodeFileComplete parses a FILE-COMPLETE payload.
func DecodeFileComplete(payload []byte) (FileCompletePayload, error) {
	if len(payload) < 5 {
		return FileCompletePayload{}, fmt.Errorf("%w: file-complete payload too short (%d bytes)", ErrTruncated, len(payload))
	}
	return FileCompletePayload{
		MsgID: binary.BigEndian.Uint32(payload[0:4]),
		OK:    payload[4] == 1,
	}, nil
}
