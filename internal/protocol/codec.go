package protocol

import (
	"encoding/binary"
	"fmt"
)

// PDU is a decoded header plus its raw payload bytes.
type PDU struct {
	Header  Header
	Payload []byte
}

// Marshal encodes p into the 13-byte header followed by its payload.
func (p PDU) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	buf[0] = p.Header.Version
	buf[1] = byte(p.Header.Type)
	buf[2] = byte(p.Header.Flags)
	binary.BigEndian.PutUint32(buf[3:7], p.Header.MsgID)
	binary.BigEndian.PutUint16(buf[7:9], p.Header.FragIndex)
	binary.BigEndian.PutUint16(buf[9:11], p.Header.FragTotal)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(p.Payload)))
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Unmarshal parses a PDU from b. Trailing bytes beyond
// HeaderLen+payload_len are ignored — they are Ethernet pad.
func Unmarshal(b []byte) (PDU, error) {
	if len(b) < HeaderLen {
		return PDU{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, HeaderLen, len(b))
	}
	h := Header{
		Version:    b[0],
		Type:       PDUType(b[1]),
		Flags:      Flags(b[2]),
		MsgID:      binary.BigEndian.Uint32(b[3:7]),
		FragIndex:  binary.BigEndian.Uint16(b[7:9]),
		FragTotal:  binary.BigEndian.Uint16(b[9:11]),
		PayloadLen: binary.BigEndian.Uint16(b[11:13]),
	}
	if h.Version != CurrentVersion {
		return PDU{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, CurrentVersion)
	}
	if !h.Type.Valid() {
		return PDU{}, fmt.Errorf("%w: %d", ErrBadType, h.Type)
	}
	need := HeaderLen + int(h.PayloadLen)
	if len(b) < need {
		return PDU{}, fmt.Errorf("%w: need %d bytes, got %d", ErrTruncated, need, len(b))
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, b[HeaderLen:need])
	return PDU{Header: h, Payload: payload}, nil
}

// fragmentHeader fills in the fields common to every fragment of a
// single logical message: version, type, msg_id, the fragment's
// index/total and the more-fragments flag.
func fragmentHeader(typ PDUType, msgID uint32, index, total uint16, ackRequired bool) Header {
	var flags Flags
	if index+1 < total {
		flags |= MoreFragments
	}
	if ackRequired {
		flags |= AckRequired
	}
	return Header{
		Version:   CurrentVersion,
		Type:      typ,
		Flags:     flags,
		MsgID:     msgID,
		FragIndex: index,
		FragTotal: total,
	}
}

// Split breaks payload into chunks no larger than MaxPDUPayload and
// returns one PDU per chunk with frag_index/frag_total/more-fragments
// set correctly. A zero-length payload still produces exactly one
// PDU (frag_total=1, frag_index=0), per spec's non-fragmented case.
func Split(typ PDUType, msgID uint32, payload []byte, ackRequired bool) []PDU {
	total := (len(payload) + MaxPDUPayload - 1) / MaxPDUPayload
	if total == 0 {
		total = 1
	}
	pdus := make([]PDU, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPDUPayload
		end := start + MaxPDUPayload
		if end > len(payload) {
			end = len(payload)
		}
		h := fragmentHeader(typ, msgID, uint16(i), uint16(total), ackRequired)
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		pdus = append(pdus, PDU{Header: h, Payload: chunk})
	}
	return pdus
}
