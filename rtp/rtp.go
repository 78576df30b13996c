package rtp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet is one RTP datagram, version 2, no extensions or CSRC.
type Packet struct {
	PT      uint8
	Marker  bool
	Seq     uint16
	TS      uint32
	SSRC    uint32
	Payload []byte
}

var ErrShortPacket = errors.New("rtp: short packet")

func (p *Packet) Marshal() []byte {
	out := make([]byte, 12, 12+len(p.Payload))
	out[0] = 0x80
	out[1] = p.PT & 0x7f
	if p.Marker {
		out[1] |= 0x80
	}
	binary.BigEndian.PutUint16(out[2:4], p.Seq)
	binary.BigEndian.PutUint32(out[4:8], p.TS)
	binary.BigEndian.PutUint32(out[8:12], p.SSRC)
	return append(out, p.Payload...)
}

func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < 12 {
		return nil, ErrShortPacket
	}
	if data[0]>>6 != 2 {
		return nil, errors.Errorf("rtp: unsupported version %d", data[0]>>6)
	}
	p := &Packet{
		PT:     data[1] & 0x7f,
		Marker: data[1]&0x80 != 0,
		Seq:    binary.BigEndian.Uint16(data[2:4]),
		TS:     binary.BigEndian.Uint32(data[4:8]),
		SSRC:   binary.BigEndian.Uint32(data[8:12]),
	}
	offset := 12 + 4*int(data[0]&0x0f)
	if offset > len(data) {
		return nil, ErrShortPacket
	}
	p.Payload = data[offset:]
	return p, nil
}
