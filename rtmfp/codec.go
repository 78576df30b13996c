package rtmfp

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

var ErrShortPacket = errors.New("rtmfp: short packet")

// SizeLength7 returns how many bytes the 7-bit variable integer encoding
// of value occupies.
func SizeLength7(value uint32) int {
	switch {
	case value >= 0x200000:
		return 4
	case value >= 0x4000:
		return 3
	case value >= 0x80:
		return 2
	default:
		return 1
	}
}

// AppendLength7 appends value in the 7-bit variable integer encoding: up
// to four bytes, high bit marking continuation, most significant first.
func AppendLength7(b []byte, value uint32) []byte {
	a, bb, c, d := byte(value>>21&0x7f), byte(value>>14&0x7f), byte(value>>7&0x7f), byte(value&0x7f)
	if a != 0 {
		b = append(b, a|0x80)
	}
	if a != 0 || bb != 0 {
		b = append(b, bb|0x80)
	}
	if a != 0 || bb != 0 || c != 0 {
		b = append(b, c|0x80)
	}
	return append(b, d)
}

// ReadLength7 decodes a 7-bit variable integer and returns the remaining
// bytes.
func ReadLength7(data []byte) (uint32, []byte, error) {
	var value uint32
	for index := 0; index < 4; index++ {
		if index >= len(data) {
			return 0, nil, ErrShortPacket
		}
		b := data[index]
		value = value<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			return value, data[index+1:], nil
		}
	}
	return value, data[4:], nil
}

// String size prefixes used on the wire.
const (
	sizeLengthVar = 0
	sizeLength8   = 8
	sizeLength16  = 16
)

func appendString(b []byte, value []byte, sizeLength int) []byte {
	switch sizeLength {
	case sizeLength16:
		b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	case sizeLength8:
		b = append(b, byte(len(value)))
	default:
		b = AppendLength7(b, uint32(len(value)))
	}
	return append(b, value...)
}

func readString(data []byte, sizeLength int) ([]byte, []byte, error) {
	var length int
	switch sizeLength {
	case sizeLength16:
		if len(data) < 2 {
			return nil, nil, ErrShortPacket
		}
		length, data = int(binary.BigEndian.Uint16(data)), data[2:]
	case sizeLength8:
		if len(data) < 1 {
			return nil, nil, ErrShortPacket
		}
		length, data = int(data[0]), data[1:]
	default:
		v, rest, err := ReadLength7(data)
		if err != nil {
			return nil, nil, err
		}
		length, data = int(v), rest
	}
	if len(data) < length {
		return nil, nil, ErrShortPacket
	}
	return data[:length], data[length:], nil
}

// appendAddress packs an address as flag | ip | port. The flag marks the
// address public (0x02) or private (0x01), high bit set for IPv6.
func appendAddress(b []byte, addr *net.UDPAddr, public bool) []byte {
	flag := byte(0x01)
	if public {
		flag = 0x02
	}
	ip := addr.IP.To4()
	if ip == nil {
		flag |= 0x80
		ip = addr.IP.To16()
	}
	b = append(b, flag)
	b = append(b, ip...)
	return binary.BigEndian.AppendUint16(b, uint16(addr.Port))
}

func readAddress(data []byte) (*net.UDPAddr, bool, []byte, error) {
	if len(data) < 1 {
		return nil, false, nil, ErrShortPacket
	}
	flag, data := data[0], data[1:]
	size := net.IPv4len
	if flag&0x80 != 0 {
		size = net.IPv6len
	}
	if len(data) < size+2 {
		return nil, false, nil, ErrShortPacket
	}
	ip := make(net.IP, size)
	copy(ip, data[:size])
	port := binary.BigEndian.Uint16(data[size : size+2])
	return &net.UDPAddr{IP: ip, Port: int(port)}, flag&0x7f == 0x02, data[size+2:], nil
}

// UnscrambleID recovers the session id from a packet's first twelve bytes:
// the scrambled word xored with the first two words of the encrypted body.
func UnscrambleID(data []byte) (uint32, error) {
	if len(data) < 12 {
		return 0, ErrShortPacket
	}
	a := binary.BigEndian.Uint32(data[0:4])
	b := binary.BigEndian.Uint32(data[4:8])
	c := binary.BigEndian.Uint32(data[8:12])
	return a ^ b ^ c, nil
}

// ScrambleID overwrites the first four bytes with farID xored against the
// first two words of the encrypted body.
func ScrambleID(data []byte, farID uint32) error {
	if len(data) < 12 {
		return ErrShortPacket
	}
	b := binary.BigEndian.Uint32(data[4:8])
	c := binary.BigEndian.Uint32(data[8:12])
	binary.BigEndian.PutUint32(data[0:4], b^c^farID)
	return nil
}

// Checksum is the 16-bit one's-complement sum with end-around carry
// applied twice, as used inside the encrypted region.
func Checksum(data []byte) uint16 {
	var sum uint32
	for len(data) >= 2 {
		sum += uint32(data[0])<<8 | uint32(data[1])
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0])
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}
