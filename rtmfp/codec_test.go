package rtmfp

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestLength7RoundTripAndSize(t *testing.T) {
	cases := []struct {
		value uint32
		size  int
	}{
		{0, 1}, {1, 1}, {127, 1}, {128, 2}, {16383, 2},
		{16384, 3}, {2097151, 3}, {2097152, 4}, {1<<28 - 1, 4},
	}
	for _, c := range cases {
		encoded := AppendLength7(nil, c.value)
		assert.Len(t, encoded, c.size, "value=%d", c.value)
		assert.Equal(t, c.size, SizeLength7(c.value))

		decoded, rest, err := ReadLength7(append(encoded, 0xAA))
		require.NoError(t, err)
		assert.Equal(t, c.value, decoded)
		assert.Equal(t, []byte{0xAA}, rest)
	}
}

func TestScrambleUnscramble(t *testing.T) {
	for _, id := range []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF} {
		packet := append(make([]byte, 4), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}...)
		require.NoError(t, ScrambleID(packet, id))
		got, err := UnscrambleID(packet)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestChecksumKnownValues(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), Checksum(nil))
	assert.Equal(t, uint16(0xFFFE), Checksum([]byte{0x00, 0x01}))
}

func TestChecksumPaddingInvariant(t *testing.T) {
	// trailing 0xff padding pairs only wrap the one's-complement sum
	base := []byte{0x12, 0x34, 0x56}
	a := Checksum(append(append([]byte(nil), base...), 0xff, 0xff))
	b := Checksum(append(append([]byte(nil), base...), 0xff, 0xff, 0xff, 0xff))
	assert.Equal(t, a, b)
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	ctx, err := newAESContext(handshakeKey)
	require.NoError(t, err)

	payload := []byte{0x0b, 0x00, 0x10, 0x41, 0x00, 0x00}
	packet := append(make([]byte, 6), payload...)
	encoded := encodePacket(ctx, packet)
	assert.Zero(t, (len(encoded)-4)%16, "encrypted region must be block aligned")
	assert.Greater(t, len(encoded)-6, len(payload), "at least one padding byte")

	decoded, err := decodePacket(ctx, encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded[6:6+len(payload)])
	// padding is all 0xff
	for _, b := range decoded[6+len(payload):] {
		assert.Equal(t, byte(0xff), b)
	}
}

func TestPacketDecodeRejectsBadChecksum(t *testing.T) {
	ctx, err := newAESContext(handshakeKey)
	require.NoError(t, err)
	packet := encodePacket(ctx, append(make([]byte, 6), 0x01, 0x02, 0x03))
	packet[len(packet)-1] ^= 0x55
	_, err = decodePacket(ctx, packet)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestAddressRoundTrip(t *testing.T) {
	addr := mustUDPAddr(t, "192.0.2.7:1935")
	packed := appendAddress(nil, addr, true)
	got, public, rest, err := readAddress(packed)
	require.NoError(t, err)
	assert.True(t, public)
	assert.Empty(t, rest)
	assert.Equal(t, addr.String(), got.String())
}

func TestStringSizePrefixes(t *testing.T) {
	value := bytes.Repeat([]byte{0x42}, 200)
	for _, sizeLength := range []int{sizeLengthVar, sizeLength8, sizeLength16} {
		packed := appendString(nil, value, sizeLength)
		got, rest, err := readString(packed, sizeLength)
		require.NoError(t, err)
		assert.Equal(t, value, got)
		assert.Empty(t, rest)
	}
}
