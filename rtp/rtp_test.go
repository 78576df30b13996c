package rtp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/sip"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{PT: 99, Marker: true, Seq: 4242, TS: 90000, SSRC: 0xCAFEBABE, Payload: []byte{1, 2, 3}}
	got, err := Unmarshal(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0x80})
	assert.ErrorIs(t, err, ErrShortPacket)

	bad := (&Packet{PT: 0}).Marshal()
	bad[0] = 0x40 // version 1
	_, err = Unmarshal(bad)
	assert.Error(t, err)
}

func TestPairMediaPortIsEven(t *testing.T) {
	pair, err := OpenPair(zap.NewNop(), "127.0.0.1", 30001, 30100, 10)
	require.NoError(t, err)
	defer pair.Close()
	assert.Zero(t, pair.Port()%2, "media port must be even")
}

func TestPairSendReceive(t *testing.T) {
	a, err := OpenPair(zap.NewNop(), "127.0.0.1", 31000, 31100, 10)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenPair(zap.NewNop(), "127.0.0.1", 31200, 31300, 10)
	require.NoError(t, err)
	defer b.Close()

	pcmu := sip.Format{PT: 0, Name: "pcmu", Rate: 8000}
	b.SetFormats([]sip.Format{pcmu})

	var mu sync.Mutex
	var received []*Packet
	b.OnReceive(func(p *Packet, _ *net.UDPAddr, f sip.Format) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	})

	a.SetRemote(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()})
	require.NoError(t, a.Send([]byte{9, 9, 9}, 160, false, pcmu))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []byte{9, 9, 9}, received[0].Payload)
	assert.Equal(t, uint32(160), received[0].TS)
	mu.Unlock()
}

func TestPairCloseIdempotent(t *testing.T) {
	pair, err := OpenPair(zap.NewNop(), "127.0.0.1", 31400, 31500, 10)
	require.NoError(t, err)
	assert.NoError(t, pair.Close())
	assert.NoError(t, pair.Close())
}

func TestPairUnknownPayloadTypeDropped(t *testing.T) {
	a, err := OpenPair(zap.NewNop(), "127.0.0.1", 31600, 31700, 10)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenPair(zap.NewNop(), "127.0.0.1", 31800, 31900, 10)
	require.NoError(t, err)
	defer b.Close()

	called := false
	b.OnReceive(func(*Packet, *net.UDPAddr, sip.Format) { called = true })
	b.SetFormats(nil)

	a.SetRemote(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.Port()})
	require.NoError(t, a.Send([]byte{1}, 0, false, sip.Format{PT: 77}))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called)
}
