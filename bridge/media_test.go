package bridge

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
	"github.com/codingpa-ws/siprtmp/sip"
)

type fakeTransport struct {
	sent    []outPacket
	formats []sip.Format
	remote  *net.UDPAddr
	onRecv  rtp.RecvFunc
	closed  bool
}

func (f *fakeTransport) Port() int                      { return 20000 }
func (f *fakeTransport) SetRemote(r *net.UDPAddr)       { f.remote = r }
func (f *fakeTransport) SetFormats(fs []sip.Format)     { f.formats = fs }
func (f *fakeTransport) OnReceive(fn rtp.RecvFunc)      { f.onRecv = fn }
func (f *fakeTransport) Close() error                   { f.closed = true; return nil }
func (f *fakeTransport) Send(payload []byte, ts uint32, marker bool, fmt sip.Format) error {
	f.sent = append(f.sent, outPacket{payload: payload, ts: ts, marker: marker, fmt: fmt})
	return nil
}

// fakeCodec is a stand-in audio module: decode yields a fixed PCM block,
// resample scales it, encode tags the result.
type fakeCodec struct{}

func (fakeCodec) Decode(payload []byte, rate int) ([]int16, error) {
	return make([]int16, rate/50), nil // 20 ms worth
}

func (fakeCodec) Encode(pcm []int16, rate int) ([]byte, error) {
	return []byte{0xEE, byte(len(pcm))}, nil
}

func (fakeCodec) Resample(pcm []int16, from, to int) []int16 {
	return make([]int16, len(pcm)*to/from)
}

func remoteSDP(media ...*sip.Media) *sip.SDP {
	return &sip.SDP{Conn: "203.0.113.5", Media: media}
}

func audioMedia(formats ...sip.Format) *sip.Media {
	return &sip.Media{Type: "audio", Port: 40000, Formats: formats}
}

func videoMedia(formats ...sip.Format) *sip.Media {
	return &sip.Media{Type: "video", Port: 40002, Formats: formats}
}

func TestNegotiationAudioOnlyPCMUWithoutCodecModule(t *testing.T) {
	// the peer answers with only pcmu/8000: without a codec module the
	// companded stream passes through and the label says so
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband",
		"wideband", "narrowband", "pcmu", "pcma", "dtmf")
	m.SetRemote(remoteSDP(audioMedia(fmtPCMU)))

	audio, video := m.Accepting()
	assert.Equal(t, "pcmu", audio)
	assert.Nil(t, video)
	assert.Nil(t, m.au1Fmt)
}

func TestNegotiationAudioOnlyPCMUWithCodecModule(t *testing.T) {
	// with the codec module present the bridge transcodes and reports
	// the native label
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, fakeCodec{}, "wideband",
		"wideband", "narrowband", "pcmu", "pcma", "dtmf")
	m.SetRemote(remoteSDP(audioMedia(fmtPCMU)))

	audio, video := m.Accepting()
	assert.Equal(t, "speex", audio)
	assert.Nil(t, video)
	require.NotNil(t, m.au1Fmt)
	assert.Equal(t, fmtPCMU.PT, m.au1Fmt.PT)

	// inbound wideband frames are decoded, resampled and companded
	msg := rtmp.NewMessage(rtmp.TypeAudio, 1, 20, append([]byte{0xb2}, make([]byte, 40)...))
	packets := m.RTMPToRTP(msg)
	require.Len(t, packets, 1)
	assert.Equal(t, fmtPCMU.PT, packets[0].fmt.PT)
	assert.Equal(t, uint32(160), packets[0].ts, "20 ms at 8 kHz")
}

func TestNegotiationFLVPreferred(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband",
		"wideband", "flv")
	m.SetRemote(remoteSDP(audioMedia(fmtWideband), videoMedia(fmtFLV)))

	audio, video := m.Accepting()
	assert.Equal(t, "default", audio)
	assert.Equal(t, "default", video)
}

func TestNegotiationH264(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband",
		"wideband", "h264")
	m.SetRemote(remoteSDP(audioMedia(fmtWideband), videoMedia(fmtH264)))

	audio, video := m.Accepting()
	assert.Equal(t, "speex", audio)
	assert.Equal(t, "h264", video)
}

func TestNoOverlapAnswerIsNil(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "pcmu")
	offer := remoteSDP(audioMedia(sip.Format{PT: 9, Name: "g722", Rate: 8000}))
	assert.Nil(t, m.AnswerFor(offer))
}

func TestWidebandStripModeTable(t *testing.T) {
	// mode 3 is 160 bits = 20 bytes exactly: clean truncation
	payload := make([]byte, 60)
	payload[0] = 3 << 3
	stripped := removeWideband(payload)
	assert.Len(t, stripped, 20)

	// mode 1 is 43 bits: 5 bytes plus a 3-bit tail padded with a zero bit
	// and then ones
	payload = make([]byte, 60)
	payload[0] = 1 << 3
	stripped = removeWideband(payload)
	assert.Len(t, stripped, 6)
	assert.Equal(t, byte(0x0f), stripped[5]&0x1f, "tail bits after the submode are a zero bit followed by ones")

	// a frame with the wideband bit set is untouched
	payload = []byte{0x80, 1, 2, 3}
	assert.Equal(t, payload, removeWideband(payload))
}

func TestFLVChunkingRoundTrip(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "flv")
	m.SetRemote(remoteSDP(videoMedia(fmtFLV)))

	body := make([]byte, 2400)
	for i := range body {
		body[i] = byte(i * 7)
	}
	msg := rtmp.NewMessage(rtmp.TypeVideo, 1, 40, body)
	packets := m.RTMPToRTP(msg)
	require.Len(t, packets, 3, "2412 bytes split at 1000")

	for i, pkt := range packets {
		require.Equal(t, "RTMP", string(pkt.payload[:4]))
		assert.Equal(t, uint32(0), binary.BigEndian.Uint32(pkt.payload[4:8]), "first message seq")
		assert.Equal(t, uint16(i), binary.BigEndian.Uint16(pkt.payload[8:10]))
		assert.Equal(t, uint32(40*90), pkt.ts)
	}
	assert.Equal(t, uint16(2412), binary.BigEndian.Uint16(packets[0].payload[10:12]),
		"chunk zero carries the total size")

	// receive in the order 0, 2, 1: still reassembles
	recv := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "flv")
	var out []*rtmp.Message
	for _, idx := range []int{0, 2, 1} {
		out = recv.rtpToRTMPFLV(&rtp.Packet{Payload: packets[idx].payload})
	}
	require.Len(t, out, 1)
	assert.Equal(t, uint8(rtmp.TypeVideo), out[0].Header.Type)
	assert.Equal(t, uint32(40), out[0].Header.Time)
	assert.Equal(t, body, out[0].Data)

	// receive only 0 and 2: nothing comes out
	recv2 := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "flv")
	assert.Nil(t, recv2.rtpToRTMPFLV(&rtp.Packet{Payload: packets[0].payload}))
	assert.Nil(t, recv2.rtpToRTMPFLV(&rtp.Packet{Payload: packets[2].payload}))

	// a non-magic packet is ignored
	assert.Nil(t, recv2.rtpToRTMPFLV(&rtp.Packet{Payload: []byte("XXXX123456789012")}))
}

func buildAVCConfig(sps, pps []byte) []byte {
	data := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	data = append(data, 0x01, 0x42, 0x00, 0x14) // version, profile, compat, level
	data = append(data, 0xff)                   // 4-byte NAL lengths
	data = append(data, 0xe1)                   // one SPS
	data = binary.BigEndian.AppendUint16(data, uint16(len(sps)))
	data = append(data, sps...)
	data = append(data, 0x01) // one PPS
	data = binary.BigEndian.AppendUint16(data, uint16(len(pps)))
	data = append(data, pps...)
	return data
}

func TestH264ConfigRecordForwardsParameterSets(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "h264")
	m.SetRemote(remoteSDP(videoMedia(fmtH264)))

	sps := []byte{0x67, 0x42, 0x00, 0x14, 0xAA}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	msg := rtmp.NewMessage(rtmp.TypeVideo, 1, 0, buildAVCConfig(sps, pps))
	packets := m.RTMPToRTP(msg)
	require.Len(t, packets, 2)
	assert.Equal(t, sps, packets[0].payload)
	assert.Equal(t, pps, packets[1].payload)
	assert.Equal(t, 4, m.h1LenSize)
}

func TestH264SliceFragmentation(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "h264")
	m.SetRemote(remoteSDP(videoMedia(fmtH264)))
	m.RTMPToRTP(rtmp.NewMessage(rtmp.TypeVideo, 1, 0,
		buildAVCConfig([]byte{0x67, 1, 2, 3}, []byte{0x68, 4})))

	// small intra slice fits one packet
	small := append([]byte{0x65}, make([]byte, 100)...)
	frame := []byte{0x17, 0x01, 0, 0, 0}
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(small)))
	frame = append(frame, small...)
	packets := m.RTMPToRTP(rtmp.NewMessage(rtmp.TypeVideo, 1, 40, frame))
	require.Len(t, packets, 1)
	assert.Equal(t, small, packets[0].payload)

	// a 4000-byte slice becomes fragment units with start/end flags
	big := append([]byte{0x65}, make([]byte, 4000)...)
	frame = []byte{0x17, 0x01, 0, 0, 0}
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(big)))
	frame = append(frame, big...)
	packets = m.RTMPToRTP(rtmp.NewMessage(rtmp.TypeVideo, 1, 80, frame))
	require.Greater(t, len(packets), 1)
	for i, pkt := range packets {
		require.GreaterOrEqual(t, len(pkt.payload), 2)
		assert.Equal(t, byte(28), pkt.payload[0]&0x1f, "fragment unit A")
		assert.Equal(t, byte(5), pkt.payload[1]&0x1f, "carries the slice type")
		start, end := pkt.payload[1]&0x80 != 0, pkt.payload[1]&0x40 != 0
		assert.Equal(t, i == 0, start)
		assert.Equal(t, i == len(packets)-1, end)
		assert.LessOrEqual(t, len(pkt.payload), 1446)
	}
}

func TestH264AccessUnitReassemblyNeedsPrologue(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "h264")
	m.SetRemote(remoteSDP(videoMedia(fmtH264)))

	fired := 0
	m.OnRequestFIR(func() { fired++ })

	// an inter slice before any SPS/PPS is dropped and the encoder is
	// nudged once
	inter := &rtp.Packet{PT: 99, Seq: 1, TS: 1000, Marker: true,
		Payload: append([]byte{0x41}, make([]byte, 50)...)}
	assert.Nil(t, m.rtpToRTMPH264(inter, 500, 3))
	assert.Equal(t, 1, fired)

	// SPS and PPS arrive, then an intra slice completes the prologue
	m.rtpToRTMPH264(&rtp.Packet{PT: 99, Seq: 2, TS: 2000, Payload: []byte{0x67, 1, 2, 3, 4}}, 500, 3)
	m.rtpToRTMPH264(&rtp.Packet{PT: 99, Seq: 3, TS: 2000, Payload: []byte{0x68, 5}}, 500, 3)
	intra := &rtp.Packet{PT: 99, Seq: 4, TS: 2000, Marker: true,
		Payload: append([]byte{0x65}, make([]byte, 60)...)}
	messages := m.rtpToRTMPH264(intra, 500, 3)
	require.Len(t, messages, 2, "configuration record plus the picture message")
	assert.Equal(t, byte(0x17), messages[0].Data[0])
	assert.Equal(t, byte(0x00), messages[0].Data[1], "first message is the config record")
	assert.Equal(t, byte(0x17), messages[1].Data[0])
	assert.Equal(t, byte(0x01), messages[1].Data[1])

	// once primed, inter frames pass
	inter2 := &rtp.Packet{PT: 99, Seq: 5, TS: 5000, Marker: true,
		Payload: append([]byte{0x41}, make([]byte, 30)...)}
	messages = m.rtpToRTMPH264(inter2, 500, 3)
	require.Len(t, messages, 1)
	assert.Equal(t, byte(0x27), messages[0].Data[0])
}

func TestH264FragmentUnitsReassembleIntoOneNAL(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "h264")
	m.SetRemote(remoteSDP(videoMedia(fmtH264)))
	m.rtpToRTMPH264(&rtp.Packet{PT: 99, Seq: 1, TS: 900, Payload: []byte{0x67, 1, 2, 3, 4}}, 100, 3)
	m.rtpToRTMPH264(&rtp.Packet{PT: 99, Seq: 2, TS: 900, Payload: []byte{0x68, 5}}, 100, 3)

	// an intra slice split over three fragment units
	part := func(seq uint16, fu byte, body byte, marker bool) *rtp.Packet {
		return &rtp.Packet{PT: 99, Seq: seq, TS: 1000, Marker: marker,
			Payload: []byte{0x7C, fu, body, body}}
	}
	m.rtpToRTMPH264(part(3, 0x85, 0x01, false), 100, 3) // start, type 5
	m.rtpToRTMPH264(part(4, 0x05, 0x02, false), 100, 3)
	messages := m.rtpToRTMPH264(part(5, 0x45, 0x03, true), 100, 3) // end

	require.Len(t, messages, 2)
	picture := messages[1].Data
	// after the 5-byte prefix: one length-prefixed NAL of 1+6 bytes
	nalLen := binary.BigEndian.Uint32(picture[5:9])
	assert.Equal(t, uint32(7), nalLen)
	assert.Equal(t, byte(0x65), picture[9], "type 5 with the fragment header's nri")
}

func TestAudioInboundClockMapping(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "pcmu")
	m.SetRemote(remoteSDP(audioMedia(fmtWideband, fmtPCMU)))

	p1 := &rtp.Packet{PT: 0, Seq: 1, TS: 8000, SSRC: 7, Payload: make([]byte, 160)}
	msgs := m.rtpToRTMPAudio(fmtPCMU, p1, 1234, 5)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(1234), msgs[0].Header.Time, "first packet lands on the relative clock")
	assert.Equal(t, byte(0x82), msgs[0].Data[0])

	// 160 samples at 8 kHz is 20 ms later
	p2 := &rtp.Packet{PT: 0, Seq: 2, TS: 8160, SSRC: 7, Payload: make([]byte, 160)}
	msgs = m.rtpToRTMPAudio(fmtPCMU, p2, 9999, 5)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(1254), msgs[0].Header.Time)

	// an ssrc change restarts the mapping
	p3 := &rtp.Packet{PT: 0, Seq: 3, TS: 500, SSRC: 8, Payload: make([]byte, 160)}
	msgs = m.rtpToRTMPAudio(fmtPCMU, p3, 2000, 5)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(2000), msgs[0].Header.Time)
}

func TestAudioPassThroughAndStrip(t *testing.T) {
	// narrowband-only peer: wideband frames are stripped, not dropped
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "narrowband")
	m.SetRemote(remoteSDP(audioMedia(fmtNarrowband)))

	frame := make([]byte, 80)
	frame[0] = 3 << 3 // mode 3, 20 bytes
	msg := rtmp.NewMessage(rtmp.TypeAudio, 1, 20, append([]byte{0xb2}, frame...))
	packets := m.RTMPToRTP(msg)
	require.Len(t, packets, 1)
	assert.Equal(t, fmtNarrowband.PT, packets[0].fmt.PT)
	assert.Len(t, packets[0].payload, 20)
}

func TestDTMFEvent(t *testing.T) {
	m := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "dtmf")
	m.SetRemote(remoteSDP(audioMedia(fmtWideband, fmtTouchtone)))

	packets := m.DTMFToRTP("5")
	require.Len(t, packets, 1)
	assert.Equal(t, fmtTouchtone.PT, packets[0].fmt.PT)
	assert.Equal(t, byte(5), packets[0].payload[0])
	assert.NotZero(t, packets[0].payload[1]&0x80, "end bit set")

	// peer without telephone-event support gets nothing
	m2 := NewMediaContext(zap.NewNop(), &fakeTransport{}, nil, "wideband", "wideband", "dtmf")
	m2.SetRemote(remoteSDP(audioMedia(fmtWideband)))
	assert.Empty(t, m2.DTMFToRTP("5"))

	assert.Empty(t, m.DTMFToRTP("12"), "multi-digit rejected")
}
