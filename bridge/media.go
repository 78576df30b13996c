package bridge

import (
	"encoding/binary"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
	"github.com/codingpa-ws/siprtmp/sip"
)

// MediaTransport is the RTP boundary of one call; rtp.Pair is the real
// implementation, tests plug a fake.
type MediaTransport interface {
	Port() int
	SetRemote(remote *net.UDPAddr)
	SetFormats(formats []sip.Format)
	OnReceive(fn rtp.RecvFunc)
	Send(payload []byte, ts uint32, marker bool, fmt sip.Format) error
	Close() error
}

// The formats the bridge can negotiate.
var (
	fmtFLV        = sip.Format{PT: 97, Name: "x-flv", Rate: 90000}
	fmtH264       = sip.Format{PT: 99, Name: "h264", Rate: 90000}
	fmtTouchtone  = sip.Format{PT: 101, Name: "telephone-event", Rate: 8000}
	fmtWideband   = sip.Format{PT: 96, Name: "speex", Rate: 16000}
	fmtNarrowband = sip.Format{PT: 98, Name: "speex", Rate: 8000}
	fmtPCMU       = sip.Format{PT: 0, Name: "pcmu", Rate: 8000}
	fmtPCMA       = sip.Format{PT: 8, Name: "pcma", Rate: 8000}
)

// Audio format selectors on the streaming side (high nibble of the first
// payload byte).
const (
	audioSelSpeex = 0xb0
	audioSelPCMA  = 0x70
	audioSelPCMU  = 0x80
)

// outPacket is one packet headed to the transport.
type outPacket struct {
	payload []byte
	ts      uint32
	marker  bool
	fmt     sip.Format
}

// MediaContext owns the per-call transcoding state in both directions.
type MediaContext struct {
	logger *zap.Logger
	codecs []string
	rate   string

	audioMedia *sip.Media
	videoMedia *sip.Media
	remote     *sip.SDP

	transport  MediaTransport
	audioCodec AudioCodec

	// proprietary video chunking state
	flvTxSeq   uint32
	flvRxSeq   uint32
	flvRxLen   int
	flvRxFrags map[uint16][]byte

	// H.264, streaming to signaling
	h1LenSize int
	h1SPS     [][]byte
	h1PPS     [][]byte

	// H.264, signaling to streaming
	h2SPS     []byte
	h2PPS     []byte
	h2SentSeq bool
	h2StartTS uint32
	h2StartTm uint32
	h2Queue   []*h264Queued
	h2LastFIR time.Time

	// audio state
	au1Fmt  *sip.Format // transcode target, nil when passing through
	au1TS   uint32
	au2TS0  uint32
	au2Tm   uint32
	au2SSRC uint32

	// onRequestFIR asks the signaling side for a picture fast update
	onRequestFIR func()
}

// OnRequestFIR installs the picture-fast-update hook.
func (m *MediaContext) OnRequestFIR(fn func()) {
	m.onRequestFIR = fn
}

type h264Queued struct {
	packet  *rtp.Packet
	nalType byte
}

// NewMediaContext builds the offer for the given codec list; an empty
// list selects the legacy default of wideband audio plus proprietary
// video.
func NewMediaContext(logger *zap.Logger, transport MediaTransport, codec AudioCodec, rate string, codecs ...string) *MediaContext {
	m := &MediaContext{
		logger:     logger,
		codecs:     codecs,
		rate:       rate,
		transport:  transport,
		audioCodec: codec,
	}
	m.buildMediaStreams()
	return m
}

func (m *MediaContext) buildMediaStreams() {
	port := 0
	if m.transport != nil {
		port = m.transport.Port()
	}
	audio := &sip.Media{Type: "audio", Port: port}
	video := &sip.Media{Type: "video", Port: port}

	if len(m.codecs) == 0 {
		preferred := fmtWideband
		if m.rate == "narrowband" {
			preferred = sip.Format{PT: 96, Name: "speex", Rate: 8000}
		}
		audio.Formats = append(audio.Formats, preferred)
		if m.audioCodec != nil {
			otherRate := 8000
			if preferred.Rate == 8000 {
				otherRate = 16000
			}
			other := sip.Format{PT: 98, Name: "speex", Rate: otherRate}
			audio.Formats = append(audio.Formats, other, fmtPCMU, fmtPCMA)
		}
		audio.Formats = append(audio.Formats, fmtTouchtone)
		video.Formats = append(video.Formats, fmtFLV)
		m.audioMedia, m.videoMedia = audio, video
		return
	}

	var pcmu, pcma, narrowband, hasAudio, hasVideo bool
	for _, codec := range m.codecs {
		switch {
		case codec == "wideband":
			audio.Formats = append(audio.Formats, fmtWideband)
			hasAudio = true
		case codec == "narrowband" && !narrowband:
			audio.Formats = append(audio.Formats, fmtNarrowband)
			hasAudio, narrowband = true, true
		case codec == "pcmu" && !pcmu:
			audio.Formats = append(audio.Formats, fmtPCMU)
			hasAudio, pcmu = true, true
		case codec == "pcma" && !pcma:
			audio.Formats = append(audio.Formats, fmtPCMA)
			hasAudio, pcma = true, true
		case codec == "ulaw" && m.audioCodec != nil && !pcmu:
			audio.Formats = append(audio.Formats, fmtPCMU)
			hasAudio, pcmu = true, true
		case codec == "alaw" && m.audioCodec != nil && !pcma:
			audio.Formats = append(audio.Formats, fmtPCMA)
			hasAudio, pcma = true, true
		case codec == "dtmf":
			audio.Formats = append(audio.Formats, fmtTouchtone)
			hasAudio = true
		case codec == "flv":
			video.Formats = append(video.Formats, fmtFLV)
			hasVideo = true
		case strings.HasPrefix(codec, "h264"):
			video.Formats = append(video.Formats, fmtH264)
			video.Attrs = append(video.Attrs, "fmtp:99 profile-level-id=420014;packetization-mode=1")
			hasVideo = true
		default:
			m.logger.Debug("ignoring codec", zap.String("codec", codec))
		}
	}
	if hasAudio {
		m.audioMedia = audio
	}
	if hasVideo {
		m.videoMedia = video
	}
}

// OfferSDP is the local session description to send in an invitation or
// an answer; nil when no media line survived.
func (m *MediaContext) OfferSDP(conn string) *sip.SDP {
	var media []*sip.Media
	if m.audioMedia != nil {
		media = append(media, m.audioMedia)
	}
	if m.videoMedia != nil {
		media = append(media, m.videoMedia)
	}
	if len(media) == 0 {
		return nil
	}
	return &sip.SDP{Conn: conn, Media: media}
}

// AnswerFor intersects the local formats with the incoming offer,
// returning nil when nothing overlaps.
func (m *MediaContext) AnswerFor(offer *sip.SDP) *sip.SDP {
	if offer == nil {
		return nil
	}
	keepMedia := func(local *sip.Media, typ string) *sip.Media {
		if local == nil {
			return nil
		}
		remote := offer.MediaOfType(typ)
		if remote == nil {
			return nil
		}
		out := &sip.Media{Type: typ, Port: local.Port, Attrs: local.Attrs}
		for _, f := range local.Formats {
			if remote.HasFormat(f) {
				out.Formats = append(out.Formats, f)
			}
		}
		if len(out.Formats) == 0 {
			return nil
		}
		return out
	}
	m.audioMedia = keepMedia(m.audioMedia, "audio")
	m.videoMedia = keepMedia(m.videoMedia, "video")
	return m.OfferSDP("")
}

// SetRemote installs the negotiated remote description and points the
// transport at the peer's media address.
func (m *MediaContext) SetRemote(remote *sip.SDP) {
	m.remote = remote
	if m.transport == nil || remote == nil {
		return
	}
	var formats []sip.Format
	if m.audioMedia != nil {
		formats = append(formats, m.audioMedia.Formats...)
	}
	if m.videoMedia != nil {
		formats = append(formats, m.videoMedia.Formats...)
	}
	m.transport.SetFormats(formats)
	for _, media := range remote.Media {
		if media.Port > 0 && remote.Conn != "" && !remote.OnHold() {
			if ip := net.ParseIP(remote.Conn); ip != nil {
				m.transport.SetRemote(&net.UDPAddr{IP: ip, Port: media.Port})
			}
			break
		}
	}
}

func (m *MediaContext) hasRemoteFormat(typ string, f sip.Format) bool {
	return m.remote != nil && m.remote.HasFormat(typ, f)
}

// Accepting reports the codec labels handed back to the streaming client
// after negotiation, enabling transcoding where the answer requires it.
func (m *MediaContext) Accepting() (audio, video interface{}) {
	if len(m.codecs) == 0 {
		// legacy applications get no labels; still arm transcoding when
		// the preferred speex rate is missing remotely
		if m.audioCodec != nil && m.audioMedia != nil && len(m.audioMedia.Formats) > 0 &&
			m.remote != nil && m.remote.HasType("audio") &&
			!m.hasRemoteFormat("audio", m.audioMedia.Formats[0]) {
			for _, f := range m.audioMedia.Formats[1:] {
				if m.hasRemoteFormat("audio", f) {
					target := f
					m.au1Fmt = &target
					break
				}
			}
		}
		return nil, nil
	}

	for _, codec := range m.codecs {
		if codec == "flv" && m.hasRemoteFormat("video", fmtFLV) {
			return "default", "default"
		}
	}

	var audioLabel, videoLabel interface{}
	for _, codec := range m.codecs {
		if audioLabel == nil {
			switch codec {
			case "wideband":
				if m.hasRemoteFormat("audio", fmtWideband) {
					audioLabel = "speex"
				}
			case "narrowband":
				if m.hasRemoteFormat("audio", fmtNarrowband) {
					audioLabel = "speex"
				}
			case "pcmu", "ulaw":
				if m.hasRemoteFormat("audio", fmtPCMU) {
					audioLabel = m.armCompandedTranscode(fmtPCMU, "pcmu")
				}
			case "pcma", "alaw":
				if m.hasRemoteFormat("audio", fmtPCMA) {
					audioLabel = m.armCompandedTranscode(fmtPCMA, "pcma")
				}
			}
		}
		if videoLabel == nil && codec == "h264" && m.hasRemoteFormat("video", fmtH264) {
			videoLabel = "h264"
		}
	}
	return audioLabel, videoLabel
}

// armCompandedTranscode enables the VBR-to-companded path when the codec
// module is present; without it the companded stream passes through.
func (m *MediaContext) armCompandedTranscode(target sip.Format, passLabel string) string {
	if m.audioCodec == nil {
		return passLabel
	}
	t := target
	m.au1Fmt = &t
	return "speex"
}

func (m *MediaContext) Close() {
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.remote = nil
}

// RTMPToRTP converts one media message from the publishing stream into
// transport packets.
func (m *MediaContext) RTMPToRTP(msg *rtmp.Message) []outPacket {
	switch {
	case m.remote != nil && m.remote.HasType("video") && m.hasRemoteFormat("video", fmtFLV):
		// the far side speaks the proprietary chunking: both media go
		// through it untranscoded
		return m.rtmpToRTPFLV(msg)
	case msg.Header.Type == rtmp.TypeVideo && len(msg.Data) > 1:
		if m.hasRemoteFormat("video", fmtH264) {
			return m.rtmpToRTPH264(msg)
		}
		return nil
	case msg.Header.Type == rtmp.TypeAudio && len(msg.Data) > 1:
		return m.rtmpToRTPAudio(msg)
	default:
		return nil
	}
}

// RTPToRTMP converts one received transport packet into streaming
// messages for the playing stream. relativeTime is the play stream
// connection's wall clock.
func (m *MediaContext) RTPToRTMP(fmt sip.Format, p *rtp.Packet, relativeTime uint32, streamID uint32) []*rtmp.Message {
	name := strings.ToLower(fmt.Name)
	switch {
	case name == "x-flv":
		return m.rtpToRTMPFLV(p)
	case name == "telephone-event":
		return nil
	case name == "h264":
		return m.rtpToRTMPH264(p, relativeTime, streamID)
	default:
		return m.rtpToRTMPAudio(fmt, p, relativeTime, streamID)
	}
}

// DTMFToRTP builds one touch-tone event if the peer advertised support.
func (m *MediaContext) DTMFToRTP(digit string) []outPacket {
	if len(digit) != 1 {
		m.logger.Debug("only single digit touch-tones are supported")
		return nil
	}
	if m.remote == nil || !m.remote.HasType("audio") || !m.hasRemoteFormat("audio", fmtTouchtone) {
		return nil
	}
	event := dtmfEvent(digit[0])
	if event < 0 {
		return nil
	}
	// named event: code, end bit with volume, 160-sample duration
	payload := []byte{byte(event), 0x80 | 10, 0x00, 0xa0}
	return []outPacket{{payload: payload, ts: m.au1TS, marker: false, fmt: fmtTouchtone}}
}

func dtmfEvent(key byte) int {
	switch {
	case key >= '0' && key <= '9':
		return int(key - '0')
	case key == '*':
		return 10
	case key == '#':
		return 11
	default:
		return -1
	}
}

// rtmpToRTPFLV assembles `type|size|time|body` and splits it into
// magic-framed fragments of at most 1000 bytes.
func (m *MediaContext) rtmpToRTPFLV(msg *rtmp.Message) []outPacket {
	data := make([]byte, 12, 12+len(msg.Data))
	binary.BigEndian.PutUint32(data[0:4], uint32(msg.Header.Type))
	binary.BigEndian.PutUint32(data[4:8], msg.Size())
	binary.BigEndian.PutUint32(data[8:12], msg.Header.Time)
	data = append(data, msg.Data...)

	total := len(data)
	ts := msg.Header.Time * uint32(fmtFLV.Rate/1000)
	var packets []outPacket
	cseq := uint16(0)
	for len(data) > 0 {
		count := constants.FLVFragmentSize
		if count > len(data) {
			count = len(data)
		}
		payload := []byte("RTMP")
		payload = binary.BigEndian.AppendUint32(payload, m.flvTxSeq)
		payload = binary.BigEndian.AppendUint16(payload, cseq)
		if cseq == 0 {
			payload = binary.BigEndian.AppendUint16(payload, uint16(total))
		}
		payload = append(payload, data[:count]...)
		data = data[count:]
		cseq++
		packets = append(packets, outPacket{payload: payload, ts: ts, fmt: fmtFLV})
	}
	m.flvTxSeq++
	return packets
}

// rtpToRTMPFLV reverses the proprietary chunking. Fragments of one seq
// may arrive in any order; the message is emitted once every chunk
// number up to the announced total size is present. A new seq discards
// whatever the old one left behind.
func (m *MediaContext) rtpToRTMPFLV(p *rtp.Packet) []*rtmp.Message {
	if len(p.Payload) < 10 || string(p.Payload[:4]) != "RTMP" {
		m.logger.Debug("ignoring non-magic packet in received video")
		return nil
	}
	payload := p.Payload[4:]
	seq := binary.BigEndian.Uint32(payload[:4])
	cseq := binary.BigEndian.Uint16(payload[4:6])

	if m.flvRxFrags == nil || seq != m.flvRxSeq {
		m.flvRxSeq, m.flvRxLen = seq, 0
		m.flvRxFrags = make(map[uint16][]byte)
	}
	if cseq == 0 {
		if len(payload) < 8 {
			return nil
		}
		m.flvRxLen = int(binary.BigEndian.Uint16(payload[6:8]))
		m.flvRxFrags[0] = append([]byte(nil), payload[8:]...)
	} else {
		m.flvRxFrags[cseq] = append([]byte(nil), payload[6:]...)
	}
	if m.flvRxLen == 0 {
		return nil
	}

	got := 0
	for _, c := range m.flvRxFrags {
		got += len(c)
	}
	if got < m.flvRxLen {
		return nil
	}
	defer func() { m.flvRxLen, m.flvRxFrags = 0, nil }()
	if got > m.flvRxLen {
		m.logger.Debug("received more than the announced size")
		return nil
	}
	if m.flvRxLen < 12 {
		m.logger.Debug("received data is too small")
		return nil
	}

	data := make([]byte, 0, got)
	for i := uint16(0); ; i++ {
		frag, ok := m.flvRxFrags[i]
		if !ok {
			break
		}
		data = append(data, frag...)
	}
	if len(data) != m.flvRxLen {
		m.logger.Debug("fragment numbering has a hole")
		return nil
	}
	typ := binary.BigEndian.Uint32(data[0:4])
	msgLen := binary.BigEndian.Uint32(data[4:8])
	tm := binary.BigEndian.Uint32(data[8:12])
	body := data[12:]
	if int(msgLen) != len(body) {
		m.logger.Debug("invalid reassembled message length")
		return nil
	}
	return []*rtmp.Message{rtmp.NewMessage(uint8(typ), 0, tm, body)}
}
