package bridge

import (
	"strings"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
	"github.com/codingpa-ws/siprtmp/sip"
)

// rtmpToRTPAudio maps the one-byte format selector of an inbound audio
// message to the negotiated outbound format, transcoding when required.
func (m *MediaContext) rtmpToRTPAudio(msg *rtmp.Message) []outPacket {
	selector := msg.Data[0] & 0xf0
	payload := msg.Data[1:]

	var codec string
	switch selector {
	case audioSelSpeex:
		codec = "speex"
	case audioSelPCMA:
		codec = "pcma"
	case audioSelPCMU:
		codec = "pcmu"
	default:
		// some other streaming codec and the far side has no use for it
		return nil
	}

	var fmt sip.Format
	var ok bool
	if m.au1Fmt == nil {
		switch {
		case codec == "speex" && m.hasRemoteFormat("audio", fmtWideband):
			fmt, ok = fmtWideband, true
		case codec == "speex" && m.hasRemoteFormat("audio", fmtNarrowband):
			// strip the wideband sub-frame for a narrowband-only peer
			fmt, ok = fmtNarrowband, true
			payload = removeWideband(payload)
		case codec == "pcmu" && m.hasRemoteFormat("audio", fmtPCMU):
			fmt, ok = fmtPCMU, true
		case codec == "pcma" && m.hasRemoteFormat("audio", fmtPCMA):
			fmt, ok = fmtPCMA, true
		default:
			m.logger.Debug("ignoring audio selector", zap.Uint8("selector", selector))
		}
	} else if m.audioCodec != nil && codec == "speex" {
		fmt, ok = *m.au1Fmt, true
		if !strings.EqualFold(fmt.Name, "speex") || fmt.Rate != 16000 {
			linear, err := m.audioCodec.Decode(payload, 16000)
			if err != nil {
				m.logger.Debug("audio decode failed", zap.Error(err))
				return nil
			}
			linear = m.audioCodec.Resample(linear, 16000, fmt.Rate)
			switch {
			case strings.EqualFold(fmt.Name, "speex"):
				encoded, err := m.audioCodec.Encode(linear, fmt.Rate)
				if err != nil {
					return nil
				}
				payload = encoded
			case fmt.PT == fmtPCMU.PT:
				payload = encodeUlaw(linear)
			case fmt.PT == fmtPCMA.PT:
				payload = encodeAlaw(linear)
			default:
				m.logger.Debug("unsupported transcode target", zap.String("fmt", fmt.String()))
				return nil
			}
		}
	}
	if !ok || len(payload) == 0 {
		return nil
	}
	// assume 20 ms frames at the target clock rate
	m.au1TS += uint32(fmt.Rate * 20 / 1000)
	return []outPacket{{payload: payload, ts: m.au1TS, fmt: fmt}}
}

// rtpToRTMPAudio is the reverse path: compute the clock-to-wall mapping
// on the first packet and build the streaming audio message.
func (m *MediaContext) rtpToRTMPAudio(fmt sip.Format, p *rtp.Packet, relativeTime, streamID uint32) []*rtmp.Message {
	name := strings.ToLower(fmt.Name)
	inputRate := fmt.Rate
	if inputRate == 0 {
		inputRate = 8000
	}

	var selector byte
	payload := p.Payload
	switch {
	case m.au1Fmt == nil || name == "speex":
		switch {
		case name == "speex":
			selector = 0xb2
		case name == "pcmu" || fmt.PT == 0:
			selector = 0x82
		case name == "pcma" || fmt.PT == 8:
			selector = 0x72
		default:
			m.logger.Debug("ignoring unsupported payload type", zap.String("fmt", fmt.String()))
			return nil
		}
	default:
		// transcode the companded stream back to narrowband VBR
		if m.audioCodec == nil {
			return nil
		}
		selector = 0xb2
		var linear []int16
		switch {
		case name == "pcmu" || fmt.PT == 0:
			linear = decodeUlaw(p.Payload)
		case name == "pcma" || fmt.PT == 8:
			linear = decodeAlaw(p.Payload)
		default:
			m.logger.Debug("ignoring unsupported payload type", zap.String("fmt", fmt.String()))
			return nil
		}
		encoded, err := m.audioCodec.Encode(linear, 8000)
		if err != nil {
			return nil
		}
		payload = encoded
	}

	if m.au2SSRC != 0 && p.SSRC != m.au2SSRC {
		// the source changed; restart the clock mapping
		m.au2TS0, m.au2Tm, m.au2SSRC = 0, 0, 0
	}
	if m.au2TS0 == 0 {
		m.au2TS0 = p.TS
	}
	if m.au2SSRC == 0 {
		m.au2SSRC = p.SSRC
	}
	if m.au2Tm == 0 {
		m.au2Tm = relativeTime
	}
	tm := (p.TS-m.au2TS0)/uint32(inputRate/1000) + m.au2Tm

	data := append([]byte{selector}, payload...)
	return []*rtmp.Message{rtmp.NewMessage(rtmp.TypeAudio, streamID, tm, data)}
}
