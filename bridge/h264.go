package bridge

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
)

// NAL unit types the bridge cares about.
const (
	nalInter     = 1
	nalIntra     = 5
	nalSPS       = 7
	nalPPS       = 8
	nalAggregate = 24
	nalFragment  = 28
)

// rtmpToRTPH264 parses the streaming video byte stream: the configuration
// record caches parameter sets; picture messages are re-packetized as
// single NAL units or fragment-unit-A sequences.
func (m *MediaContext) rtmpToRTPH264(msg *rtmp.Message) []outPacket {
	data := msg.Data
	ts := msg.Header.Time * uint32(fmtH264.Rate/1000)

	if len(data) > 2 && data[0] == 0x17 && data[1] == 0x00 {
		return m.parseAVCConfig(data[2:], ts)
	}
	if len(data) > 5 && (data[0] == 0x17 || data[0] == 0x27) && data[1] == 0x01 {
		if len(m.h1SPS) == 0 || len(m.h1PPS) == 0 {
			return nil
		}
		return m.packetizeSlices(data[5:], ts)
	}
	return nil
}

// parseAVCConfig extracts the NAL length size and the parameter sets from
// a configuration record and forwards the first SPS and PPS as separate
// NAL units. The profile and level bytes of the record are not kept.
func (m *MediaContext) parseAVCConfig(data []byte, ts uint32) []outPacket {
	// three bytes of composition time precede the record itself
	if len(data) < 9 {
		return nil
	}
	if data[3] != 1 { // configurationVersion
		return nil
	}
	m.h1LenSize = int(data[7]&0x03) + 1
	numSPS := int(data[8] & 0x1f)
	rest := data[9:]
	m.h1SPS, m.h1PPS = nil, nil
	for i := 0; i < numSPS && len(rest) >= 2; i++ {
		n := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if n > len(rest) {
			return nil
		}
		m.h1SPS = append(m.h1SPS, append([]byte(nil), rest[:n]...))
		rest = rest[n:]
	}
	if len(rest) < 1 {
		return nil
	}
	numPPS := int(rest[0])
	rest = rest[1:]
	for i := 0; i < numPPS && len(rest) >= 2; i++ {
		n := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if n > len(rest) {
			return nil
		}
		m.h1PPS = append(m.h1PPS, append([]byte(nil), rest[:n]...))
		rest = rest[n:]
	}

	var packets []outPacket
	if len(m.h1SPS) > 0 {
		packets = append(packets, outPacket{payload: m.h1SPS[0], ts: ts, marker: true, fmt: fmtH264})
	}
	if len(m.h1PPS) > 0 {
		packets = append(packets, outPacket{payload: m.h1PPS[0], ts: ts, marker: true, fmt: fmtH264})
	}
	return packets
}

// packetizeSlices walks the length-prefixed NAL units of one access unit
// and emits slice units, fragmenting the ones that exceed the MTU bound.
func (m *MediaContext) packetizeSlices(data []byte, ts uint32) []outPacket {
	lenSize := m.h1LenSize
	if lenSize == 0 {
		lenSize = 4
	}
	var nals [][]byte
	for len(data) >= lenSize {
		var n int
		switch lenSize {
		case 1:
			n = int(data[0])
		case 2:
			n = int(binary.BigEndian.Uint16(data[:2]))
		case 4:
			n = int(binary.BigEndian.Uint32(data[:4]))
		default:
			m.logger.Debug("invalid NAL length size", zap.Int("lenSize", lenSize))
			return nil
		}
		data = data[lenSize:]
		if n > len(data) {
			break
		}
		nals = append(nals, data[:n])
		data = data[n:]
	}

	var packets []outPacket
	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		nalType := nal[0] & 0x1f
		nri := nal[0] & 0x60
		if nalType != nalIntra && nalType != nalInter {
			continue
		}
		if len(nal) <= constants.NALFragmentSize-1 {
			packets = append(packets, outPacket{payload: nal, ts: ts, marker: true, fmt: fmtH264})
			continue
		}
		// fragment-unit-A with start and end flags in the FU header
		start := byte(0x80)
		remaining := nal[1:]
		for len(remaining) > 0 {
			count := constants.NALFragmentSize - 2
			if count > len(remaining) {
				count = len(remaining)
			}
			chunk := remaining[:count]
			remaining = remaining[count:]
			end := byte(0x00)
			if len(remaining) == 0 {
				end = 0x40
			}
			payload := []byte{nri | nalFragment, start | end | nalType}
			payload = append(payload, chunk...)
			packets = append(packets, outPacket{payload: payload, ts: ts, marker: end != 0, fmt: fmtH264})
			start = 0x00
		}
	}
	return packets
}

// rtpToRTMPH264 buffers one access unit worth of packets and emits a
// streaming message once the marker arrives, provided the SPS+PPS+intra
// prologue has been seen.
func (m *MediaContext) rtpToRTMPH264(p *rtp.Packet, relativeTime, streamID uint32) []*rtmp.Message {
	if len(p.Payload) == 0 {
		return nil
	}
	nalType := p.Payload[0] & 0x1f
	switch nalType {
	case nalSPS:
		m.h2SPS = append([]byte(nil), p.Payload...)
	case nalPPS:
		m.h2PPS = append([]byte(nil), p.Payload...)
	default:
		if len(p.Payload) > 1 {
			if nalType == nalAggregate {
				m.cacheAggregatedParameterSets(p.Payload[1:])
			}
			if nalType == nalInter || nalType == nalIntra || nalType == nalFragment || nalType == nalAggregate {
				m.h2Queue = append(m.h2Queue, &h264Queued{packet: p, nalType: nalType})
			}
		}
	}

	if n := len(m.h2Queue); n >= 2 {
		prev, last := m.h2Queue[n-2], m.h2Queue[n-1]
		if last.packet.Seq != prev.packet.Seq+1 {
			m.logger.Debug("access unit packet does not directly follow previous",
				zap.Uint16("seq", last.packet.Seq), zap.Uint16("prev", prev.packet.Seq))
		}
		if last.packet.TS != prev.packet.TS {
			// a new timestamp starts a new access unit
			m.h2Queue = m.h2Queue[n-1:]
		}
	}

	if !p.Marker || len(m.h2Queue) == 0 {
		return nil
	}
	queued := m.h2Queue
	m.h2Queue = nil
	return m.completeAccessUnit(queued, p, relativeTime, streamID)
}

func (m *MediaContext) cacheAggregatedParameterSets(payload []byte) {
	for len(payload) >= 2 {
		size := int(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[2:]
		if size > len(payload) || size == 0 {
			return
		}
		nal := payload[:size]
		payload = payload[size:]
		switch nal[0] & 0x1f {
		case nalSPS:
			m.h2SPS = append([]byte(nil), nal...)
		case nalPPS:
			m.h2PPS = append([]byte(nil), nal...)
		}
	}
}

func (m *MediaContext) completeAccessUnit(queued []*h264Queued, last *rtp.Packet, relativeTime, streamID uint32) []*rtmp.Message {
	var (
		accessType byte
		realNri    byte
		newdata    []byte
		pending    [][]byte
	)
	appendNAL := func(nal []byte, typ byte) {
		if newdata == nil {
			accessType = typ
			first := byte(0x27)
			if typ == nalIntra {
				first = 0x17
			}
			newdata = []byte{first, 0x01, 0x00, 0x00, 0x00}
		}
		newdata = binary.BigEndian.AppendUint32(newdata, uint32(len(nal)))
		newdata = append(newdata, nal...)
	}

	for _, q := range queued {
		payload := q.packet.Payload
		switch q.nalType {
		case nalIntra, nalInter:
			appendNAL(payload, q.nalType)
		case nalAggregate:
			rest := payload[1:]
			for len(rest) >= 2 {
				size := int(binary.BigEndian.Uint16(rest[:2]))
				rest = rest[2:]
				if size > len(rest) || size == 0 {
					break
				}
				nal := rest[:size]
				rest = rest[size:]
				nt := nal[0] & 0x1f
				if nt == nalIntra || nt == nalInter {
					appendNAL(nal, nt)
				}
			}
		case nalFragment:
			if len(payload) < 2 {
				continue
			}
			if newdata == nil {
				accessType = payload[1] & 0x1f
				realNri = payload[0] & 0x60
				first := byte(0x27)
				if accessType == nalIntra {
					first = 0x17
				}
				newdata = []byte{first, 0x01, 0x00, 0x00, 0x00}
			}
			pending = append(pending, payload[2:])
			if payload[1]&0x40 != 0 { // end bit: stitch the fragments
				nal := []byte{accessType | realNri}
				for _, part := range pending {
					nal = append(nal, part...)
				}
				pending = nil
				newdata = binary.BigEndian.AppendUint32(newdata, uint32(len(nal)))
				newdata = append(newdata, nal...)
			}
		}
	}

	var payloads [][]byte
	if newdata != nil {
		payloads = append(payloads, newdata)
	}

	needPrologue := len(m.h2SPS) == 0 || len(m.h2PPS) == 0 ||
		(!m.h2SentSeq && accessType != nalIntra)
	if needPrologue {
		// drop until the next intra; nudge the encoder at most once per
		// five seconds
		m.logger.Debug("dropping access unit until the prologue is complete")
		if time.Since(m.h2LastFIR) > constants.FIRInterval*time.Second {
			m.h2LastFIR = time.Now()
			if m.onRequestFIR != nil {
				m.onRequestFIR()
			}
		}
		return nil
	}
	if !m.h2SentSeq && accessType == nalIntra {
		m.h2SentSeq = true
	}

	if m.h2StartTS == 0 {
		m.h2StartTS = last.TS
	}
	if m.h2StartTm == 0 {
		m.h2StartTm = relativeTime
	}
	tm := (last.TS-m.h2StartTS)/uint32(fmtH264.Rate/1000) + m.h2StartTm

	if len(payloads) > 0 && accessType == nalIntra {
		// prepend a fresh configuration record built from the cached sets
		cfg := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01}
		cfg = append(cfg, m.h2SPS[1:4]...)
		cfg = append(cfg, 0xff, 0xe1)
		cfg = binary.BigEndian.AppendUint16(cfg, uint16(len(m.h2SPS)))
		cfg = append(cfg, m.h2SPS...)
		cfg = append(cfg, 0x01)
		cfg = binary.BigEndian.AppendUint16(cfg, uint16(len(m.h2PPS)))
		cfg = append(cfg, m.h2PPS...)
		payloads = append([][]byte{cfg}, payloads...)
	}

	messages := make([]*rtmp.Message, 0, len(payloads))
	for _, payload := range payloads {
		messages = append(messages, rtmp.NewMessage(rtmp.TypeVideo, streamID, tm, payload))
	}
	return messages
}
