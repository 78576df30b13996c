package rtmfp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/constants"
)

// Packet markers.
const (
	markerHandshake   byte = 0x0b
	markerSession     byte = 0x4a
	markerSessionEcho byte = 0x4e
)

// flush flags
const (
	flushSymmetric   = 0x01
	flushWithoutEcho = 0x02
)

// packetBuffer accumulates chunks for the next outgoing packet.
type packetBuffer struct {
	data  []byte
	limit int
}

func (p *packetBuffer) available() int {
	return p.limit - len(p.data)
}

func (p *packetBuffer) clear() {
	p.data = p.data[:0]
	p.limit = constants.PacketPayloadLimit
}

// Session is one established rendezvous connection: two AES schedules, the
// flow table and the flow-writer table.
type Session struct {
	server *Server
	logger *zap.Logger

	// ID is the receive demultiplex key chosen by this side; FarID is the
	// scramble component on outgoing packets.
	ID    uint32
	FarID uint32

	peer   *Peer
	target *Target

	died    bool
	failed  bool
	checked bool

	aesDecrypt *aesContext
	aesEncrypt *aesContext

	recvTs         time.Time
	timeSent       uint16
	timesFailed    int
	timesKeepalive int
	failedSince    time.Time

	flows          map[uint32]*Flow
	flowWriters    map[uint32]*FlowWriter
	nextWriterID   uint32
	lastFlowWriter *FlowWriter
	writer         packetBuffer

	handshakeAttempts map[string]int
}

func newSession(server *Server, id, farID uint32, peer *Peer, dKey, eKey []byte) (*Session, error) {
	dec, err := newAESContext(dKey)
	if err != nil {
		return nil, err
	}
	enc, err := newAESContext(eKey)
	if err != nil {
		return nil, err
	}
	s := &Session{
		server:            server,
		logger:            server.Logger.With(zap.Uint32("session", id)),
		ID:                id,
		FarID:             farID,
		peer:              peer,
		aesDecrypt:        dec,
		aesEncrypt:        enc,
		recvTs:            time.Now(),
		flows:             make(map[uint32]*Flow),
		flowWriters:       make(map[uint32]*FlowWriter),
		handshakeAttempts: make(map[string]int),
	}
	s.writer.clear()
	return s, nil
}

func (s *Session) isDied() bool {
	return s.died
}

func (s *Session) baseSession() *Session {
	return s
}

func (s *Session) close() {
	s.kill()
	for _, flow := range s.flows {
		flow.close()
	}
	s.flows = make(map[uint32]*Flow)
}

func (s *Session) kill() {
	if s.died {
		return
	}
	if s.peer.state != peerNone {
		s.peer.state = peerNone
		s.server.onDisconnect(s.peer)
	}
	s.peer.close()
	s.died, s.failed = true, true
}

// manage is the two-second sweep: receive timeout, keepalive, retransmit
// triggers and the failing-state drumbeat.
func (s *Session) manage(now time.Time) {
	if s.died {
		return
	}
	if s.failed {
		s.failSignal()
		return
	}
	if now.Sub(s.recvTs) >= constants.RecvTimeout*time.Second {
		s.fail("timeout no client message")
		return
	}
	if now.Sub(s.recvTs) >= constants.KeepaliveAfter*time.Second {
		if !s.keepAlive() {
			return
		}
	}
	for id, fw := range s.flowWriters {
		if fw.consumed() {
			delete(s.flowWriters, id)
			continue
		}
		if err := fw.manage(); err != nil {
			if fw.critical {
				s.fail(err.Error())
				return
			}
			delete(s.flowWriters, id)
		}
	}
	s.flush(0)
}

func (s *Session) keepAlive() bool {
	if s.timesKeepalive == constants.MaxKeepalive {
		s.fail("timeout keepalive")
		return false
	}
	s.timesKeepalive++
	s.writeMessage(0x01, nil, nil)
	return true
}

func (s *Session) fail(reason string) {
	if s.failed {
		return
	}
	s.failed = true
	s.failedSince = time.Now()
	if s.peer.state != peerNone {
		s.server.onFailed(s.peer, reason)
	}
	for _, fw := range s.flowWriters {
		fw.close()
	}
	s.writer.clear()
	s.peer.close()
	s.logger.Warn("session failed", zap.String("reason", reason))
	s.failSignal()
}

// failSignal emits the session-failed chunk; after enough of them or 360 s
// of failing the session dies.
func (s *Session) failSignal() {
	s.failed = true
	s.timesFailed++
	s.writer.clear()
	s.writer.data = append(s.writer.data, 0x0c, 0x00, 0x00)
	s.flush(flushWithoutEcho)
	if s.timesFailed >= constants.MaxFailSignals ||
		(!s.failedSince.IsZero() && time.Since(s.failedSince) >= constants.RecvTimeout*time.Second) {
		s.kill()
	}
}

// handshakeP2P sends this (established) peer a forwarded-initiator-hello
// announcing a newcomer that wants to rendezvous with it.
func (s *Session) handshakeP2P(address *net.UDPAddr, tag []byte, asker *Session) {
	var paddress *net.UDPAddr
	if asker != nil {
		key := string(tag)
		attempt, ok := s.handshakeAttempts[key]
		if !ok {
			attempt = 0
			if address.String() == s.peer.Address.String() && len(asker.peer.privateAddress) > 0 {
				attempt = 1
			}
		}
		if attempt > 0 && attempt <= len(asker.peer.privateAddress) {
			paddress = asker.peer.privateAddress[attempt-1]
		}
		attempt++
		if attempt > len(asker.peer.privateAddress) {
			attempt = 0
		}
		s.handshakeAttempts[key] = attempt
	}

	data := []byte{0x22, 0x21, 0x0F}
	data = append(data, s.peer.ID...)
	if paddress != nil {
		data = appendAddress(data, paddress, false)
	} else {
		data = appendAddress(data, address, true)
	}
	data = append(data, tag...)
	s.writeMessage(0x0F, data, nil)
	s.flush(0)
}

// writeMessage appends one chunk to the pending packet, flushing first if
// it would not fit.
func (s *Session) writeMessage(typ byte, data []byte, fw *FlowWriter) {
	if s.failed {
		return
	}
	s.lastFlowWriter = fw
	if 3+len(data) > s.writer.available() {
		s.flush(flushWithoutEcho)
	}
	s.writer.data = append(s.writer.data, typ)
	s.writer.data = binary.BigEndian.AppendUint16(s.writer.data, uint16(len(data)))
	s.writer.data = append(s.writer.data, data...)
}

func (s *Session) flushWithoutEcho() {
	s.flush(flushWithoutEcho)
}

func (s *Session) packetAvailable() int {
	// room left after the 3-byte chunk header
	a := s.writer.available() - 3
	if a < 0 {
		a = 0
	}
	return a
}

func (s *Session) canWriteFollowing(fw *FlowWriter) bool {
	return s.lastFlowWriter == fw
}

func (s *Session) initFlowWriter(fw *FlowWriter) {
	s.nextWriterID++
	for s.nextWriterID == 0 || s.flowWriters[s.nextWriterID] != nil {
		s.nextWriterID++
	}
	fw.ID = s.nextWriterID
	if fw.FlowID == 0 {
		for _, flow := range s.flows {
			fw.FlowID = flow.ID
			break
		}
	}
	s.flowWriters[fw.ID] = fw
}

func (s *Session) failSession(reason string) {
	s.fail(reason)
}

// flush sends the pending packet (or the given message) to the far side.
func (s *Session) flush(flags int) {
	s.flushMessage(flags, nil)
}

func (s *Session) flushMessage(flags int, message []byte) {
	s.lastFlowWriter = nil
	data := message
	if data == nil {
		data = s.writer.data
	}
	if len(data) == 0 {
		return
	}
	now := time.Now()
	timeEcho := flags&flushWithoutEcho == 0 && now.Sub(s.recvTs) < 30*time.Second
	marker := markerSession
	if flags&flushSymmetric != 0 {
		marker = markerHandshake
	}
	if timeEcho {
		marker += 4
	}

	packet := make([]byte, 6, 11+len(data)+16)
	packet = append(packet, marker)
	packet = binary.BigEndian.AppendUint16(packet, timestampNow(now))
	if timeEcho {
		elapsed := uint16(now.Sub(s.recvTs).Milliseconds() / 4)
		packet = binary.BigEndian.AppendUint16(packet, s.timeSent+elapsed)
	}
	packet = append(packet, data...)

	packet = encodePacket(s.aesEncrypt, packet)
	if err := ScrambleID(packet, s.FarID); err != nil {
		return
	}
	if err := s.server.send(packet, s.peer.Address); err != nil {
		s.logger.Debug("socket send failed", zap.Error(err))
	}
	if message == nil {
		s.writer.clear()
	}
}

// timestampNow is the wall clock in 4-millisecond units, truncated.
func timestampNow(now time.Time) uint16 {
	return uint16(now.UnixMilli() / 4)
}

// handlePacket decodes and dispatches one received packet.
func (s *Session) handlePacket(data []byte, sender *net.UDPAddr) {
	s.peer.Address = sender
	if s.target != nil {
		s.target.Address = sender
	}
	raw, err := decodePacket(s.aesDecrypt, data)
	if err != nil {
		s.server.cryptoDrop(err)
		return
	}
	s.recvTs = time.Now()
	s.handleChunks(raw[6:])
	s.flush(0)
}

// handleChunks walks the network layer of a decoded packet.
func (s *Session) handleChunks(data []byte) {
	if len(data) < 3 {
		return
	}
	marker := data[0]
	s.timeSent = binary.BigEndian.Uint16(data[1:3])
	index := 3
	switch marker | 0xF0 {
	case 0xFD: // echo present
		if len(data) < 5 {
			return
		}
		echo := binary.BigEndian.Uint16(data[3:5])
		s.peer.ping = timestampNow(time.Now()) - echo
		index = 5
	case 0xF9:
	default:
		s.logger.Debug("unknown packet marker", zap.Uint8("marker", marker))
	}

	remaining := data[index:]
	var flow *Flow
	var stage, deltaNack uint32
	for len(remaining) >= 3 && remaining[0] != 0xFF {
		typ := remaining[0]
		size := int(binary.BigEndian.Uint16(remaining[1:3]))
		if 3+size > len(remaining) {
			break
		}
		message := remaining[3 : 3+size]
		remaining = remaining[3+size:]

		switch typ {
		case 0x0c:
			s.fail("session failed on the client side")
		case 0x4c:
			s.kill()
			return
		case 0x01:
			s.writeMessage(0x41, nil, nil)
			s.timesKeepalive = 0
		case 0x41:
			s.timesKeepalive = 0
		case 0x5e: // the receiver rejected one of our flows
			id, _, err := ReadLength7(message)
			if err == nil {
				if fw := s.flowWriters[id]; fw != nil {
					fw.fail("receiver has rejected the flow")
				}
			}
		case 0x18:
			s.fail("ack negative from server")
		case 0x51:
			s.handleAck(message)
		case 0x10:
			var flags byte
			flow, stage, deltaNack, flags, message = s.readFlowHeader(message)
			if flow != nil {
				flow.fragmentHandler(stage, deltaNack, message, flags)
				if flow.errorStr != "" {
					s.fail(flow.errorStr)
				}
			}
		case 0x11:
			// continuation: implicit stage increment on the current flow
			if flow != nil && len(message) >= 1 {
				stage++
				deltaNack++
				flow.fragmentHandler(stage, deltaNack, message[1:], message[0])
				if flow.errorStr != "" {
					s.fail(flow.errorStr)
				}
			}
		default:
			s.logger.Debug("unknown chunk type", zap.Uint8("type", typ))
		}

		nextType := byte(0xFF)
		if len(remaining) > 0 {
			nextType = remaining[0]
		}
		if flow != nil && stage > 0 && nextType != 0x11 {
			flow.commit()
			if flow.completed {
				delete(s.flows, flow.ID)
				flow.close()
			}
			flow = nil
		}
	}
}

func (s *Session) handleAck(message []byte) {
	id, rest, err := ReadLength7(message)
	if err != nil {
		return
	}
	fw := s.flowWriters[id]
	if fw == nil {
		s.logger.Debug("flow writer unfound for acknowledgement", zap.Uint32("writer", id))
		return
	}
	if len(rest) < 1 {
		return
	}
	ack := rest[0]
	rest = rest[1:]
	for ack == 0xFF && len(rest) > 0 {
		ack, rest = rest[0], rest[1:]
	}
	if ack == 0 {
		fw.fail("ack negative from client")
		return
	}
	stage, _, err := ReadLength7(rest)
	if err != nil {
		return
	}
	fw.acknowledgment(stage)
}

// readFlowHeader parses a 0x10 chunk's flow header and returns the flow,
// stage and delta-nack plus the fragment bytes.
func (s *Session) readFlowHeader(message []byte) (*Flow, uint32, uint32, byte, []byte) {
	if len(message) < 1 {
		return nil, 0, 0, 0, nil
	}
	flags := message[0]
	id, rest, err := ReadLength7(message[1:])
	if err != nil {
		return nil, 0, 0, 0, nil
	}
	stage, rest, err := ReadLength7(rest)
	if err != nil {
		return nil, 0, 0, 0, nil
	}
	deltaNack, rest, err := ReadLength7(rest)
	if err != nil {
		return nil, 0, 0, 0, nil
	}

	flow := s.flows[id]
	if flags&flagHeader != 0 {
		signature, after, err := readString(rest, sizeLength8)
		if err != nil {
			return nil, 0, 0, 0, nil
		}
		rest = after
		if flow == nil {
			flow = s.createFlow(id, signature)
		}
		// optional header extensions: full-duplex bound flow id and
		// unknown parts, each length-prefixed
		for len(rest) > 0 {
			length := int(rest[0])
			rest = rest[1:]
			if length == 0 {
				break
			}
			if length > len(rest) {
				return nil, 0, 0, 0, nil
			}
			if rest[0] == 0x0a && flow != nil {
				if bound, _, err := ReadLength7(rest[1:length]); err == nil {
					flow.writer.FlowID = bound
				}
			}
			rest = rest[length:]
		}
	}
	if flow == nil {
		s.logger.Debug("flow not found", zap.Uint32("flow", id))
		// reject the unknown flow without revealing more
		data := AppendLength7(nil, id)
		data = append(data, 0x00)
		s.writeMessage(0x5e, data, nil)
		return nil, 0, 0, 0, nil
	}
	return flow, stage, deltaNack, flags, rest
}

func (s *Session) createFlow(id uint32, signature []byte) *Flow {
	if f, ok := s.flows[id]; ok {
		return f
	}
	var handler flowHandler
	switch {
	case bytes.Equal(signature, signatureConnection):
		handler = newConnectionFlowHandler(s)
	case bytes.Equal(signature, signatureGroup):
		handler = newGroupFlowHandler(s)
	case isStreamSignature(signature):
		h, err := newStreamFlowHandler(s, signature)
		if err != nil {
			s.logger.Debug("bad stream flow signature", zap.Error(err))
			return nil
		}
		handler = h
	default:
		s.logger.Debug("unknown flow signature",
			zap.String("signature", fmt.Sprintf("%x", signature)))
		return nil
	}
	flow := newFlow(id, signature, s, handler)
	s.flows[id] = flow
	return flow
}
