package rtmfp

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/rand"
)

// Middle terminates the client's crypto and runs its own initiator
// handshake against the upstream target, rewriting identities in between.
type Middle struct {
	*Session

	mu sync.Mutex

	target   *Target
	isPeer   bool
	queryURL string

	middleID   uint32
	middleCert []byte
	middleDH   *dhKeyPair
	middlePeer *Peer

	targetNonce  []byte
	sharedSecret []byte

	middleAesEncrypt *aesContext
	middleAesDecrypt *aesContext

	socket          *net.UDPConn
	handshakeCookie *Cookie
	firstResponse   bool
}

func newMiddle(server *Server, id, farID uint32, peer *Peer, dKey, eKey []byte, target *Target, cookie *Cookie) (*Middle, error) {
	base, err := newSession(server, id, farID, peer, dKey, eKey)
	if err != nil {
		return nil, err
	}
	m := &Middle{
		Session:         base,
		target:          target,
		isPeer:          target.IsPeer,
		middlePeer:      peer,
		handshakeCookie: cookie,
	}
	m.queryURL = "rtmfp://" + target.Address.String() + "/" + peer.Path
	m.middleCert = append([]byte{0x02, 0x1D, 0x02, 0x41, 0x0E}, rand.Bytes(64)...)
	m.middleCert = append(m.middleCert, 0x03, 0x1A, 0x02, 0x0A, 0x02, 0x1E, 0x02)

	socket, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	m.socket = socket
	go m.receiveFromTarget()

	var hello []byte
	if m.isPeer {
		m.middleDH = target.dh
		m.middlePeer.ID = target.ID
		hello = append([]byte{0x22, 0x21, 0x0F}, target.PeerID...)
	} else {
		hello = append([]byte{byte(len(m.queryURL) + 2), byte(len(m.queryURL) + 1), 0x0A}, m.queryURL...)
	}
	hello = append(hello, rand.Bytes(16)...)
	m.sendHandshakeToTarget(0x30, hello)
	return m, nil
}

func (m *Middle) close() {
	m.Session.close()
	if m.socket != nil {
		_ = m.socket.Close()
		m.socket = nil
	}
}

func (m *Middle) manage(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Session.manage(now)
}

// receiveFromTarget drives the upstream leg on its own goroutine.
func (m *Middle) receiveFromTarget() {
	buf := make([]byte, constants.PacketRecvSize)
	for {
		n, remote, err := m.socket.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if remote.String() != m.target.Address.String() {
			m.logger.Debug("received from wrong target", zap.String("remote", remote.String()))
			continue
		}
		if n < 12 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		m.mu.Lock()
		id, _ := UnscrambleID(data)
		if id == 0 || m.middleAesDecrypt == nil {
			raw, err := decodePacket(m.server.handshake.aesDecrypt, data)
			if err != nil || raw[6] != markerHandshake || len(raw) < 12 {
				m.mu.Unlock()
				continue
			}
			typ := raw[9]
			size := int(binary.BigEndian.Uint16(raw[10:12]))
			content := raw[12:]
			if size < len(content) {
				content = content[:size]
			}
			m.targetHandshakeHandler(typ, content)
		} else {
			raw, err := decodePacket(m.middleAesDecrypt, data)
			if err != nil {
				m.server.cryptoDrop(err)
				m.mu.Unlock()
				continue
			}
			m.targetPacketHandler(raw[6:])
		}
		m.mu.Unlock()
	}
}

func (m *Middle) sendHandshakeToTarget(typ byte, data []byte) {
	packet := make([]byte, 6, 12+len(data)+16)
	packet = append(packet, markerHandshake)
	packet = binary.BigEndian.AppendUint16(packet, timestampNow(time.Now()))
	packet = append(packet, typ)
	packet = binary.BigEndian.AppendUint16(packet, uint16(len(data)))
	packet = append(packet, data...)
	packet = encodePacket(m.server.handshake.aesEncrypt, packet)
	if err := ScrambleID(packet, 0); err != nil {
		return
	}
	_, _ = m.socket.WriteToUDP(packet, m.target.Address)
}

func (m *Middle) sendToTarget(data []byte) {
	if m.middleAesEncrypt == nil {
		m.logger.Warn("send to target impossible, middle handshake not complete")
		return
	}
	m.firstResponse = true
	packet := make([]byte, 6, 6+len(data)+16)
	packet = append(packet, data...)
	packet = encodePacket(m.middleAesEncrypt, packet)
	if err := ScrambleID(packet, m.middleID); err != nil {
		return
	}
	_, _ = m.socket.WriteToUDP(packet, m.target.Address)
}

func (m *Middle) targetHandshakeHandler(typ byte, data []byte) {
	switch typ {
	case 0x70:
		_, rest, err := readString(data, sizeLength8)
		if err != nil {
			return
		}
		cookie, rest, err := readString(rest, sizeLength8)
		if err != nil {
			return
		}
		nonce := []byte{0x81, 0x02, 0x1D, 0x02}
		if m.isPeer {
			if len(rest) < 4+dhKeySize {
				return
			}
			rest = rest[4:]
			nonce = append(nonce, m.target.Kp...)
			m.sharedSecret = m.middleDH.sharedSecret(rest[:dhKeySize])
		} else {
			m.middleDH = beginDH()
			nonce = append(nonce, m.middleDH.publicBytes()...)
			sum := sha256.Sum256(nonce)
			m.middlePeer.ID = sum[:]
		}
		packet := binary.BigEndian.AppendUint32(nil, m.ID)
		packet = appendString(packet, cookie, sizeLength8)
		packet = appendString(packet, nonce, sizeLengthVar)
		packet = appendString(packet, m.middleCert, sizeLengthVar)
		packet = append(packet, 0x58)
		m.sendHandshakeToTarget(0x38, packet)
	case 0x71:
		tag, rest, err := readString(data, sizeLength8)
		if err != nil {
			return
		}
		if m.middleAesDecrypt == nil {
			m.fail("redirection middle request")
			m.kill()
			return
		}
		// relay the forwarded-hello response down to the client with
		// the client-facing crypto
		chunk := appendString(nil, tag, sizeLengthVar)
		chunk = append(chunk, rest...)
		m.writeMessage(0x71, chunk, nil)
		farID := m.FarID
		m.FarID = 0
		m.flush(flushSymmetric | flushWithoutEcho)
		m.FarID = farID
	case 0x78:
		if len(data) < 4 {
			return
		}
		m.middleID = binary.BigEndian.Uint32(data[:4])
		nonce, _, err := readString(data[4:], sizeLengthVar)
		if err != nil {
			return
		}
		m.targetNonce = append([]byte(nil), nonce...)
		if !m.isPeer {
			if len(nonce) < dhKeySize {
				return
			}
			m.sharedSecret = m.middleDH.sharedSecret(nonce[len(nonce)-dhKeySize:])
		}
		// the middle speaks as initiator: its encode key is the
		// responder's decode key
		dKey, eKey := asymmetricKeys(m.sharedSecret, m.middleCert, m.targetNonce)
		m.middleAesEncrypt, _ = newAESContext(dKey)
		m.middleAesDecrypt, _ = newAESContext(eKey)
		if m.handshakeCookie != nil {
			m.server.handshake.finishHandshake(m.handshakeCookie, m.peer.Address)
			m.handshakeCookie = nil
		}
	default:
		m.logger.Debug("unknown target handshake type", zap.Uint8("type", typ))
	}
}

// handlePacket intercepts the client's packets, rewrites what identifies
// the middle and forwards everything to the target.
func (m *Middle) handlePacket(data []byte, sender *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peer.Address = sender
	raw, err := decodePacket(m.aesDecrypt, data)
	if err != nil {
		m.server.cryptoDrop(err)
		return
	}
	m.recvTs = time.Now()
	body := raw[6:]
	if len(body) < 3 {
		return
	}
	marker := body[0]
	request := append([]byte(nil), body[:3]...)
	index := 3
	if marker|0xF0 == 0xFD {
		if len(body) < 5 {
			return
		}
		request = append(request, body[3:5]...)
		index = 5
	}

	remaining := body[index:]
	for len(remaining) >= 3 && remaining[0] != 0xFF {
		typ := remaining[0]
		size := int(binary.BigEndian.Uint16(remaining[1:3]))
		if 3+size > len(remaining) {
			break
		}
		content := remaining[3 : 3+size]
		remaining = remaining[3+size:]

		newContent := content
		switch typ {
		case 0x10:
			newContent = m.rewriteClientFlowChunk(content)
		case 0x4C:
			m.kill()
		}
		request = append(request, typ)
		request = binary.BigEndian.AppendUint16(request, uint16(len(newContent)))
		request = append(request, newContent...)
	}
	if len(request) > index {
		m.sendToTarget(request)
	}
}

// rewriteClientFlowChunk adjusts the connection-flow commands that embed
// addresses or identities the target must not see.
func (m *Middle) rewriteClientFlowChunk(content []byte) []byte {
	if len(content) < 1 {
		return content
	}
	flags := content[0]
	flowID, rest, err := ReadLength7(content[1:])
	if err != nil {
		return content
	}
	stage, rest, err := ReadLength7(rest)
	if err != nil {
		return content
	}
	prefix := []byte{flags}
	prefix = AppendLength7(prefix, flowID)
	prefix = AppendLength7(prefix, stage)

	if !m.isPeer && flowID == 0x02 && stage == 0x01 && len(rest) > 16 {
		// the connect command: replace tcUrl with the middle's url
		head, rest2 := rest[:14], rest[14:]
		name, rest3, err := readString(rest2, sizeLength16)
		if err != nil {
			return content
		}
		reader := amf.NewReader(rest3)
		id, err1 := reader.Read()
		obj, err2 := reader.Read()
		if err1 == nil && err2 == nil {
			if o, ok := obj.(*amf.Object); ok {
				if _, ok := o.Get("tcUrl"); ok {
					o.Set("tcUrl", m.queryURL)
				}
				w := amf.NewWriter()
				_ = w.Write(id)
				_ = w.Write(o)
				out := append(prefix, head...)
				out = appendString(out, name, sizeLength16)
				return append(out, w.Bytes()...)
			}
		}
		return content
	}
	if !m.isPeer && flowID == 0x02 && stage == 0x02 && len(rest) > 7 {
		// setPeerInfo: advertise the middle's socket port instead
		head, rest2 := rest[:7], rest[7:]
		reader := amf.NewReader(rest2)
		name, err := reader.Read()
		if err == nil && name == "setPeerInfo" {
			w := amf.NewWriter()
			_ = w.Write(name)
			if id, err := reader.Read(); err == nil {
				_ = w.Write(id)
			}
			_, _ = reader.Read() // null slot
			_ = w.Write(nil)
			port := m.socket.LocalAddr().(*net.UDPAddr).Port
			for reader.Remaining() > 0 {
				v, err := reader.Read()
				if err != nil {
					break
				}
				if addr, ok := v.(string); ok {
					if i := strings.LastIndexByte(addr, ':'); i >= 0 {
						addr = addr[:i]
					}
					_ = w.Write(addr + ":" + strconv.Itoa(port))
				}
			}
			out := append(prefix, head...)
			return append(out, w.Bytes()...)
		}
		return content
	}
	if m.isPeer && flowID == 0x02 && stage == 0x01 && len(rest) > 5 {
		// NetGroup join between peers: recompute the group identifier
		// against the middle's shared secret
		out := append(prefix, rest[:5]...)
		rest2 := rest[3:]
		if len(rest2) >= 2 && binary.BigEndian.Uint16(rest2[:2]) == 0x4752 {
			rest2 = rest2[2:]
			if len(rest2) >= 71+32+4+32 {
				out = append(out, rest2[:71]...)
				for _, g := range m.server.groups {
					if g.hasPeer(m.target.ID) {
						result1 := hmacSHA256(m.sharedSecret, m.targetNonce)
						result2 := hmacSHA256(g.ID, result1)
						out = append(out, result2[:32]...)
						out = append(out, rest2[71+32:71+32+4]...)
						out = append(out, m.target.PeerID...)
						out = append(out, rest2[71+32+4+32:]...)
						return out
					}
				}
				m.logger.Debug("netgroup packet between peers without corresponding group")
			}
		}
		return content
	}
	return content
}

// targetPacketHandler relays target packets down to the client, replacing
// the middle's identity with the client-known one.
func (m *Middle) targetPacketHandler(data []byte) {
	if m.firstResponse {
		m.recvTs = time.Now()
	}
	m.firstResponse = false
	if len(data) < 3 {
		return
	}
	marker := data[0]
	index := 3
	if marker|0xF0 == 0xFE {
		if len(data) < 5 {
			return
		}
		m.timeSent = binary.BigEndian.Uint16(data[3:5])
		index = 5
	}

	var request []byte
	remaining := data[index:]
	for len(remaining) >= 3 && remaining[0] != 0xFF {
		typ := remaining[0]
		size := int(binary.BigEndian.Uint16(remaining[1:3]))
		if 3+size > len(remaining) {
			break
		}
		content := remaining[3 : 3+size]
		remaining = remaining[3+size:]

		newContent := content
		if typ == 0x0F && len(content) >= 3+32 {
			// forwarded-initiator-hello: show the client its own peer id
			rewritten := append([]byte(nil), content[:3]...)
			rewritten = append(rewritten, m.peer.ID...)
			rewritten = append(rewritten, content[3+32:]...)
			newContent = rewritten
		}
		request = append(request, typ)
		request = binary.BigEndian.AppendUint16(request, uint16(len(newContent)))
		request = append(request, newContent...)
	}
	if len(request) > 0 {
		m.flushMessage(0, request)
	}
}

// failSignal also tells the target the session is gone.
func (m *Middle) failSignal() {
	m.Session.failSignal()
	if m.middleAesEncrypt != nil {
		data := []byte{markerSession}
		data = binary.BigEndian.AppendUint16(data, timestampNow(time.Now()))
		data = append(data, 0x4c, 0x00, 0x00)
		m.sendToTarget(data)
	}
}
