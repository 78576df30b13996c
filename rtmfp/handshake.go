package rtmfp

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/codingpa-ws/siprtmp/metrics"
	"github.com/codingpa-ws/siprtmp/rand"
)

// Endpoint discriminator types carried in an initiator-hello.
const (
	epdTypeURL  byte = 0x0a
	epdTypePeer byte = 0x0f
)

// Handshake is the singleton engine every new client's first packet goes
// to. It mints cookies, validates keying and spins up sessions.
type Handshake struct {
	server *Server
	logger *zap.Logger

	aesDecrypt  *aesContext
	aesEncrypt  *aesContext
	certificate []byte
	cookies     map[string]*Cookie
	writer      packetBuffer

	// limiter guards the cookie mint path against hello floods
	limiter *rate.Limiter
}

func newHandshake(server *Server) *Handshake {
	dec, _ := newAESContext(handshakeKey)
	enc, _ := newAESContext(handshakeKey)
	h := &Handshake{
		server:     server,
		logger:     server.Logger.With(zap.String("engine", "handshake")),
		aesDecrypt: dec,
		aesEncrypt: enc,
		cookies:    make(map[string]*Cookie),
		limiter:    rate.NewLimiter(rate.Limit(server.HelloRate), server.HelloBurst),
	}
	h.certificate = append([]byte{0x01, 0x0A, 0x41, 0x0E}, rand.Bytes(64)...)
	h.certificate = append(h.certificate, 0x02, 0x15, 0x02, 0x02, 0x15, 0x05, 0x02, 0x15, 0x0E)
	h.writer.clear()
	return h
}

// ServerID is the identity hash of this server's certificate.
func (h *Handshake) ServerID() []byte {
	sum := sha256.Sum256(h.certificate)
	return sum[:]
}

func (h *Handshake) manage(now time.Time) {
	for id, cookie := range h.cookies {
		if cookie.obsolete(now) {
			delete(h.cookies, id)
		}
	}
	metrics.Cookies.Set(float64(len(h.cookies)))
}

// commitCookie evicts the cookies whose pending session id equals the
// now-established session's id.
func (h *Handshake) commitCookie(s *Session) {
	s.checked = true
	for id, cookie := range h.cookies {
		if cookie.id == s.ID {
			delete(h.cookies, id)
		}
	}
}

func (h *Handshake) handlePacket(data []byte, sender *net.UDPAddr) {
	raw, err := decodePacket(h.aesDecrypt, data)
	if err != nil {
		h.server.cryptoDrop(err)
		return
	}
	if raw[6] != markerHandshake {
		metrics.HandshakeDrops.Inc()
		return
	}
	if len(raw) < 12 {
		return
	}
	id := raw[9]
	size := int(binary.BigEndian.Uint16(raw[10:12]))
	payload := raw[12:]
	if size < len(payload) {
		payload = payload[:size]
	}

	respID, response := h.handshakeMessage(id, payload, sender)
	if respID == 0 {
		return
	}
	h.respond(respID, response, sender)
}

// respond flushes one handshake chunk with the fixed-key symmetric cipher.
func (h *Handshake) respond(respID byte, response []byte, sender *net.UDPAddr) {
	packet := make([]byte, 6, 12+len(response)+16)
	packet = append(packet, markerHandshake)
	packet = binary.BigEndian.AppendUint16(packet, timestampNow(time.Now()))
	packet = append(packet, respID)
	packet = binary.BigEndian.AppendUint16(packet, uint16(len(response)))
	packet = append(packet, response...)
	packet = encodePacket(h.aesEncrypt, packet)
	if err := ScrambleID(packet, 0); err != nil {
		return
	}
	if err := h.server.send(packet, sender); err != nil {
		h.logger.Debug("handshake send failed", zap.Error(err))
	}
}

func (h *Handshake) handshakeMessage(id byte, payload []byte, sender *net.UDPAddr) (byte, []byte) {
	switch id {
	case 0x30:
		return h.handleHello(payload, sender)
	case 0x38:
		return h.handleInitialKeying(payload, sender)
	default:
		h.logger.Debug("unknown handshake packet id", zap.Uint8("id", id))
		metrics.HandshakeDrops.Inc()
		return 0, nil
	}
}

func (h *Handshake) handleHello(payload []byte, sender *net.UDPAddr) (byte, []byte) {
	if len(payload) < 3 {
		return 0, nil
	}
	epdLen := int(payload[1])
	epdType := payload[2]
	if epdLen < 1 || 3+epdLen-1+16 > len(payload) {
		metrics.HandshakeDrops.Inc()
		return 0, nil
	}
	epd := payload[3 : 3+epdLen-1]
	tag := payload[3+epdLen-1 : 3+epdLen-1+16]
	response := appendString(nil, tag, sizeLength8)

	switch epdType {
	case epdTypePeer:
		respID, resp := h.server.handshakeP2P(tag, sender, epd)
		if respID == 0 {
			return 0, nil
		}
		return respID, append(response, resp...)
	case epdTypeURL:
		if !h.limiter.Allow() {
			metrics.HandshakeDrops.Inc()
			return 0, nil
		}
		cookie := newCookie(string(epd))
		response = append(response, h.mintCookie(cookie)...)
		response = append(response, h.certificate...)
		return 0x70, response
	default:
		h.logger.Debug("unknown hello epd type", zap.Uint8("type", epdType))
		metrics.HandshakeDrops.Inc()
		return 0, nil
	}
}

// mintCookie stores the cookie under a fresh 64-byte id and returns the
// id length-prefixed for the wire.
func (h *Handshake) mintCookie(cookie *Cookie) []byte {
	cookieID := rand.Bytes(64)
	h.cookies[string(cookieID)] = cookie
	return appendString(nil, cookieID, sizeLength8)
}

func (h *Handshake) handleInitialKeying(payload []byte, sender *net.UDPAddr) (byte, []byte) {
	if len(payload) < 4 {
		return 0, nil
	}
	farID := binary.BigEndian.Uint32(payload[:4])
	cookieID, rest, err := readString(payload[4:], sizeLengthVar)
	if err != nil {
		return 0, nil
	}
	cookie, ok := h.cookies[string(cookieID)]
	if !ok {
		// unknown cookie: drop, do not reply
		h.logger.Debug("unknown handshake cookie")
		metrics.HandshakeDrops.Inc()
		return 0, nil
	}
	if cookie.id == 0 {
		cert, rest2, err := readString(rest, sizeLengthVar)
		if err != nil || len(cert) < dhKeySize {
			metrics.HandshakeDrops.Inc()
			return 0, nil
		}
		initNonce, _, err := readString(rest2, sizeLengthVar)
		if err != nil {
			metrics.HandshakeDrops.Inc()
			return 0, nil
		}
		sum := sha256.Sum256(cert)
		publicKey := cert[len(cert)-dhKeySize:]
		dKey, eKey := cookie.computeKeys(publicKey, initNonce)

		peer := &Peer{ID: sum[:], Address: sender}
		peer.Path, peer.Parameters = urlPathQuery(cookie.queryURL)
		result := h.server.createSession(farID, peer, dKey, eKey, cookie)
		if result < 0 {
			// a middle session finishes this handshake once its own
			// upstream leg has keyed
			return 0, nil
		}
		cookie.id = uint32(result)
	}
	return 0x78, cookie.bytes()
}

// finishHandshake lets a middle session deliver the deferred keying
// response once its upstream handshake completed.
func (h *Handshake) finishHandshake(cookie *Cookie, sender *net.UDPAddr) {
	h.respond(0x78, cookie.bytes(), sender)
}

// urlPathQuery splits an rtmfp URL into path and query parameters.
func urlPathQuery(value string) (string, map[string][]string) {
	if value == "" {
		return "", nil
	}
	u, err := url.Parse(strings.Replace(value, "rtmfp:", "http:", 1))
	if err != nil {
		return "", nil
	}
	return strings.TrimPrefix(u.Path, "/"), u.Query()
}
