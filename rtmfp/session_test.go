package rtmfp

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/rand"
)

// capture collects everything the server sends, keyed nothing: tests pop
// packets in order.
type capture struct {
	packets [][]byte
	remotes []*net.UDPAddr
}

func (c *capture) send(data []byte, remote *net.UDPAddr) error {
	c.packets = append(c.packets, append([]byte(nil), data...))
	c.remotes = append(c.remotes, remote)
	return nil
}

func (c *capture) pop(t *testing.T) []byte {
	require.NotEmpty(t, c.packets, "expected an outgoing packet")
	p := c.packets[0]
	c.packets = c.packets[1:]
	c.remotes = c.remotes[1:]
	return p
}

func newCapturedServer() (*Server, *capture) {
	cap := &capture{}
	s := &Server{Logger: zap.NewNop()}
	s.sendFn = cap.send
	s.init()
	return s, cap
}

// initiatorState is the client half a test drives by hand.
type initiatorState struct {
	addr      *net.UDPAddr
	cert      []byte
	nonce     []byte
	dh        *dhKeyPair
	sessionID uint32 // server's id for us, from 0x78
	farID     uint32 // our own id given to the server in 0x38
	encode    *aesContext
	decode    *aesContext
}

// handshakePacket builds a fixed-key packet with one chunk.
func handshakePacket(t *testing.T, typ byte, payload []byte) []byte {
	ctx, err := newAESContext(handshakeKey)
	require.NoError(t, err)
	packet := make([]byte, 6)
	packet = append(packet, markerHandshake)
	packet = binary.BigEndian.AppendUint16(packet, 0x0102)
	packet = append(packet, typ)
	packet = binary.BigEndian.AppendUint16(packet, uint16(len(payload)))
	packet = append(packet, payload...)
	packet = encodePacket(ctx, packet)
	require.NoError(t, ScrambleID(packet, 0))
	return packet
}

func decodeHandshakeResponse(t *testing.T, packet []byte) (byte, []byte) {
	ctx, err := newAESContext(handshakeKey)
	require.NoError(t, err)
	id, err := UnscrambleID(packet)
	require.NoError(t, err)
	require.Zero(t, id)
	raw, err := decodePacket(ctx, packet)
	require.NoError(t, err)
	require.Equal(t, markerHandshake, raw[6])
	typ := raw[9]
	size := int(binary.BigEndian.Uint16(raw[10:12]))
	return typ, raw[12 : 12+size]
}

// performHandshake drives hello and keying against the server and derives
// the initiator's session ciphers.
func performHandshake(t *testing.T, server *Server, cap *capture) *initiatorState {
	st := &initiatorState{
		addr:  mustUDPAddr(t, "198.51.100.9:50000"),
		dh:    beginDH(),
		farID: 0x00000007,
	}
	st.cert = append(rand.Bytes(10), st.dh.publicBytes()...)
	st.nonce = rand.Bytes(73)

	// initiator hello with a URL endpoint discriminator
	url := []byte("rtmfp://localhost/live")
	hello := []byte{0x00, byte(len(url) + 1), epdTypeURL}
	hello = append(hello, url...)
	tag := rand.Bytes(16)
	hello = append(hello, tag...)
	server.HandlePacket(handshakePacket(t, 0x30, hello), st.addr)

	typ, resp := decodeHandshakeResponse(t, cap.pop(t))
	require.Equal(t, byte(0x70), typ)
	tagEcho, rest, err := readString(resp, sizeLength8)
	require.NoError(t, err)
	require.Equal(t, tag, tagEcho)
	cookieID, rest, err := readString(rest, sizeLength8)
	require.NoError(t, err)
	require.Len(t, cookieID, 64)
	require.Len(t, rest, 77, "certificate blob")
	require.Equal(t, []byte{0x01, 0x0A, 0x41, 0x0E}, rest[:4])

	// initiator initial keying
	keying := binary.BigEndian.AppendUint32(nil, st.farID)
	keying = appendString(keying, cookieID, sizeLengthVar)
	keying = appendString(keying, st.cert, sizeLengthVar)
	keying = appendString(keying, st.nonce, sizeLengthVar)
	server.HandlePacket(handshakePacket(t, 0x38, keying), st.addr)

	typ, resp = decodeHandshakeResponse(t, cap.pop(t))
	require.Equal(t, byte(0x78), typ)
	st.sessionID = binary.BigEndian.Uint32(resp[:4])
	respNonce, tail, err := readString(resp[4:], sizeLengthVar)
	require.NoError(t, err)
	require.Equal(t, byte(0x58), tail[0])

	// server's public key sits at the end of its nonce
	secret := st.dh.sharedSecret(respNonce[len(respNonce)-dhKeySize:])
	dKey, eKey := asymmetricKeys(secret, st.nonce, respNonce)
	// initiator encodes with the responder's decode key
	st.encode, err = newAESContext(dKey)
	require.NoError(t, err)
	st.decode, err = newAESContext(eKey)
	require.NoError(t, err)
	return st
}

// sessionPacket wraps chunks in an in-session packet from the initiator.
func (st *initiatorState) sessionPacket(t *testing.T, chunks []byte) []byte {
	packet := make([]byte, 6)
	packet = append(packet, 0x89) // client->server, no echo
	packet = binary.BigEndian.AppendUint16(packet, 0x0001)
	packet = append(packet, chunks...)
	packet = encodePacket(st.encode, packet)
	require.NoError(t, ScrambleID(packet, st.sessionID))
	return packet
}

func (st *initiatorState) decodeSessionPacket(t *testing.T, packet []byte) []byte {
	id, err := UnscrambleID(packet)
	require.NoError(t, err)
	require.Equal(t, st.farID, id)
	raw, err := decodePacket(st.decode, packet)
	require.NoError(t, err)
	return raw[6:]
}

func chunk(typ byte, payload []byte) []byte {
	out := []byte{typ}
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	return append(out, payload...)
}

func TestHandshakeEstablishesSession(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)

	session, ok := server.sessions[st.sessionID].(*Session)
	require.True(t, ok)
	assert.Equal(t, st.farID, session.FarID)
	wantID := sha256.Sum256(st.cert)
	assert.Equal(t, wantID[:], session.peer.ID)
	assert.Equal(t, "live", session.peer.Path)
}

func TestConnectOverConnectionFlow(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)

	// connect command on the connection flow, single fragment
	w := amf.NewWriter()
	require.NoError(t, w.Write("connect"))
	require.NoError(t, w.Write(float64(1)))
	require.NoError(t, w.Write(amf.NewObject().Set("app", "live").Set("objectEncoding", float64(3))))
	body := append([]byte{payloadAMFWithHandler, 0, 0, 0, 0}, w.Bytes()...)

	frag := []byte{flagHeader}
	frag = AppendLength7(frag, 2) // flow id
	frag = AppendLength7(frag, 1) // stage
	frag = AppendLength7(frag, 1) // delta nack
	frag = appendString(frag, signatureConnection, sizeLength8)
	frag = append(frag, 0x00)
	frag = append(frag, body...)

	server.HandlePacket(st.sessionPacket(t, chunk(0x10, frag)), st.addr)

	require.NotEmpty(t, cap.packets)
	response := st.decodeSessionPacket(t, cap.pop(t))
	// the packet must carry an acknowledgement for stage 1 and the
	// _result command on a new flow
	payload := findChunk(t, response, 0x51)
	id, rest, err := ReadLength7(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
	require.NotEmpty(t, rest)
	stage, _, err := ReadLength7(rest[1:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stage)

	result := findChunk(t, response, 0x10)
	assert.Contains(t, string(result), "NetConnection.Connect.Success")

	session := server.sessions[st.sessionID].(*Session)
	assert.Equal(t, peerAccepted, session.peer.state)
	assert.True(t, session.checked)
}

// findChunk walks a decoded network layer for the first chunk of a type.
func findChunk(t *testing.T, body []byte, typ byte) []byte {
	require.GreaterOrEqual(t, len(body), 3)
	index := 3
	if body[0]|0xF0 == 0xFD || body[0]|0xF0 == 0xFE {
		index = 5
	}
	remaining := body[index:]
	for len(remaining) >= 3 && remaining[0] != 0xFF {
		size := int(binary.BigEndian.Uint16(remaining[1:3]))
		require.LessOrEqual(t, 3+size, len(remaining))
		if remaining[0] == typ {
			return remaining[3 : 3+size]
		}
		remaining = remaining[3+size:]
	}
	t.Fatalf("chunk 0x%02x not found", typ)
	return nil
}

func TestKeepaliveProbeAndTimeout(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)
	session := server.sessions[st.sessionID].(*Session)

	// quiet for 121 seconds: first sweep past the threshold sends 0x01
	session.recvTs = time.Now().Add(-121 * time.Second)
	session.manage(time.Now())
	probe := st.decodeSessionPacket(t, cap.pop(t))
	findChunk(t, probe, 0x01)
	assert.Equal(t, 1, session.timesKeepalive)

	// a keep-alive response resets the counter
	server.HandlePacket(st.sessionPacket(t, chunk(0x41, nil)), st.addr)
	assert.Zero(t, session.timesKeepalive)

	// ten unanswered probes fail the session
	session.recvTs = time.Now().Add(-121 * time.Second)
	for i := 0; i < 10; i++ {
		session.manage(time.Now())
	}
	session.manage(time.Now())
	assert.True(t, session.failed)
}

func TestReceiveTimeoutFailsSession(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)
	session := server.sessions[st.sessionID].(*Session)

	session.recvTs = time.Now().Add(-361 * time.Second)
	session.manage(time.Now())
	assert.True(t, session.failed)
	// the failing session emits the 0x0c drumbeat
	sig := st.decodeSessionPacket(t, cap.pop(t))
	findChunk(t, sig, 0x0c)
}

func TestCookieLifetime(t *testing.T) {
	server, cap := newCapturedServer()
	addr := mustUDPAddr(t, "198.51.100.1:4000")

	for i := 0; i < 5; i++ {
		url := []byte("rtmfp://x/app")
		hello := []byte{0x00, byte(len(url) + 1), epdTypeURL}
		hello = append(hello, url...)
		hello = append(hello, rand.Bytes(16)...)
		server.HandlePacket(handshakePacket(t, 0x30, hello), addr)
		cap.pop(t)
	}
	require.Len(t, server.handshake.cookies, 5)

	// sweeps before the 120 s boundary keep every cookie
	server.handshake.manage(time.Now().Add(119 * time.Second))
	assert.Len(t, server.handshake.cookies, 5)

	// the first sweep at or past the boundary evicts them all
	server.handshake.manage(time.Now().Add(120*time.Second + time.Millisecond))
	assert.Empty(t, server.handshake.cookies)
}

func TestUnknownCookieDropsSilently(t *testing.T) {
	server, cap := newCapturedServer()
	addr := mustUDPAddr(t, "198.51.100.2:4001")

	keying := binary.BigEndian.AppendUint32(nil, 9)
	keying = appendString(keying, rand.Bytes(64), sizeLengthVar)
	server.HandlePacket(handshakePacket(t, 0x38, keying), addr)
	assert.Empty(t, cap.packets, "unknown cookie must not be answered")
}

func TestHelloFloodIsBounded(t *testing.T) {
	server, cap := newCapturedServer()
	server.handshake.limiter.SetLimit(1)
	server.handshake.limiter.SetBurst(3)
	addr := mustUDPAddr(t, "198.51.100.3:4002")

	for i := 0; i < 10; i++ {
		url := []byte("rtmfp://x/app")
		hello := []byte{0x00, byte(len(url) + 1), epdTypeURL}
		hello = append(hello, url...)
		hello = append(hello, rand.Bytes(16)...)
		server.HandlePacket(handshakePacket(t, 0x30, hello), addr)
	}
	assert.LessOrEqual(t, len(server.handshake.cookies), 3)
	assert.LessOrEqual(t, len(cap.packets), 3)
}

func TestCorruptPacketSilentlyDropped(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)

	packet := st.sessionPacket(t, chunk(0x01, nil))
	packet[len(packet)-1] ^= 0xAA
	server.HandlePacket(packet, st.addr)
	assert.Empty(t, cap.packets)
}

func TestFlowOutOfOrderReassembly(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)
	session := server.sessions[st.sessionID].(*Session)

	var names []string
	handler := &recordingHandler{names: &names}
	flow := newFlow(9, []byte{0x99}, session, handler)
	session.flows[9] = flow

	payload := func(s string) []byte {
		w := amf.NewWriter()
		_ = w.Write(s)
		_ = w.Write(float64(0))
		return append([]byte{payloadAMFWithHandler, 0, 0, 0, 0}, w.Bytes()...)
	}

	// stage 2 arrives before stage 1: buffered, then both commit in order
	flow.fragmentHandler(2, 2, payload("second"), 0)
	assert.Empty(t, names)
	flow.fragmentHandler(1, 1, payload("first"), 0)
	assert.Equal(t, []string{"first", "second"}, names)

	// split payload across before/after parts
	big := payload("third")
	flow.fragmentHandler(3, 3, big[:4], flagWithAfterpart)
	flow.fragmentHandler(4, 4, big[4:], flagWithBeforepart)
	assert.Equal(t, []string{"first", "second", "third"}, names)
}

type recordingHandler struct {
	baseFlowHandler
	names *[]string
}

func (h *recordingHandler) messageHandler(_ *Flow, name string, _ *amf.Reader) {
	*h.names = append(*h.names, name)
}

func TestTriggerBackoffAndExhaustion(t *testing.T) {
	var tr trigger
	tr.start()

	fires := 0
	sweeps := 0
	for {
		due, err := tr.dispatch()
		sweeps++
		if err != nil {
			assert.ErrorIs(t, err, ErrRetransmitExhausted)
			break
		}
		if due {
			fires++
		}
		require.Less(t, sweeps, 1000)
	}
	assert.Equal(t, 7, fires, "seven retransmit cycles before the fatal eighth")
}

func TestScramblePacketIDMatchesSession(t *testing.T) {
	server, cap := newCapturedServer()
	st := performHandshake(t, server, cap)
	session := server.sessions[st.sessionID].(*Session)

	session.writeMessage(0x01, nil, nil)
	session.flush(0)
	packet := cap.pop(t)
	id, err := UnscrambleID(packet)
	require.NoError(t, err)
	assert.Equal(t, st.farID, id)
	assert.False(t, bytes.Equal(packet[:4], binary.BigEndian.AppendUint32(nil, st.farID)),
		"the id on the wire must be scrambled")
}
