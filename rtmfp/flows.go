package rtmfp

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
)

// connectionFlowHandler drives the session-scoped command flow: connect,
// setPeerInfo, createStream, deleteStream and application dispatch.
type connectionFlowHandler struct {
	baseFlowHandler
	session     *Session
	streamIndex map[uint32]bool
}

func newConnectionFlowHandler(s *Session) *connectionFlowHandler {
	return &connectionFlowHandler{session: s, streamIndex: make(map[uint32]bool)}
}

func (h *connectionFlowHandler) closeHandler(*Flow) {
	for id := range h.streamIndex {
		h.session.server.streams.destroy(id)
	}
}

func (h *connectionFlowHandler) messageHandler(f *Flow, name string, reader *amf.Reader) {
	f.writer.critical = true
	switch name {
	case "connect":
		h.handleConnect(f, reader)
	case "setPeerInfo":
		h.handleSetPeerInfo(f, reader)
	case "initStream":
		// nothing to allocate yet
	case "createStream":
		id := h.session.server.streams.create()
		h.streamIndex[id] = true
		_ = f.writer.WriteAMFMessage("_result", float64(id))
	case "deleteStream":
		v := readArg(reader)
		if id, ok := v.(float64); ok {
			delete(h.streamIndex, uint32(id))
			h.session.server.streams.destroy(uint32(id))
		}
	default:
		if !h.session.server.onMessage(h.session.peer, name, reader, f.writer) {
			_ = f.writer.WriteAMFMessage("_error", amf.NewObject().
				Set("level", "error").
				Set("code", "NetConnection.Call.Failed").
				Set("description", "Method '"+name+"' not found"))
		}
	}
}

func (h *connectionFlowHandler) handleConnect(f *Flow, reader *amf.Reader) {
	body := readArg(reader)
	if body == nil {
		body = readArg(reader)
	}
	obj, _ := body.(*amf.Object)
	if obj != nil {
		if enc, ok := obj.GetNumber("objectEncoding"); ok && enc != 3 {
			f.errorStr = "objectEncoding must be AMF3"
			return
		}
		if app, ok := obj.GetString("app"); ok {
			h.session.peer.Path = app
		}
	}
	h.session.peer.state = peerRejected
	if !h.session.server.onConnect(h.session.peer, f.writer) {
		f.errorStr = "client rejected"
		return
	}
	h.session.peer.state = peerAccepted
	h.session.checked = true
	_ = f.writer.WriteAMFMessage("_result", amf.NewObject().
		Set("level", "status").
		Set("code", "NetConnection.Connect.Success").
		Set("description", "Connection succeeded").
		Set("objectEncoding", float64(3)))
}

func (h *connectionFlowHandler) handleSetPeerInfo(f *Flow, reader *amf.Reader) {
	h.session.peer.privateAddress = nil
	for reader.Remaining() > 0 {
		v, err := reader.Read()
		if err != nil {
			break
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if addr := parseIPPort(s); addr != nil {
			h.session.peer.privateAddress = append(h.session.peer.privateAddress, addr)
		}
	}
	// answer with the keepalive intervals this server wants
	data := make([]byte, 10)
	binary.BigEndian.PutUint16(data[0:2], 0x29)
	binary.BigEndian.PutUint32(data[2:6], h.session.server.KeepAliveServer)
	binary.BigEndian.PutUint32(data[6:10], h.session.server.KeepAlivePeer)
	f.writer.WriteRawMessage(data, false)
}

// groupFlowHandler serves rendezvous group joins: a raw 0x01 chunk with a
// group id subscribes the peer and returns the best known members.
type groupFlowHandler struct {
	baseFlowHandler
	session *Session
	group   *Group
}

func newGroupFlowHandler(s *Session) *groupFlowHandler {
	return &groupFlowHandler{session: s}
}

func (h *groupFlowHandler) closeHandler(*Flow) {
	if h.group != nil {
		h.group.remove(h.session.peer)
	}
}

func (h *groupFlowHandler) rawHandler(f *Flow, typ byte, data []byte) {
	if typ != 0x01 || len(data) == 0 {
		h.baseFlowHandler.rawHandler(f, typ, data)
		return
	}
	groupID, _, err := readString(data, sizeLengthVar)
	if err != nil {
		return
	}
	h.group = h.session.server.group(groupID)
	best := h.group.best(h.session.peer, 6)
	h.group.add(h.session.peer)
	for _, peer := range best {
		f.writer.WriteRawMessage(append([]byte{0x0b}, peer.ID...), true)
	}
}

type streamFlowState int

const (
	streamIdle streamFlowState = iota
	streamPublishing
	streamPlaying
)

// streamFlowHandler drives one media stream flow: publish, play and the
// media packets of a publisher.
type streamFlowHandler struct {
	baseFlowHandler
	session *Session
	index   uint32
	name    string
	state   streamFlowState

	publication   *Publication
	lostFragments int
}

func newStreamFlowHandler(s *Session, signature []byte) (*streamFlowHandler, error) {
	index, _, err := ReadLength7(signature[len(signatureStream):])
	if err != nil {
		return nil, err
	}
	return &streamFlowHandler{session: s, index: index}, nil
}

func (h *streamFlowHandler) closeHandler(f *Flow) {
	h.disengage(f)
}

func (h *streamFlowHandler) disengage(f *Flow) {
	switch h.state {
	case streamPublishing:
		h.session.server.streams.unpublish(h.index, h.name)
		h.publication = nil
		_ = f.writer.WriteStatus("NetStream.Unpublish.Success", "\""+h.name+"\" is now unpublished")
	case streamPlaying:
		h.session.server.streams.unsubscribe(h.index, h.name)
		_ = f.writer.WriteStatus("NetStream.Play.Stop", "Stopped playing \""+h.name+"\"")
	}
	h.state = streamIdle
}

func (h *streamFlowHandler) messageHandler(f *Flow, name string, reader *amf.Reader) {
	switch name {
	case "|RtmpSampleAccess":
		readArg(reader)
		readArg(reader)
	case "play":
		h.disengage(f)
		h.state = streamPlaying
		if s, ok := readArg(reader).(string); ok {
			h.name = s
		}
		w := amf.NewWriter()
		_ = w.Write("|RtmpSampleAccess")
		_ = w.Write(false)
		_ = w.Write(false)
		raw := append([]byte{payloadAMF, 0x00, 0x00, 0x00, 0x00, 0x00}, w.Bytes()...)
		f.writer.WriteRawMessage(raw, true)
		_ = f.writer.WriteStatus("NetStream.Play.Reset", "Playing and resetting \""+h.name+"\"")
		_ = f.writer.WriteStatus("NetStream.Play.Start", "Started playing \""+h.name+"\"")
		h.session.server.streams.subscribe(h.index, h.name, f.writer)
	case "closeStream":
		h.disengage(f)
	case "publish":
		h.disengage(f)
		if s, ok := readArg(reader).(string); ok {
			h.name = s
		}
		pub, err := h.session.server.streams.publish(h.index, h.name)
		if err != nil {
			_ = f.writer.WriteErrorStatus("NetStream.Publish.BadName", "\""+h.name+"\" is already publishing")
			return
		}
		h.publication = pub
		h.state = streamPublishing
		_ = f.writer.WriteStatus("NetStream.Publish.Start", "\""+h.name+"\" is now published")
	default:
		h.baseFlowHandler.messageHandler(f, name, reader)
	}
}

func (h *streamFlowHandler) audioHandler(f *Flow, data []byte) {
	if h.publication == nil || h.publication.publisherID != h.index {
		f.fail("an audio packet is received with no publisher stream")
		return
	}
	tm, payload := mediaTime(data)
	h.publication.pushAudio(tm, payload)
	h.lostFragments = 0
}

func (h *streamFlowHandler) videoHandler(f *Flow, data []byte) {
	if h.publication == nil || h.publication.publisherID != h.index {
		f.fail("a video packet is received with no publisher stream")
		return
	}
	tm, payload := mediaTime(data)
	h.publication.pushVideo(tm, payload)
	h.lostFragments = 0
}

func (h *streamFlowHandler) rawHandler(f *Flow, typ byte, data []byte) {
	// the subscriber acknowledges writer bounds with a 0x22 block
	if len(data) >= 2 && binary.BigEndian.Uint16(data[:2]) == 0x22 {
		return
	}
	h.baseFlowHandler.rawHandler(f, typ, data)
}

func (h *streamFlowHandler) lostFragmentsHandler(f *Flow, count int) {
	h.lostFragments += count
	f.logger.Debug("fragments lost", zap.Int("count", count))
}

func (h *streamFlowHandler) commitHandler(*Flow) {
	if h.publication != nil && h.publication.publisherID == h.index {
		for _, l := range h.publication.listeners {
			l.flush()
		}
	}
}

func readArg(reader *amf.Reader) interface{} {
	if reader.Remaining() == 0 {
		return nil
	}
	v, err := reader.Read()
	if err != nil {
		return nil
	}
	return v
}

func parseIPPort(s string) *net.UDPAddr {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return nil
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return nil
	}
	ip := net.ParseIP(strings.Trim(s[:i], "[]"))
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}
