package rtmfp

import (
	"bytes"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
)

// Flow class signatures.
var (
	signatureConnection = []byte{0x00, 0x54, 0x43, 0x04, 0x00}
	signatureGroup      = []byte{0x00, 0x47, 0x43}
	signatureStream     = []byte{0x00, 0x54, 0x43, 0x04}
)

// flowHandler receives the committed payloads of one flow class.
type flowHandler interface {
	messageHandler(flow *Flow, name string, reader *amf.Reader)
	rawHandler(flow *Flow, typ byte, data []byte)
	audioHandler(flow *Flow, data []byte)
	videoHandler(flow *Flow, data []byte)
	lostFragmentsHandler(flow *Flow, count int)
	commitHandler(flow *Flow)
	closeHandler(flow *Flow)
}

// baseFlowHandler logs and drops everything; concrete classes embed it.
type baseFlowHandler struct{}

func (baseFlowHandler) messageHandler(f *Flow, name string, _ *amf.Reader) {
	f.logger.Debug("unhandled flow message", zap.String("name", name))
}
func (baseFlowHandler) rawHandler(f *Flow, typ byte, _ []byte) {
	f.logger.Debug("unhandled raw flow message", zap.Uint8("type", typ))
}
func (baseFlowHandler) audioHandler(f *Flow, _ []byte) {
	f.logger.Debug("audio packet untreated", zap.Uint32("flow", f.ID))
}
func (baseFlowHandler) videoHandler(f *Flow, _ []byte) {
	f.logger.Debug("video packet untreated", zap.Uint32("flow", f.ID))
}
func (baseFlowHandler) lostFragmentsHandler(f *Flow, count int) {
	f.logger.Debug("fragments lost", zap.Uint32("flow", f.ID), zap.Int("count", count))
}
func (baseFlowHandler) commitHandler(*Flow) {}
func (baseFlowHandler) closeHandler(*Flow)  {}

type flowFragment struct {
	data  []byte
	flags byte
}

// Flow is the receive half of an ordered reliable substream: it commits
// fragments in stage order, buffers out-of-order stages and reassembles
// split payloads.
type Flow struct {
	ID        uint32
	signature []byte

	session *Session
	writer  *FlowWriter
	handler flowHandler
	logger  *zap.Logger

	stage     uint32
	completed bool
	errorStr  string

	packet    []byte // before-part reassembly buffer
	hasPacket bool
	fragments map[uint32]*flowFragment
}

func newFlow(id uint32, signature []byte, session *Session, handler flowHandler) *Flow {
	f := &Flow{
		ID:        id,
		signature: append([]byte(nil), signature...),
		session:   session,
		handler:   handler,
		logger:    session.logger.With(zap.Uint32("flow", id)),
		fragments: make(map[uint32]*flowFragment),
	}
	f.writer = newFlowWriter(signature, session)
	if f.writer.FlowID == 0 {
		f.writer.FlowID = id
	}
	return f
}

// Writer is the response writer bound to this flow.
func (f *Flow) Writer() *FlowWriter {
	return f.writer
}

func (f *Flow) close() {
	f.completed = true
	f.fragments = make(map[uint32]*flowFragment)
	f.packet, f.hasPacket = nil, false
	f.handler.closeHandler(f)
	f.writer.close()
}

// fail tells the sender the receiver rejected the flow.
func (f *Flow) fail(reason string) {
	f.logger.Debug("flow failed", zap.String("reason", reason))
	if !f.completed {
		data := AppendLength7(nil, f.ID)
		data = append(data, 0x00)
		f.session.writeMessage(0x5e, data, nil)
	}
}

// commit acknowledges the current stage back to the sender.
func (f *Flow) commit() {
	ready := byte(0x00)
	if len(f.writer.signature) > 0 {
		ready = 0x7f
	}
	data := AppendLength7(nil, f.ID)
	data = append(data, ready)
	data = AppendLength7(data, f.stage)
	f.session.writeMessage(0x51, data, nil)
	f.handler.commitHandler(f)
	f.writer.flush()
}

// fragmentHandler takes one received fragment with its wire stage.
func (f *Flow) fragmentHandler(stage, deltaNack uint32, fragment []byte, flags byte) {
	if f.completed {
		return
	}
	nextStage := f.stage + 1
	if stage < nextStage {
		// repeat of an already committed stage
		return
	}
	if deltaNack > stage || deltaNack == 0 {
		deltaNack = stage
	}

	if flags&flagAbandonment != 0 || f.stage < stage-deltaNack {
		// the sender abandoned everything up to this stage: deliver what
		// is buffered below it and jump forward
		for index := nextStage; index < stage; index++ {
			if frag, ok := f.fragments[index]; ok {
				f.fragmentSortedHandler(index, frag.data, frag.flags)
				delete(f.fragments, index)
			}
		}
		nextStage = stage
	}

	if stage > nextStage {
		if _, ok := f.fragments[stage]; !ok {
			if len(f.fragments) >= constants.MaxBufferedStages {
				f.logger.Warn("fragment buffer overflow",
					zap.Int("buffered", len(f.fragments)), zap.Uint32("stage", stage))
				return
			}
			f.fragments[stage] = &flowFragment{data: append([]byte(nil), fragment...), flags: flags}
		}
		return
	}

	f.fragmentSortedHandler(nextStage, fragment, flags)
	nextStage++
	for {
		frag, ok := f.fragments[nextStage]
		if !ok {
			break
		}
		delete(f.fragments, nextStage)
		f.fragmentSortedHandler(nextStage, frag.data, frag.flags)
		nextStage++
	}
}

func (f *Flow) fragmentSortedHandler(stage uint32, fragment []byte, flags byte) {
	if stage <= f.stage {
		return
	}
	if stage > f.stage+1 {
		f.handler.lostFragmentsHandler(f, int(stage-f.stage-1))
		f.stage = stage
		f.packet, f.hasPacket = nil, false
		if flags&flagWithBeforepart != 0 {
			// the head of this payload is gone; drop the tail too
			return
		}
	} else {
		f.stage = stage
	}

	msg := fragment
	switch {
	case flags&flagWithBeforepart != 0:
		if !f.hasPacket {
			f.logger.Debug("before-part fragment without buffered head, packets lost")
			return
		}
		f.packet = append(f.packet, fragment...)
		if flags&flagWithAfterpart != 0 {
			return
		}
		msg = f.packet
		f.packet, f.hasPacket = nil, false
	case flags&flagWithAfterpart != 0:
		f.packet = append([]byte(nil), fragment...)
		f.hasPacket = true
		return
	}

	f.deliver(msg)
	if flags&flagEnd != 0 {
		f.completed = true
	}
}

// deliver unpacks one complete payload and dispatches it by its selector.
func (f *Flow) deliver(msg []byte) {
	if len(msg) == 0 {
		return
	}
	typ := msg[0]
	switch typ {
	case 0x11:
		if len(msg) < 6 {
			return
		}
		f.dispatchAMF(msg[6:], true)
	case payloadAMFWithHandler:
		if len(msg) < 5 {
			return
		}
		f.dispatchAMF(msg[5:], true)
	case payloadAMF:
		if len(msg) < 6 {
			return
		}
		f.dispatchAMF(msg[6:], false)
	case payloadAudio:
		f.handler.audioHandler(f, msg[1:])
	case payloadVideo:
		f.handler.videoHandler(f, msg[1:])
	case payloadRaw:
		if len(msg) < 5 {
			return
		}
		f.handler.rawHandler(f, typ, msg[5:])
	default:
		f.handler.rawHandler(f, typ, msg[1:])
	}
}

func (f *Flow) dispatchAMF(data []byte, withHandler bool) {
	reader := amf.NewReader(data)
	name, err := reader.Read()
	if err != nil {
		f.errorStr = "malformed command payload"
		return
	}
	nameStr, ok := name.(string)
	if !ok {
		f.errorStr = "command name is not a string"
		return
	}
	f.writer.callbackHandle = 0
	if withHandler {
		if handle, err := reader.Read(); err == nil {
			f.writer.callbackHandle, _ = handle.(float64)
		}
	}
	f.handler.messageHandler(f, nameStr, reader)
}

// mediaTime splits the 4-byte timestamp off a media payload.
func mediaTime(data []byte) (uint32, []byte) {
	if len(data) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:]
}

func isStreamSignature(signature []byte) bool {
	return len(signature) > len(signatureStream) && bytes.HasPrefix(signature, signatureStream)
}
