package rtmfp

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
)

// Fragment flags shared by flows and flow writers.
const (
	flagHeader         byte = 0x80
	flagWithBeforepart byte = 0x20
	flagWithAfterpart  byte = 0x10
	flagAbandonment    byte = 0x02
	flagEnd            byte = 0x01
)

// Payload type selectors inside a committed flow payload.
const (
	payloadAudio          byte = 0x08
	payloadVideo          byte = 0x09
	payloadAMFWithHandler byte = 0x14
	payloadAMF            byte = 0x0F
	payloadRaw            byte = 0x04
)

var ErrRetransmitExhausted = errors.New("rtmfp: retransmit trigger exhausted")

// trigger schedules retransmissions with geometric back-off: the first
// cycle fires immediately on the next sweep, each later cycle waits twice
// as many sweeps, and the eighth would-be cycle is fatal.
type trigger struct {
	running bool
	started time.Time
	cycle   uint
	ticks   uint
}

func (t *trigger) start() {
	if !t.running {
		t.reset()
		t.running = true
	}
}

func (t *trigger) reset() {
	t.started = time.Now()
	t.cycle = 0
	t.ticks = 0
}

func (t *trigger) stop() {
	t.running = false
}

// dispatch is called once per management sweep. It reports whether a
// retransmission is due, or ErrRetransmitExhausted past the seventh cycle.
func (t *trigger) dispatch() (bool, error) {
	if !t.running {
		return false, nil
	}
	if t.ticks+1 < 1<<t.cycle {
		t.ticks++
		return false, nil
	}
	t.ticks = 0
	t.cycle++
	if t.cycle > constants.MaxRetransmitCycle {
		return false, ErrRetransmitExhausted
	}
	return true, nil
}

// fragmentRecord remembers one emitted fragment of a message for repeats
// and acknowledgement accounting.
type fragmentRecord struct {
	stage  uint32
	offset int
	size   int
	flags  byte
}

type writerMessage struct {
	repeatable bool
	data       []byte
	fragmented bool
	fragments  []fragmentRecord
	startStage uint32
}

// writerSession is what a FlowWriter needs from its owning session.
type writerSession interface {
	writeMessage(typ byte, data []byte, fw *FlowWriter)
	flushWithoutEcho()
	packetAvailable() int
	canWriteFollowing(fw *FlowWriter) bool
	initFlowWriter(fw *FlowWriter)
	failSession(reason string)
}

// FlowWriter is the send half of an ordered reliable substream. Stages are
// emitted strictly increasing, retransmits included.
type FlowWriter struct {
	ID     uint32
	FlowID uint32

	signature []byte
	session   writerSession

	stage          uint32
	closed         bool
	critical       bool
	callbackHandle float64

	trigger      trigger
	messages     []*writerMessage
	lostMessages int
	resetCount   uint32

	// onAck sees each fully acknowledged message's content
	onAck func(content []byte, lostMessages int)
	// onReset is invoked when the receiver rejected the flow
	onReset func(count uint32)
}

func newFlowWriter(signature []byte, session writerSession) *FlowWriter {
	fw := &FlowWriter{signature: append([]byte(nil), signature...), session: session}
	session.initFlowWriter(fw)
	return fw
}

func (fw *FlowWriter) consumed() bool {
	return fw.closed && len(fw.messages) == 0
}

func (fw *FlowWriter) close() {
	if fw.closed {
		return
	}
	if fw.stage > 0 && len(fw.messages) == 0 {
		// let the receiver learn about the end even with nothing queued
		fw.newMessage(true, nil)
	}
	fw.closed = true
	fw.flush()
}

func (fw *FlowWriter) newMessage(repeatable bool, data []byte) *writerMessage {
	msg := &writerMessage{repeatable: repeatable, data: data}
	fw.messages = append(fw.messages, msg)
	return msg
}

// WriteAMFMessage queues a command carrying the current callback handle.
func (fw *FlowWriter) WriteAMFMessage(name string, args ...interface{}) error {
	if fw.closed || len(fw.signature) == 0 {
		return nil
	}
	w := amf.NewWriter()
	if err := w.Write(name); err != nil {
		return err
	}
	if err := w.Write(fw.callbackHandle); err != nil {
		return err
	}
	if err := w.Write(nil); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.Write(arg); err != nil {
			return err
		}
	}
	body := make([]byte, 5, 5+len(w.Bytes()))
	body[0] = payloadAMFWithHandler
	body = append(body, w.Bytes()...)
	fw.newMessage(true, body)
	fw.flush()
	return nil
}

// WriteStatus is the onStatus convenience used all over command handling.
func (fw *FlowWriter) WriteStatus(code, description string) error {
	return fw.WriteAMFMessage("onStatus", amf.NewObject().
		Set("level", "status").
		Set("code", code).
		Set("description", description))
}

func (fw *FlowWriter) WriteErrorStatus(code, description string) error {
	return fw.WriteAMFMessage("onStatus", amf.NewObject().
		Set("level", "error").
		Set("code", code).
		Set("description", description))
}

// WriteRawMessage queues a raw chunk, prefixing the raw payload marker
// unless the caller already framed it.
func (fw *FlowWriter) WriteRawMessage(data []byte, withoutHeader bool) {
	if fw.closed || len(fw.signature) == 0 {
		return
	}
	var body []byte
	if !withoutHeader {
		body = make([]byte, 5, 5+len(data))
		body[0] = payloadRaw
	}
	body = append(body, data...)
	fw.newMessage(true, body)
	fw.flush()
}

// WriteMedia queues one audio or video packet; unbuffered packets are
// never retransmitted.
func (fw *FlowWriter) WriteMedia(typ byte, tm uint32, data []byte, unbuffered bool) {
	if fw.closed || len(fw.signature) == 0 {
		return
	}
	body := make([]byte, 5, 5+len(data))
	body[0] = typ
	binary.BigEndian.PutUint32(body[1:5], tm)
	body = append(body, data...)
	fw.newMessage(!unbuffered, body)
	fw.flush()
}

// headerBytes builds the stage header block: flow id, stage, delta-to-nack
// varints, plus the signature block on the very first stage.
func (fw *FlowWriter) headerBytes(stage, deltaNack uint32) []byte {
	b := AppendLength7(nil, fw.ID)
	b = AppendLength7(b, stage+1)
	b = AppendLength7(b, deltaNack+1)
	if stage-deltaNack == 0 {
		b = appendString(b, fw.signature, sizeLength8)
		if fw.FlowID > 0 {
			b = append(b, byte(1+SizeLength7(fw.FlowID)), 0x0a)
			b = AppendLength7(b, fw.FlowID)
		}
		b = append(b, 0x00)
	}
	return b
}

// flush fragments every queued message into session packets.
func (fw *FlowWriter) flush() {
	var deltaNack uint32
	for _, msg := range fw.messages {
		if msg.fragmented {
			deltaNack += uint32(len(msg.fragments))
			continue
		}
		fw.trigger.start()
		msg.startStage = fw.stage
		offset := 0
		for {
			head := !fw.session.canWriteFollowing(fw)
			var hbytes []byte
			if head {
				hbytes = fw.headerBytes(fw.stage, deltaNack)
			}
			available := fw.session.packetAvailable() - 1 - len(hbytes)
			if available < 1 {
				fw.session.flushWithoutEcho()
				hbytes = fw.headerBytes(fw.stage, deltaNack)
				available = fw.session.packetAvailable() - 1 - len(hbytes)
				head = true
			}

			flags := byte(0)
			if fw.stage == 0 {
				flags |= flagHeader
			}
			if fw.closed {
				flags |= flagEnd | flagAbandonment
			}
			if offset > 0 {
				flags |= flagWithBeforepart
			}
			size := len(msg.data) - offset
			if size > available {
				flags |= flagWithAfterpart
				size = available
			}

			data := make([]byte, 0, 1+len(hbytes)+size)
			data = append(data, flags)
			data = append(data, hbytes...)
			data = append(data, msg.data[offset:offset+size]...)

			typ := byte(0x11)
			if head {
				typ = 0x10
			}
			fw.session.writeMessage(typ, data, fw)
			msg.fragments = append(msg.fragments, fragmentRecord{
				stage: fw.stage, offset: offset, size: size, flags: flags,
			})
			fw.stage++
			offset += size
			if offset >= len(msg.data) {
				break
			}
		}
		msg.fragmented = true
		deltaNack += uint32(len(msg.fragments))
	}
}

// acknowledgment handles a cumulative 0x51 up to and including stage.
func (fw *FlowWriter) acknowledgment(stage uint32) {
	if stage > fw.stage {
		return
	}
	remaining := fw.messages[:0]
	for _, msg := range fw.messages {
		if !msg.fragmented {
			remaining = append(remaining, msg)
			continue
		}
		pending := msg.fragments[:0]
		for _, frag := range msg.fragments {
			if frag.stage+1 > stage {
				pending = append(pending, frag)
			}
		}
		msg.fragments = pending
		if len(pending) == 0 {
			if fw.onAck != nil {
				fw.onAck(msg.data, fw.lostMessages)
			}
			fw.lostMessages = 0
			continue
		}
		remaining = append(remaining, msg)
	}
	fw.messages = remaining

	if len(fw.messages) > 0 && len(fw.messages[0].fragments) > 0 {
		fw.trigger.reset()
	} else {
		fw.trigger.stop()
	}
}

// manage runs the retransmission trigger; past the seventh cycle it fails
// the owning session.
func (fw *FlowWriter) manage() error {
	due, err := fw.trigger.dispatch()
	if err != nil {
		fw.clearMessages()
		return err
	}
	if due {
		fw.raiseMessage()
	}
	return nil
}

// raiseMessage repeats every unacknowledged fragment in stage order.
func (fw *FlowWriter) raiseMessage() {
	fw.session.flushWithoutEcho()
	var deltaNack uint32
	for i := 0; i < len(fw.messages); i++ {
		msg := fw.messages[i]
		if !msg.fragmented {
			continue
		}
		if !msg.repeatable {
			// unbuffered media is counted lost rather than repeated
			fw.lostMessages += len(msg.fragments)
			fw.messages = append(fw.messages[:i], fw.messages[i+1:]...)
			i--
			continue
		}
		for _, frag := range msg.fragments {
			head := !fw.session.canWriteFollowing(fw)
			var hbytes []byte
			if head {
				hbytes = fw.headerBytes(frag.stage, deltaNack)
			}
			if fw.session.packetAvailable() < 1+len(hbytes)+frag.size {
				fw.session.flushWithoutEcho()
				hbytes = fw.headerBytes(frag.stage, deltaNack)
				head = true
			}
			data := make([]byte, 0, 1+len(hbytes)+frag.size)
			data = append(data, frag.flags)
			data = append(data, hbytes...)
			data = append(data, msg.data[frag.offset:frag.offset+frag.size]...)
			typ := byte(0x11)
			if head {
				typ = 0x10
			}
			fw.session.writeMessage(typ, data, fw)
		}
		deltaNack += uint32(len(msg.fragments))
	}
	if len(fw.messages) == 0 {
		fw.trigger.stop()
	}
}

func (fw *FlowWriter) clearMessages() {
	fw.lostMessages += len(fw.messages)
	fw.messages = nil
	fw.trigger.stop()
}

// fail runs the reset cycle after a receiver rejected the flow: clear,
// re-register and resume from stage zero.
func (fw *FlowWriter) fail(reason string) {
	fw.clearMessages()
	fw.session.initFlowWriter(fw)
	fw.stage = 0
	fw.resetCount++
	if fw.onReset != nil {
		fw.onReset(fw.resetCount)
	}
}
