package rtmp

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/codingpa-ws/siprtmp/constants"
)

// Header forms, stored in the top two bits of the chunk basic header.
const (
	controlFull      uint8 = 0x00 // absolute time, size, type, stream id
	controlMessage   uint8 = 0x40 // delta time, size, type
	controlTime      uint8 = 0x80 // delta time
	controlSeparator uint8 = 0xC0 // continuation, no message header
	controlMask      uint8 = 0xC0
)

var ErrFraming = errors.New("rtmp: framing error")

// readState is the per-channel header compression state on the read side.
type readState struct {
	header      Header
	lastControl uint8
	lastDelta   uint32
	extended    bool
}

// ChunkReader assembles complete messages from the chunked byte stream and
// accounts received bytes against the read window.
type ChunkReader struct {
	socketr *bufio.Reader

	// previous header per chunk stream id, for header compression
	prev    map[uint32]*readState
	partial map[uint32][]byte

	chunkSize     uint32
	windowAckSize uint32
	bytesReceived uint32
	sinceLastAck  uint32

	// called when the read window fills; sends the protocol-channel ack
	onWindowAck func(sequence uint32) error
}

func NewChunkReader(reader *bufio.Reader) *ChunkReader {
	return &ChunkReader{
		socketr:       reader,
		prev:          make(map[uint32]*readState),
		partial:       make(map[uint32][]byte),
		chunkSize:     constants.DefaultChunkSize,
		windowAckSize: constants.DefaultWindowSize,
	}
}

func (cr *ChunkReader) SetChunkSize(size uint32) {
	cr.chunkSize = size
}

func (cr *ChunkReader) SetWindowAckSize(size uint32) {
	cr.windowAckSize = size
}

// ReadMessage reads chunks until one message is complete. It returns
// io.EOF unwrapped when the peer closes the transport cleanly.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (cr *ChunkReader) readChunk() (*Message, error) {
	b, err := cr.socketr.ReadByte()
	if err != nil {
		return nil, err
	}
	cr.account(1)
	control := b & controlMask
	channel := uint32(b & 0x3F)

	// channel ids 0 and 1 escape to the wider two- and three-byte forms
	if channel == 0 {
		id, err := cr.socketr.ReadByte()
		if err != nil {
			return nil, err
		}
		cr.account(1)
		channel = uint32(id) + 64
	} else if channel == 1 {
		var id [2]byte
		if _, err := io.ReadFull(cr.socketr, id[:]); err != nil {
			return nil, err
		}
		cr.account(2)
		channel = 64 + uint32(id[0]) + 256*uint32(id[1])
	}

	state, ok := cr.prev[channel]
	if !ok {
		if control != controlFull {
			return nil, errors.Wrapf(ErrFraming, "compressed header 0x%02x on unknown channel %d", control, channel)
		}
		state = &readState{}
		state.header.Channel = channel
		cr.prev[channel] = state
	}

	var timeField uint32
	if control != controlSeparator {
		t, err := cr.readUint24()
		if err != nil {
			return nil, err
		}
		timeField = t
	}
	if control == controlFull || control == controlMessage {
		size, err := cr.readUint24()
		if err != nil {
			return nil, err
		}
		if size > constants.MaxMessageSize {
			return nil, errors.Wrapf(ErrFraming, "message size %d exceeds limit", size)
		}
		typ, err := cr.socketr.ReadByte()
		if err != nil {
			return nil, err
		}
		cr.account(1)
		state.header.Size = size
		state.header.Type = typ
	}
	if control == controlFull {
		var sid [4]byte
		if _, err := io.ReadFull(cr.socketr, sid[:]); err != nil {
			return nil, err
		}
		cr.account(4)
		// stream id is the one little-endian field of the header
		state.header.StreamID = binary.LittleEndian.Uint32(sid[:])
	}

	if control != controlSeparator {
		state.extended = timeField == 0xFFFFFF
	}
	if state.extended {
		// the 4-byte extension is repeated on every chunk of the message
		var ext [4]byte
		if _, err := io.ReadFull(cr.socketr, ext[:]); err != nil {
			return nil, err
		}
		cr.account(4)
		timeField = binary.BigEndian.Uint32(ext[:])
	}

	// a FULL header resets the channel clock; MESSAGE and TIME accumulate
	// deltas; a SEPARATOR repeats the previous form's delta only when it
	// starts a new message
	startOfMessage := len(cr.partial[channel]) == 0
	switch control {
	case controlFull:
		state.header.Time = timeField
		state.lastControl = control
	case controlMessage, controlTime:
		if startOfMessage {
			state.header.Time += timeField
			state.lastDelta = timeField
		}
		state.lastControl = control
	case controlSeparator:
		if startOfMessage && (state.lastControl == controlMessage || state.lastControl == controlTime) {
			state.header.Time += state.lastDelta
		}
	}

	data := cr.partial[channel]
	count := state.header.Size - uint32(len(data))
	if count > cr.chunkSize {
		count = cr.chunkSize
	}
	if count > 0 {
		buf := make([]byte, count)
		if _, err := io.ReadFull(cr.socketr, buf); err != nil {
			return nil, err
		}
		cr.account(count)
		data = append(data, buf...)
	}

	if uint32(len(data)) < state.header.Size {
		cr.partial[channel] = data
		return nil, nil
	}
	delete(cr.partial, channel)
	return &Message{Header: state.header.Dup(), Data: data}, nil
}

func (cr *ChunkReader) readUint24() (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(cr.socketr, b[:]); err != nil {
		return 0, err
	}
	cr.account(3)
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (cr *ChunkReader) account(n uint32) {
	cr.bytesReceived += n
	cr.sinceLastAck += n
	if cr.sinceLastAck >= cr.windowAckSize && cr.onWindowAck != nil {
		seq := cr.bytesReceived
		cr.sinceLastAck = 0
		_ = cr.onWindowAck(seq)
	}
}

// writeState is the per-stream header compression state on the write side.
type writeState struct {
	channel uint32
	header  Header
	primed  bool
}

// ChunkWriter frames outgoing messages. A connection-wide lock serializes
// multi-chunk emission so a large video message's chunks are never
// interleaved with another message on the same socket.
type ChunkWriter struct {
	mu      sync.Mutex
	socketw *bufio.Writer

	prev        map[uint32]*writeState
	nextChannel uint32
	chunkSize   uint32
}

func NewChunkWriter(writer *bufio.Writer) *ChunkWriter {
	return &ChunkWriter{
		socketw:     writer,
		prev:        make(map[uint32]*writeState),
		nextChannel: constants.FirstContentChannel,
		chunkSize:   constants.DefaultChunkSize,
	}
}

// SetChunkSize changes the outbound chunk size. The caller must emit the
// chunk-size protocol message before any message framed at the new size.
func (cw *ChunkWriter) SetChunkSize(size uint32) {
	cw.mu.Lock()
	cw.chunkSize = size
	cw.mu.Unlock()
}

func (cw *ChunkWriter) WriteMessage(msg *Message) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	var state *writeState
	if msg.Header.Type < TypeAudio {
		// protocol and command traffic shares the protocol channel
		state = cw.state(constants.ProtocolChannel)
	} else {
		state = cw.state(cw.channelFor(msg.Header.StreamID))
	}

	// pick the smallest header form the per-channel state allows
	var control uint8
	h := &state.header
	switch {
	case !state.primed || h.StreamID != msg.Header.StreamID || h.Time == 0 || msg.Header.Time <= h.Time:
		control = controlFull
		h.StreamID, h.Type, h.Size, h.Time = msg.Header.StreamID, msg.Header.Type, msg.Size(), msg.Header.Time
		state.primed = true
	case h.Size != msg.Size() || h.Type != msg.Header.Type:
		control = controlMessage
	default:
		control = controlTime
	}
	delta := msg.Header.Time - h.Time
	h.Type, h.Size, h.Time = msg.Header.Type, msg.Size(), msg.Header.Time

	timeField := msg.Header.Time
	if control == controlMessage || control == controlTime {
		timeField = delta
	}

	data := msg.Data
	for first := true; first || len(data) > 0; first = false {
		if !first {
			control = controlSeparator
		}
		if err := cw.writeHeader(state.channel, control, timeField, h, timeField >= 0xFFFFFF); err != nil {
			return err
		}
		count := int(cw.chunkSize)
		if count > len(data) {
			count = len(data)
		}
		if _, err := cw.socketw.Write(data[:count]); err != nil {
			return err
		}
		data = data[count:]
	}
	return cw.socketw.Flush()
}

func (cw *ChunkWriter) writeHeader(channel uint32, control uint8, timeField uint32, h *Header, extended bool) error {
	var hdr []byte
	switch {
	case channel < 64:
		hdr = append(hdr, byte(channel)|control)
	case channel < 64+256:
		hdr = append(hdr, control, byte(channel-64))
	default:
		hdr = append(hdr, control|0x01, byte((channel-64)%256), byte((channel-64)/256))
	}
	field := timeField
	if extended {
		field = 0xFFFFFF
	}
	if control != controlSeparator {
		hdr = appendUint24(hdr, field)
		if control != controlTime {
			hdr = appendUint24(hdr, h.Size)
			hdr = append(hdr, h.Type)
			if control == controlFull {
				hdr = binary.LittleEndian.AppendUint32(hdr, h.StreamID)
			}
		}
	}
	if extended {
		hdr = binary.BigEndian.AppendUint32(hdr, timeField)
	}
	_, err := cw.socketw.Write(hdr)
	return err
}

func (cw *ChunkWriter) state(channel uint32) *writeState {
	s, ok := cw.prev[channel]
	if !ok {
		s = &writeState{channel: channel}
		cw.prev[channel] = s
	}
	return s
}

func (cw *ChunkWriter) channelFor(streamID uint32) uint32 {
	for _, s := range cw.prev {
		if s.primed && s.header.StreamID == streamID && s.channel != constants.ProtocolChannel {
			return s.channel
		}
	}
	ch := cw.nextChannel
	cw.nextChannel++
	return ch
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}
