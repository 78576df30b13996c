package rtmp

// Message type ids.
const (
	TypeChunkSize     uint8 = 0x01
	TypeAbort         uint8 = 0x02
	TypeAck           uint8 = 0x03
	TypeUserControl   uint8 = 0x04
	TypeWindowAckSize uint8 = 0x05
	TypeSetBandwidth  uint8 = 0x06
	TypeAudio         uint8 = 0x08
	TypeVideo         uint8 = 0x09
	TypeData3         uint8 = 0x0F
	TypeSharedObj3    uint8 = 0x10
	TypeRPC3          uint8 = 0x11
	TypeData          uint8 = 0x12
	TypeSharedObj     uint8 = 0x13
	TypeRPC           uint8 = 0x14
)

// User control event codes the server understands.
const (
	EventStreamBegin     uint16 = 0
	EventStreamEOF       uint16 = 1
	EventSetBufferLength uint16 = 3
	EventPingRequest     uint16 = 6
	EventPingResponse    uint16 = 7
)

// Header carries the uncompressed view of a message header. Time is always
// the absolute timestamp; the chunk layer computes deltas.
type Header struct {
	Channel  uint32
	Time     uint32
	Size     uint32
	Type     uint8
	StreamID uint32
}

func (h Header) Dup() Header {
	return h
}

// Message is one complete protocol message, reassembled from chunks.
type Message struct {
	Header Header
	Data   []byte
}

func NewMessage(typ uint8, streamID, time uint32, data []byte) *Message {
	return &Message{
		Header: Header{Time: time, Size: uint32(len(data)), Type: typ, StreamID: streamID},
		Data:   data,
	}
}

func (m *Message) Size() uint32 {
	return uint32(len(m.Data))
}

// Dup returns a copy safe for concurrent delivery to another connection.
// The header must not be shared: each connection's chunk writer mutates
// header compression state keyed by stream id.
func (m *Message) Dup() *Message {
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &Message{Header: m.Header.Dup(), Data: data}
}

func (m *Message) IsMedia() bool {
	return m.Header.Type == TypeAudio || m.Header.Type == TypeVideo
}

func (m *Message) IsCommand() bool {
	return m.Header.Type == TypeRPC || m.Header.Type == TypeRPC3
}

func (m *Message) IsData() bool {
	return m.Header.Type == TypeData || m.Header.Type == TypeData3
}
