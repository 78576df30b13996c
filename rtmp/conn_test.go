package rtmp

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
)

// testClient drives the client side of a net.Pipe against a served Conn.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *ChunkReader
	writer *ChunkWriter
}

func startConn(t *testing.T, server *Server) (*testClient, *Conn, chan error) {
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })

	c := newConn(serverSide, server, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- c.Serve() }()

	return &testClient{
		t:      t,
		conn:   clientSide,
		reader: NewChunkReader(bufio.NewReader(clientSide)),
		writer: NewChunkWriter(bufio.NewWriter(clientSide)),
	}, c, done
}

func newTestServer() *Server {
	return &Server{Logger: zap.NewNop()}
}

func (tc *testClient) handshake() {
	block := make([]byte, constants.HandshakeSize)
	_, err := tc.conn.Write(append([]byte{0x03}, block...))
	require.NoError(tc.t, err)

	s0s1s2 := make([]byte, 1+2*constants.HandshakeSize)
	_, err = io.ReadFull(tc.conn, s0s1s2)
	require.NoError(tc.t, err)
	require.Equal(tc.t, byte(0x03), s0s1s2[0])
	require.Equal(tc.t, block, s0s1s2[1:1+constants.HandshakeSize], "S1 must echo C1")

	_, err = tc.conn.Write(block)
	require.NoError(tc.t, err)
}

func (tc *testClient) command(streamID uint32, name string, id float64, body interface{}, args ...interface{}) {
	cmd := &Command{Type: TypeRPC, Name: name, ID: id, Body: body, Args: args}
	msg, err := cmd.ToMessage(streamID, 0)
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.writer.WriteMessage(msg))
}

// next reads messages until one passes the filter, with a read deadline.
func (tc *testClient) next(filter func(*Message) bool) *Message {
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msg, err := tc.reader.ReadMessage()
		require.NoError(tc.t, err)
		if msg.Header.Type == TypeChunkSize {
			tc.reader.SetChunkSize(binary.BigEndian.Uint32(msg.Data))
		}
		if filter(msg) {
			return msg
		}
	}
}

func (tc *testClient) connect(app string) {
	tc.command(0, "connect", 1, amf.NewObject().Set("app", app).Set("objectEncoding", float64(0)))

	// E1: window-acknowledge-size first, then the success result
	winAck := tc.next(func(m *Message) bool { return m.Header.Type == TypeWindowAckSize })
	require.Equal(tc.t, uint32(constants.DefaultWindowSize), binary.BigEndian.Uint32(winAck.Data))

	result := tc.next(func(m *Message) bool { return m.IsCommand() })
	cmd, err := CommandFromMessage(result)
	require.NoError(tc.t, err)
	require.Equal(tc.t, "_result", cmd.Name)
	info := cmd.Args[0].(*amf.Object)
	code, _ := info.GetString("code")
	require.Equal(tc.t, "NetConnection.Connect.Success", code)
}

func (tc *testClient) createStream() uint32 {
	tc.command(0, "createStream", 2, nil)
	result := tc.next(func(m *Message) bool { return m.IsCommand() })
	cmd, err := CommandFromMessage(result)
	require.NoError(tc.t, err)
	require.Equal(tc.t, "_result", cmd.Name)
	return uint32(cmd.Args[0].(float64))
}

func TestHandshakeAndConnect(t *testing.T) {
	tc, _, _ := startConn(t, newTestServer())
	tc.handshake()
	tc.connect("live")
}

func TestConnectRejectsUnknownObjectEncoding(t *testing.T) {
	tc, _, _ := startConn(t, newTestServer())
	tc.handshake()
	tc.command(0, "connect", 1, amf.NewObject().Set("app", "live").Set("objectEncoding", float64(6)))

	tc.next(func(m *Message) bool { return m.Header.Type == TypeWindowAckSize })
	result := tc.next(func(m *Message) bool { return m.IsCommand() })
	cmd, err := CommandFromMessage(result)
	require.NoError(t, err)
	assert.Equal(t, "_error", cmd.Name)
}

func TestCrossDomainPolicyShortcut(t *testing.T) {
	tc, _, done := startConn(t, newTestServer())
	_, err := tc.conn.Write([]byte("<policy-file-request/>\x00"))
	require.NoError(t, err)

	require.NoError(t, tc.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	response := make([]byte, len(policyFileResponse))
	_, err = io.ReadFull(tc.conn, response)
	require.NoError(t, err)
	assert.Contains(t, string(response), "cross-domain-policy")

	require.NoError(t, <-done, "connection must close cleanly after the policy response")
	// socket must be observed closed
	one := make([]byte, 1)
	_, err = tc.conn.Read(one)
	assert.Error(t, err)
}

func TestPublishPlayFanout(t *testing.T) {
	server := newTestServer()

	publisher, _, _ := startConn(t, server)
	publisher.handshake()
	publisher.connect("live")
	pubStream := publisher.createStream()
	publisher.command(pubStream, "publish", 3, nil, "s1", "live")
	status := publisher.next(func(m *Message) bool { return m.IsCommand() })
	cmd, err := CommandFromMessage(status)
	require.NoError(t, err)
	require.Equal(t, "onStatus", cmd.Name)
	info := cmd.Args[0].(*amf.Object)
	code, _ := info.GetString("code")
	require.Equal(t, "NetStream.Publish.Start", code)

	players := make([]*testClient, 2)
	for i := range players {
		p, _, _ := startConn(t, server)
		p.handshake()
		p.connect("live")
		sid := p.createStream()
		p.command(sid, "play", 4, nil, "s1")

		begin := p.next(func(m *Message) bool { return m.Header.Type == TypeUserControl })
		require.Equal(t, EventStreamBegin, binary.BigEndian.Uint16(begin.Data))

		st := p.next(func(m *Message) bool { return m.IsCommand() })
		c, err := CommandFromMessage(st)
		require.NoError(t, err)
		code, _ := c.Args[0].(*amf.Object).GetString("code")
		require.Equal(t, "NetStream.Play.Start", code)
		players[i] = p
	}

	audio := NewMessage(TypeAudio, pubStream, 40, payload(200))
	require.NoError(t, publisher.writer.WriteMessage(audio))

	for _, p := range players {
		got := p.next(func(m *Message) bool { return m.Header.Type == TypeAudio })
		assert.Equal(t, uint32(40), got.Header.Time)
		assert.Equal(t, audio.Data, got.Data)
	}
}

func TestSecondPublisherSameNameRejected(t *testing.T) {
	server := newTestServer()

	first, _, _ := startConn(t, server)
	first.handshake()
	first.connect("live")
	s1 := first.createStream()
	first.command(s1, "publish", 3, nil, "s1", "live")
	first.next(func(m *Message) bool { return m.IsCommand() })

	second, _, _ := startConn(t, server)
	second.handshake()
	second.connect("live")
	s2 := second.createStream()
	second.command(s2, "publish", 3, nil, "s1", "live")
	st := second.next(func(m *Message) bool { return m.IsCommand() })
	cmd, err := CommandFromMessage(st)
	require.NoError(t, err)
	code, _ := cmd.Args[0].(*amf.Object).GetString("code")
	assert.Equal(t, "NetStream.Publish.BadName", code)
}

func TestSetBufferLengthEchoesStreamBegin(t *testing.T) {
	tc, _, _ := startConn(t, newTestServer())
	tc.handshake()
	tc.connect("live")

	data := binary.BigEndian.AppendUint16(nil, EventSetBufferLength)
	data = binary.BigEndian.AppendUint32(data, 5)
	data = binary.BigEndian.AppendUint32(data, 1000)
	require.NoError(t, tc.writer.WriteMessage(NewMessage(TypeUserControl, 0, 0, data)))

	begin := tc.next(func(m *Message) bool { return m.Header.Type == TypeUserControl })
	assert.Equal(t, EventStreamBegin, binary.BigEndian.Uint16(begin.Data))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(begin.Data[2:6]))
}
