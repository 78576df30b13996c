package rtmp

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/rand"
)

type connState int

const (
	stateIdle connState = iota
	stateHandshaking
	stateActive
	stateClosed
)

// Conn is one streaming connection: it owns the chunk reader and writer,
// the logical streams and the link to the shared application instance.
type Conn struct {
	logger  *zap.Logger
	id      string
	netConn net.Conn
	server  *Server

	reader *ChunkReader
	writer *ChunkWriter

	state connState
	start time.Time

	// connect command data
	Path           string
	Agent          amf.Metadata
	objectEncoding float64

	app *Application

	mu           sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32
	nextCallID   float64

	closeOnce sync.Once
}

func newConn(netConn net.Conn, server *Server, logger *zap.Logger) *Conn {
	id := rand.GenerateUuid()
	c := &Conn{
		logger:       logger.With(zap.String("conn", id[:8])),
		id:           id,
		netConn:      netConn,
		server:       server,
		start:        time.Now(),
		streams:      make(map[uint32]*Stream),
		nextStreamID: 1,
		nextCallID:   2,
	}
	r := bufio.NewReaderSize(netConn, constants.BuffioSize)
	w := bufio.NewWriterSize(netConn, constants.BuffioSize)
	c.reader = NewChunkReader(r)
	c.writer = NewChunkWriter(w)
	c.reader.onWindowAck = c.writeAck
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) App() *Application {
	return c.app
}

// RelativeTime is the connection's wall clock in milliseconds, used by the
// bridge to stamp inbound media.
func (c *Conn) RelativeTime() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

// Serve runs the handshake and the read loop until the transport closes.
func (c *Conn) Serve() error {
	c.state = stateHandshaking
	if err := ServerHandshake(c.reader.socketr, c.writer.socketw); err != nil {
		if errors.Is(err, ErrPolicyRequest) {
			c.logger.Debug("answered cross-domain policy probe")
			c.Close()
			return nil
		}
		return err
	}
	c.state = stateActive
	defer c.teardown()

	for c.state == stateActive {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state = stateClosed
		_ = c.netConn.Close()
	})
}

func (c *Conn) teardown() {
	c.Close()
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint32]*Stream)
	c.mu.Unlock()

	for _, s := range streams {
		c.retireStream(s)
	}
	if c.app != nil {
		c.app.Handler.OnDisconnect(c)
		if c.app.leave(c) {
			c.server.destroyApplication(c.app)
		}
		c.app = nil
	}
}

func (c *Conn) retireStream(s *Stream) {
	if s.publishing {
		c.app.unpublish(s.Name, s)
		c.app.Handler.OnClose(c, s)
	}
	if s.playing {
		c.app.unsubscribe(s.Name, s)
		c.app.Handler.OnStop(c, s)
	}
	s.publishing, s.playing = false, false
}

func (c *Conn) dispatch(msg *Message) error {
	switch msg.Header.Type {
	case TypeChunkSize:
		if len(msg.Data) < 4 {
			return errors.Wrap(ErrFraming, "short chunk-size message")
		}
		c.reader.SetChunkSize(binary.BigEndian.Uint32(msg.Data))
	case TypeAbort, TypeAck, TypeSetBandwidth:
		// nothing to do on the server side
	case TypeWindowAckSize:
		if len(msg.Data) < 4 {
			return errors.Wrap(ErrFraming, "short window-ack-size message")
		}
		c.reader.SetWindowAckSize(binary.BigEndian.Uint32(msg.Data))
	case TypeUserControl:
		return c.handleUserControl(msg)
	case TypeRPC, TypeRPC3:
		cmd, err := CommandFromMessage(msg)
		if err != nil {
			return err
		}
		return c.handleCommand(msg.Header.StreamID, cmd)
	case TypeData, TypeData3:
		// metadata travels with the publishing stream like media does
		fallthrough
	case TypeAudio, TypeVideo:
		return c.handleStreamData(msg)
	default:
		c.logger.Debug("ignoring message", zap.Uint8("type", msg.Header.Type))
	}
	return nil
}

func (c *Conn) handleUserControl(msg *Message) error {
	if len(msg.Data) < 2 {
		return errors.Wrap(ErrFraming, "short user-control message")
	}
	code := binary.BigEndian.Uint16(msg.Data)
	switch code {
	case EventSetBufferLength:
		if len(msg.Data) < 6 {
			return errors.Wrap(ErrFraming, "short set-buffer-length event")
		}
		streamID := binary.BigEndian.Uint32(msg.Data[2:6])
		return c.writeStreamBegin(streamID)
	case EventPingRequest:
		return c.writeUserControl(EventPingResponse, msg.Data[2:])
	}
	return nil
}

func (c *Conn) handleStreamData(msg *Message) error {
	c.mu.Lock()
	s := c.streams[msg.Header.StreamID]
	c.mu.Unlock()
	if s == nil || !s.publishing {
		return nil
	}
	if c.app.Handler.OnPublishData(c, s, msg) {
		c.app.broadcast(s.Name, msg)
	}
	return nil
}

func (c *Conn) handleCommand(streamID uint32, cmd *Command) error {
	c.logger.Debug("command", zap.String("name", cmd.Name), zap.Float64("id", cmd.ID))
	switch cmd.Name {
	case "connect":
		return c.handleConnect(cmd)
	case "createStream":
		return c.handleCreateStream(cmd)
	case "closeStream":
		return c.handleCloseStream(streamID)
	case "deleteStream":
		if len(cmd.Args) > 0 {
			if id, ok := cmd.Args[0].(float64); ok {
				return c.handleCloseStream(uint32(id))
			}
		}
		return nil
	case "publish":
		return c.handlePublish(streamID, cmd)
	case "play":
		return c.handlePlay(streamID, cmd)
	default:
		return c.handleAppCommand(cmd)
	}
}

func (c *Conn) handleConnect(cmd *Command) error {
	params, err := ConnectParamsFrom(cmd.Body)
	if err != nil {
		return c.Reject("malformed connect command")
	}
	c.objectEncoding = params.ObjectEncoding
	c.Path = params.App
	if obj, ok := cmd.Body.(*amf.Object); ok {
		c.Agent = amf.Metadata(obj.Map())
	}

	app := c.server.application(c.Path)
	c.app = app
	app.join(c)

	if err := c.writeWindowAckSize(constants.DefaultWindowSize); err != nil {
		return err
	}
	if params.ObjectEncoding != 0 && params.ObjectEncoding != 3 {
		return c.Reject("unsupported object encoding")
	}
	switch err := app.Handler.OnConnect(c, cmd.Args...); {
	case err == nil:
		return c.Accept()
	case errors.Is(err, ErrConnectDeferred):
		// the application answers with Accept or Reject on its own
		return nil
	default:
		return c.Reject(err.Error())
	}
}

// Accept finishes connect with the success status. The gateway defers this
// until registration has succeeded, so it is exported.
func (c *Conn) Accept() error {
	info := statusObject("status", "NetConnection.Connect.Success", "Connection succeeded.").
		Set("objectEncoding", c.objectEncoding)
	return c.writeCommand(0, &Command{
		Type: c.rpcType(),
		Name: "_result",
		ID:   1,
		Args: []interface{}{info},
	})
}

// Reject answers connect with an error status and closes the connection.
func (c *Conn) Reject(reason string) error {
	info := statusObject("error", "NetConnection.Connect.Rejected", reason)
	err := c.writeCommand(0, &Command{
		Type: c.rpcType(),
		Name: "_error",
		ID:   1,
		Args: []interface{}{info},
	})
	c.state = stateClosed
	return err
}

// Call invokes a callback method on the connected client.
func (c *Conn) Call(method string, args ...interface{}) error {
	c.mu.Lock()
	id := c.nextCallID
	c.nextCallID++
	c.mu.Unlock()
	return c.writeCommand(0, &Command{Type: c.rpcType(), Name: method, ID: id, Args: args})
}

func (c *Conn) handleCreateStream(cmd *Command) error {
	c.mu.Lock()
	id := c.nextStreamID
	c.nextStreamID++
	s := &Stream{ID: id, conn: c}
	c.streams[id] = s
	c.mu.Unlock()

	return c.writeCommand(0, &Command{
		Type: c.rpcType(),
		Name: "_result",
		ID:   cmd.ID,
		Args: []interface{}{float64(id)},
	})
}

func (c *Conn) handleCloseStream(streamID uint32) error {
	c.mu.Lock()
	s := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	if s != nil {
		c.retireStream(s)
	}
	return nil
}

func (c *Conn) handlePublish(streamID uint32, cmd *Command) error {
	c.mu.Lock()
	s := c.streams[streamID]
	c.mu.Unlock()
	if s == nil {
		return errors.Wrapf(ErrFraming, "publish on unknown stream %d", streamID)
	}
	name, _ := argString(cmd.Args, 0)
	mode, ok := argString(cmd.Args, 1)
	if !ok {
		mode = "live"
	}
	s.Name, s.Mode = name, mode

	if err := c.app.publish(name, s); err != nil {
		return c.writeStatus(streamID, "error", "NetStream.Publish.BadName",
			"\""+name+"\" is already publishing")
	}
	s.publishing = true
	if err := c.app.Handler.OnPublish(c, s); err != nil {
		s.publishing = false
		c.app.unpublish(name, s)
		return c.writeStatus(streamID, "error", "NetStream.Publish.BadName", err.Error())
	}
	return c.writeStatus(streamID, "status", "NetStream.Publish.Start",
		"\""+name+"\" is now published")
}

func (c *Conn) handlePlay(streamID uint32, cmd *Command) error {
	c.mu.Lock()
	s := c.streams[streamID]
	c.mu.Unlock()
	if s == nil {
		return errors.Wrapf(ErrFraming, "play on unknown stream %d", streamID)
	}
	name, _ := argString(cmd.Args, 0)
	s.Name = name

	// media needs larger chunks than the 128-byte default
	if err := c.writeChunkSize(constants.PlayChunkSize); err != nil {
		return err
	}
	if err := c.writeStreamBegin(streamID); err != nil {
		return err
	}
	if err := c.writeStatus(streamID, "status", "NetStream.Play.Start",
		"Started playing \""+name+"\""); err != nil {
		return err
	}
	s.playing = true
	c.app.subscribe(name, s)
	c.app.Handler.OnPlay(c, s)
	return nil
}

func (c *Conn) handleAppCommand(cmd *Command) error {
	result, err := c.app.Handler.OnCommand(c, cmd)
	if err != nil {
		return c.writeCommand(0, &Command{Type: c.rpcType(), Name: "_error", ID: cmd.ID})
	}
	if result != nil {
		return c.writeCommand(0, &Command{
			Type: c.rpcType(), Name: "_result", ID: cmd.ID, Args: []interface{}{result},
		})
	}
	return nil
}

// WriteMessage frames and sends one message, serialized per connection.
func (c *Conn) WriteMessage(msg *Message) error {
	if c.state == stateClosed {
		return errors.New("rtmp: connection closed")
	}
	return c.writer.WriteMessage(msg)
}

func (c *Conn) writeCommand(streamID uint32, cmd *Command) error {
	msg, err := cmd.ToMessage(streamID, 0)
	if err != nil {
		return err
	}
	return c.WriteMessage(msg)
}

func (c *Conn) writeStatus(streamID uint32, level, code, description string) error {
	return c.writeCommand(streamID, &Command{
		Type: c.rpcType(),
		Name: "onStatus",
		ID:   0,
		Args: []interface{}{statusObject(level, code, description)},
	})
}

func (c *Conn) writeChunkSize(size uint32) error {
	data := binary.BigEndian.AppendUint32(nil, size)
	if err := c.WriteMessage(NewMessage(TypeChunkSize, 0, 0, data)); err != nil {
		return err
	}
	c.writer.SetChunkSize(size)
	return nil
}

func (c *Conn) writeWindowAckSize(size uint32) error {
	data := binary.BigEndian.AppendUint32(nil, size)
	return c.WriteMessage(NewMessage(TypeWindowAckSize, 0, 0, data))
}

func (c *Conn) writeAck(sequence uint32) error {
	data := binary.BigEndian.AppendUint32(nil, sequence)
	return c.WriteMessage(NewMessage(TypeAck, 0, 0, data))
}

func (c *Conn) writeUserControl(code uint16, payload []byte) error {
	data := binary.BigEndian.AppendUint16(nil, code)
	data = append(data, payload...)
	return c.WriteMessage(NewMessage(TypeUserControl, 0, 0, data))
}

func (c *Conn) writeStreamBegin(streamID uint32) error {
	return c.writeUserControl(EventStreamBegin, binary.BigEndian.AppendUint32(nil, streamID))
}

func (c *Conn) rpcType() uint8 {
	if c.objectEncoding == 3 {
		return TypeRPC3
	}
	return TypeRPC
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
