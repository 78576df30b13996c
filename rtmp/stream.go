package rtmp

// Stream is one logical media stream inside a connection, created by
// createStream and given a role by publish or play.
type Stream struct {
	ID   uint32
	Name string
	// Mode is live, record or append when publishing; empty when playing.
	Mode string

	conn       *Conn
	publishing bool
	playing    bool
}

func (s *Stream) Conn() *Conn {
	return s.conn
}

func (s *Stream) Publishing() bool {
	return s.publishing
}

func (s *Stream) Playing() bool {
	return s.playing
}

// Send delivers a message to this stream's connection with the stream's id.
func (s *Stream) Send(msg *Message) error {
	msg.Header.StreamID = s.ID
	return s.conn.WriteMessage(msg)
}
