package rtmfp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/amf"
	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/metrics"
)

// Handler receives the application-level callbacks of the rendezvous
// server. Every method is optional through the Base type.
type Handler interface {
	// OnConnect returns false to reject the session's connect command.
	OnConnect(peer *Peer, writer *FlowWriter) bool
	OnDisconnect(peer *Peer)
	OnFailed(peer *Peer, reason string)
	// OnMessage handles application commands; false sends a Call.Failed.
	OnMessage(peer *Peer, name string, reader *amf.Reader, writer *FlowWriter) bool
}

// Base is the no-op Handler.
type Base struct{}

func (Base) OnConnect(*Peer, *FlowWriter) bool { return true }
func (Base) OnDisconnect(*Peer)                {}
func (Base) OnFailed(*Peer, string)            {}
func (Base) OnMessage(*Peer, string, *amf.Reader, *FlowWriter) bool { return false }

// packetSession is anything the demultiplexer can hand a datagram to.
type packetSession interface {
	handlePacket(data []byte, sender *net.UDPAddr)
	manage(now time.Time)
	isDied() bool
	close()
}

// Server is the rendezvous server: one UDP socket, the handshake engine
// and the session table keyed by local session id.
type Server struct {
	Logger *zap.Logger
	Addr   string

	// Middle enables man-in-middle rendezvous mode.
	Middle bool
	// Keepalive intervals advertised to peers, seconds.
	KeepAliveServer uint32
	KeepAlivePeer   uint32
	// FreqManage is the management sweep interval.
	FreqManage time.Duration
	// HelloRate and HelloBurst bound cookie minting per second.
	HelloRate  float64
	HelloBurst int

	Handler Handler

	conn      *net.UDPConn
	handshake *Handshake
	sessions  map[uint32]packetSession
	nextID    uint32
	streams   *Streams
	groups    []*Group

	lastManage time.Time
	sendFn     func(data []byte, remote *net.UDPAddr) error
	closed     bool
}

func (s *Server) init() {
	if s.KeepAliveServer == 0 {
		s.KeepAliveServer = 15
	}
	if s.KeepAlivePeer == 0 {
		s.KeepAlivePeer = 10
	}
	if s.FreqManage == 0 {
		s.FreqManage = constants.ManageInterval * time.Second
	}
	if s.HelloRate == 0 {
		s.HelloRate = 1000
	}
	if s.HelloBurst == 0 {
		s.HelloBurst = 2000
	}
	if s.Handler == nil {
		s.Handler = Base{}
	}
	if s.sessions == nil {
		s.sessions = make(map[uint32]packetSession)
	}
	if s.streams == nil {
		s.streams = newStreams()
	}
	if s.handshake == nil {
		s.handshake = newHandshake(s)
	}
}

// Listen binds the UDP socket and serves datagrams until Close. The whole
// engine runs on this one goroutine; the sweep happens between reads.
func (s *Server) Listen() error {
	s.init()
	if s.Addr == "" {
		s.Addr = fmt.Sprintf(":%d", constants.DefaultPort)
	}
	addr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return errors.Errorf("[rendezvous] error resolving udp address: %s", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.Logger.Info(fmt.Sprint("[rendezvous] Listening udp on ", s.Addr))

	buf := make([]byte, constants.PacketRecvSize)
	for {
		s.manage()
		_ = conn.SetReadDeadline(time.Now().Add(s.FreqManage))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.HandlePacket(data, remote)
	}
}

func (s *Server) Close() error {
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// HandlePacket demultiplexes one datagram by its unscrambled session id.
func (s *Server) HandlePacket(data []byte, remote *net.UDPAddr) {
	s.init()
	if len(data) < 12 {
		s.Logger.Debug("invalid packet size", zap.Int("size", len(data)))
		return
	}
	id, err := UnscrambleID(data)
	if err != nil {
		return
	}
	if id == 0 {
		s.handshake.handlePacket(data, remote)
		return
	}
	session, ok := s.sessions[id]
	if !ok {
		s.Logger.Debug("session not found", zap.Uint32("session", id))
		return
	}
	if base, ok := session.(interface{ baseSession() *Session }); ok {
		if b := base.baseSession(); !b.checked {
			s.handshake.commitCookie(b)
		}
	}
	session.handlePacket(data, remote)
}

func (s *Server) baseSessionOf(ps packetSession) *Session {
	if b, ok := ps.(interface{ baseSession() *Session }); ok {
		return b.baseSession()
	}
	return nil
}

// manage runs the two-second sweep over cookies and sessions.
func (s *Server) manage() {
	now := time.Now()
	if now.Sub(s.lastManage) < s.FreqManage {
		return
	}
	s.lastManage = now
	s.handshake.manage(now)
	for id, session := range s.sessions {
		session.manage(now)
		if session.isDied() {
			s.Logger.Info("session died", zap.Uint32("session", id))
			session.close()
			delete(s.sessions, id)
		}
	}
	metrics.Sessions.Set(float64(len(s.sessions)))
	if lag := time.Since(now); lag > 20*time.Millisecond {
		s.Logger.Warn("management cycle lasted more than 20ms", zap.Duration("took", lag))
	}
}

func (s *Server) send(data []byte, remote *net.UDPAddr) error {
	if s.sendFn != nil {
		return s.sendFn(data, remote)
	}
	if s.conn == nil {
		return errors.New("rtmfp: server socket not open")
	}
	_, err := s.conn.WriteToUDP(data, remote)
	return err
}

func (s *Server) cryptoDrop(err error) {
	metrics.CryptoDrops.Inc()
	s.Logger.Debug("packet dropped", zap.Error(err))
}

// createSession keys a new session after a valid initiator keying. It
// returns -1 when a middle session defers the handshake response.
func (s *Server) createSession(farID uint32, peer *Peer, dKey, eKey []byte, cookie *Cookie) int64 {
	s.nextID++
	for s.nextID == 0 || s.sessions[s.nextID] != nil {
		s.nextID++
	}

	var target *Target
	if s.Middle {
		if cookie.target == nil {
			cookie.target = newTargetFromCookie(peer.Address, cookie)
			cookie.target.PeerID = peer.ID
			peer.ID = cookie.target.ID
			s.Logger.Info("middle identity mapping",
				zap.String("peer", hex.EncodeToString(cookie.target.PeerID)),
				zap.String("middle", hex.EncodeToString(cookie.target.ID)))
		} else {
			target = cookie.target
		}
	}

	if target != nil {
		middle, err := newMiddle(s, s.nextID, farID, peer.dup(), dKey, eKey, target, cookie)
		if err != nil {
			s.Logger.Error("middle session failed to start", zap.Error(err))
			return -1
		}
		s.sessions[middle.ID] = middle
		cookie.id = middle.ID
		return -1
	}

	session, err := newSession(s, s.nextID, farID, peer.dup(), dKey, eKey)
	if err != nil {
		s.Logger.Error("session keying failed", zap.Error(err))
		return -1
	}
	session.target = cookie.target
	s.sessions[session.ID] = session
	return int64(session.ID)
}

// handshakeP2P answers a peer-type hello: if the wanted peer is connected,
// forward the hello to it and return its addresses to the asker. Unknown
// peers are dropped silently so the topology stays hidden.
func (s *Server) handshakeP2P(tag []byte, address *net.UDPAddr, peerIDWanted []byte) (byte, []byte) {
	var asker, wanted *Session
	for _, ps := range s.sessions {
		base := s.baseSessionOf(ps)
		if base == nil {
			continue
		}
		if base.peer.Address != nil && base.peer.Address.String() == address.String() {
			asker = base
		}
		if bytes.Equal(base.peer.ID, peerIDWanted) {
			wanted = base
		}
	}
	if wanted == nil || wanted.failed {
		s.Logger.Debug("hole punching: session wanted not found")
		return 0, nil
	}

	if s.Middle && wanted.target != nil {
		cookie := newTargetCookie(wanted.target)
		response := s.handshake.mintCookie(cookie)
		response = append(response, 0x81, 0x02, 0x1D, 0x02)
		response = append(response, wanted.target.Kp...)
		return 0x70, response
	}

	wanted.handshakeP2P(address, tag, asker)
	response := appendAddress(nil, wanted.peer.Address, true)
	for _, addr := range wanted.peer.privateAddress {
		if addr.String() == address.String() {
			continue
		}
		response = appendAddress(response, addr, false)
	}
	return 0x71, response
}

// group finds or creates the rendezvous group with the given id, dropping
// empty groups on the way.
func (s *Server) group(id []byte) *Group {
	kept := s.groups[:0]
	var found *Group
	for _, g := range s.groups {
		if bytes.Equal(g.ID, id) {
			found = g
		}
		if len(g.peers) > 0 || g == found {
			kept = append(kept, g)
		}
	}
	s.groups = kept
	if found == nil {
		found = &Group{ID: append([]byte(nil), id...)}
		s.groups = append(s.groups, found)
	}
	return found
}

func (s *Server) onConnect(peer *Peer, writer *FlowWriter) bool {
	return s.Handler.OnConnect(peer, writer)
}

func (s *Server) onDisconnect(peer *Peer) {
	s.Handler.OnDisconnect(peer)
}

func (s *Server) onFailed(peer *Peer, reason string) {
	s.Handler.OnFailed(peer, reason)
}

func (s *Server) onMessage(peer *Peer, name string, reader *amf.Reader, writer *FlowWriter) bool {
	return s.Handler.OnMessage(peer, name, reader, writer)
}
