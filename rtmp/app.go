package rtmp

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/metrics"
)

// App receives lifecycle callbacks for one application path. The gateway
// application implements this to bridge connections to the signaling side.
type App interface {
	// OnConnect may reject the connection by returning an error; the
	// error text becomes the reject reason sent to the client.
	OnConnect(c *Conn, args ...interface{}) error
	OnDisconnect(c *Conn)
	// OnCommand handles any command the engine itself does not. A non-nil
	// result is sent back as a single-argument result message.
	OnCommand(c *Conn, cmd *Command) (interface{}, error)
	OnPublish(c *Conn, s *Stream) error
	OnClose(c *Conn, s *Stream)
	OnPlay(c *Conn, s *Stream)
	OnStop(c *Conn, s *Stream)
	// OnPublishData sees every media message on a publishing stream.
	// Returning false suppresses the fan-out to players.
	OnPublishData(c *Conn, s *Stream, msg *Message) bool
}

// BaseApp accepts everything and does nothing. Embed it to override only
// the callbacks an application cares about.
type BaseApp struct{}

func (BaseApp) OnConnect(*Conn, ...interface{}) error              { return nil }
func (BaseApp) OnDisconnect(*Conn)                                 {}
func (BaseApp) OnCommand(*Conn, *Command) (interface{}, error)     { return nil, nil }
func (BaseApp) OnPublish(*Conn, *Stream) error                     { return nil }
func (BaseApp) OnClose(*Conn, *Stream)                             {}
func (BaseApp) OnPlay(*Conn, *Stream)                              {}
func (BaseApp) OnStop(*Conn, *Stream)                              {}
func (BaseApp) OnPublishData(*Conn, *Stream, *Message) bool        { return true }

var ErrBadName = errors.New("rtmp: stream name already published")

// ErrConnectDeferred is returned from OnConnect by applications that need
// to finish asynchronous work (such as a signaling registration) before
// answering; they call Conn.Accept or Conn.Reject themselves.
var ErrConnectDeferred = errors.New("rtmp: connect deferred")

// Application is the shared per-path instance. The first connection on a
// path creates it, the last one destroys it. A name has at most one
// publisher; a stream appears in at most one of the two maps.
type Application struct {
	Path    string
	Handler App

	logger     *zap.Logger
	mu         sync.Mutex
	publishers map[string]*Stream
	players    map[string]map[*Stream]bool
	members    []*Conn
}

func newApplication(path string, handler App, logger *zap.Logger) *Application {
	return &Application{
		Path:       path,
		Handler:    handler,
		logger:     logger.With(zap.String("app", path)),
		publishers: make(map[string]*Stream),
		players:    make(map[string]map[*Stream]bool),
	}
}

func (a *Application) join(c *Conn) {
	a.mu.Lock()
	a.members = append(a.members, c)
	a.mu.Unlock()
}

// leave removes the connection and reports whether the instance is empty.
func (a *Application) leave(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.members {
		if m == c {
			a.members = append(a.members[:i], a.members[i+1:]...)
			break
		}
	}
	return len(a.members) == 0
}

func (a *Application) publish(name string, s *Stream) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, ok := a.publishers[name]; ok && owner != s {
		return errors.Wrapf(ErrBadName, "%q", name)
	}
	a.publishers[name] = s
	return nil
}

func (a *Application) unpublish(name string, s *Stream) {
	a.mu.Lock()
	if a.publishers[name] == s {
		delete(a.publishers, name)
	}
	a.mu.Unlock()
}

func (a *Application) subscribe(name string, s *Stream) {
	a.mu.Lock()
	set, ok := a.players[name]
	if !ok {
		set = make(map[*Stream]bool)
		a.players[name] = set
	}
	set[s] = true
	a.mu.Unlock()
}

func (a *Application) unsubscribe(name string, s *Stream) {
	a.mu.Lock()
	if set, ok := a.players[name]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(a.players, name)
		}
	}
	a.mu.Unlock()
}

// broadcast fans a media message out to every player of the name. Each
// player gets its own copy: the chunk writers mutate header state.
func (a *Application) broadcast(name string, msg *Message) {
	a.mu.Lock()
	targets := make([]*Stream, 0, len(a.players[name]))
	for s := range a.players[name] {
		targets = append(targets, s)
	}
	a.mu.Unlock()

	metrics.FanoutMessages.Add(float64(len(targets)))
	for _, s := range targets {
		if err := s.Send(msg.Dup()); err != nil {
			a.logger.Debug("fan-out send failed",
				zap.String("name", name), zap.Uint32("stream", s.ID), zap.Error(err))
		}
	}
}
