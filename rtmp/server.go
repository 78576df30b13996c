package rtmp

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/metrics"
)

// AppFactory builds the handler for a newly created application instance.
type AppFactory func(path string) App

// Server is the streaming server. It listens for incoming connections and
// hands each one to a Conn driven on its own goroutine.
type Server struct {
	Addr   string
	Logger *zap.Logger

	mu        sync.Mutex
	factories map[string]AppFactory
	instances map[string]*Application
	listener  net.Listener
}

// Listen starts the server and accepts connections until Close. If no Addr
// (host:port) has been assigned to the server, ":1935" is used.
func (s *Server) Listen() error {
	if s.Addr == "" {
		s.Addr = fmt.Sprintf(":%d", constants.DefaultPort)
	}

	tcpAddress, err := net.ResolveTCPAddr("tcp", s.Addr)
	if err != nil {
		return errors.Errorf("[server] error resolving tcp address: %s", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddress)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.Logger.Info(fmt.Sprint("[server] Listening on ", s.Addr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error(fmt.Sprint("[server] Error accepting incoming connection ", err))
			continue
		}
		s.Logger.Info(fmt.Sprint("[server] Accepted incoming connection from ", conn.RemoteAddr().String()))
		go s.ServeConn(conn)
	}
}

// ServeConn runs one accepted connection to completion. Listen calls it
// for every accept; embedders with their own listeners may too.
func (s *Server) ServeConn(netConn net.Conn) {
	defer netConn.Close()
	if tc, ok := netConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	conn := newConn(netConn, s, s.Logger)
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	err := conn.Serve()
	if err != nil && err != io.EOF {
		s.Logger.Error(fmt.Sprint("[server] Connection ", conn.id, " ended with an error: ", err))
	} else {
		s.Logger.Info(fmt.Sprint("[server] Connection ", conn.id, " ended."))
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// RegisterApp installs a handler factory for an application path. The path
// "*" is the fallback for paths without a dedicated factory.
func (s *Server) RegisterApp(path string, factory AppFactory) {
	s.mu.Lock()
	if s.factories == nil {
		s.factories = make(map[string]AppFactory)
	}
	s.factories[path] = factory
	s.mu.Unlock()
}

// application returns the shared instance for a path, creating it for the
// first connection.
func (s *Server) application(path string) *Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances == nil {
		s.instances = make(map[string]*Application)
	}
	if app, ok := s.instances[path]; ok {
		return app
	}
	factory := s.factories[path]
	if factory == nil {
		// the app part of "sip/alice@example.com" selects the factory
		if i := strings.IndexByte(path, '/'); i >= 0 {
			factory = s.factories[path[:i]]
		}
	}
	if factory == nil {
		factory = s.factories["*"]
	}
	var handler App = BaseApp{}
	if factory != nil {
		handler = factory(path)
	}
	app := newApplication(path, handler, s.Logger)
	s.instances[path] = app
	return app
}

func (s *Server) destroyApplication(app *Application) {
	s.mu.Lock()
	if s.instances[app.Path] == app {
		delete(s.instances, app.Path)
	}
	s.mu.Unlock()
	s.Logger.Info(fmt.Sprint("[server] Destroyed application instance ", app.Path))
}
