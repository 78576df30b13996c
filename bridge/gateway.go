package bridge

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
	"github.com/codingpa-ws/siprtmp/sip"
)

// Gateway is the bridge application: every streaming connection on its
// path gets a Context mapping it to one signaling user agent.
type Gateway struct {
	rtmp.BaseApp

	Logger *zap.Logger
	// Factory builds the signaling user agents; the concrete stack is an
	// external collaborator linked in by the embedding process.
	Factory sip.Factory
	// NewTransport overrides the default RTP socket pair (tests).
	NewTransport func() (MediaTransport, error)
	// AudioCodec is the optional VBR transcode module.
	AudioCodec AudioCodec

	IntIP string
	ExtIP string

	InviteTimeout time.Duration
	RTPPortBase   int
	RTPPortMax    int
	RTPRetries    int

	mu       sync.Mutex
	contexts map[*rtmp.Conn]*Context
}

func (g *Gateway) inviteTimeout() time.Duration {
	if g.InviteTimeout == 0 {
		return 10 * time.Second
	}
	return g.InviteTimeout
}

func (g *Gateway) advertisedIP() string {
	if g.ExtIP != "" {
		return g.ExtIP
	}
	return g.IntIP
}

func (g *Gateway) newMediaContext(rate string, codecs ...string) (*MediaContext, error) {
	transport, err := g.openTransport()
	if err != nil {
		return nil, err
	}
	return NewMediaContext(g.Logger, transport, g.AudioCodec, rate, codecs...), nil
}

func (g *Gateway) openTransport() (MediaTransport, error) {
	if g.NewTransport != nil {
		return g.NewTransport()
	}
	base, max, retries := g.RTPPortBase, g.RTPPortMax, g.RTPRetries
	if base == 0 {
		base = 20000
	}
	if max == 0 {
		max = 30000
	}
	if retries == 0 {
		retries = 10
	}
	return rtp.OpenPair(g.Logger, g.IntIP, base, max, retries)
}

func (g *Gateway) context(c *rtmp.Conn) *Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contexts[c]
}

func (g *Gateway) OnConnect(c *rtmp.Conn, args ...interface{}) error {
	if g.Factory == nil {
		return errors.New("signaling stack unavailable")
	}
	ctx := newContext(g, c)
	g.mu.Lock()
	if g.contexts == nil {
		g.contexts = make(map[*rtmp.Conn]*Context)
	}
	g.contexts[c] = ctx
	g.mu.Unlock()

	// the connect arguments double as register arguments
	go ctx.register(args...)
	return rtmp.ErrConnectDeferred
}

func (g *Gateway) OnDisconnect(c *rtmp.Conn) {
	g.mu.Lock()
	ctx := g.contexts[c]
	delete(g.contexts, c)
	g.mu.Unlock()
	if ctx != nil {
		ctx.unregister()
	}
}

func (g *Gateway) OnCommand(c *rtmp.Conn, cmd *rtmp.Command) (interface{}, error) {
	ctx := g.context(c)
	if ctx == nil {
		return nil, errors.New("no user agent for connection")
	}
	args := cmd.Args
	switch cmd.Name {
	case "register":
		go ctx.register(args...)
	case "unregister":
		go ctx.unregister()
	case "invite":
		dest, ok := stringArg(args, 0)
		if !ok {
			return nil, errors.New("invite needs a destination")
		}
		go ctx.invite(dest, stringArgs(args[1:])...)
	case "accept":
		go ctx.accept(stringArgs(args)...)
	case "reject":
		reason, _ := stringArg(args, 0)
		go ctx.reject(reason)
	case "bye":
		go ctx.bye()
	case "hold":
		value := true
		if len(args) > 0 {
			if b, ok := args[0].(bool); ok {
				value = b
			}
		}
		go ctx.hold(value)
	case "sendDTMF":
		digit, ok := stringArg(args, 0)
		if !ok {
			return nil, errors.New("sendDTMF needs a digit")
		}
		go ctx.sendDTMF(digit)
	default:
		return nil, errors.Errorf("unknown command %q", cmd.Name)
	}
	return nil, nil
}

func (g *Gateway) OnPublish(c *rtmp.Conn, s *rtmp.Stream) error {
	if ctx := g.context(c); ctx != nil {
		ctx.mu.Lock()
		ctx.publishStream = s
		ctx.mu.Unlock()
	}
	return nil
}

func (g *Gateway) OnClose(c *rtmp.Conn, s *rtmp.Stream) {
	if ctx := g.context(c); ctx != nil {
		ctx.mu.Lock()
		if ctx.publishStream == s {
			ctx.publishStream = nil
		}
		ctx.mu.Unlock()
	}
}

func (g *Gateway) OnPlay(c *rtmp.Conn, s *rtmp.Stream) {
	if ctx := g.context(c); ctx != nil {
		ctx.mu.Lock()
		ctx.playStream = s
		ctx.mu.Unlock()
	}
}

func (g *Gateway) OnStop(c *rtmp.Conn, s *rtmp.Stream) {
	if ctx := g.context(c); ctx != nil {
		ctx.mu.Lock()
		if ctx.playStream == s {
			ctx.playStream = nil
		}
		ctx.mu.Unlock()
	}
}

func (g *Gateway) OnPublishData(c *rtmp.Conn, s *rtmp.Stream, msg *rtmp.Message) bool {
	if ctx := g.context(c); ctx != nil {
		ctx.rtmpData(s, msg)
	}
	return true
}

func stringArgs(args []interface{}) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
