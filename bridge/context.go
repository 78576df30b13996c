package bridge

import (
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/rtp"
	"github.com/codingpa-ws/siprtmp/sip"
)

// Context binds one streaming connection to one signaling registration
// and at most one active call.
type Context struct {
	logger *zap.Logger
	conn   *rtmp.Conn
	gw     *Gateway

	mu       sync.Mutex
	ua       sip.UserAgent
	session  sip.Session
	outgoing sip.Outgoing
	incoming sip.Incoming
	media    *MediaContext

	publishStream *rtmp.Stream
	playStream    *rtmp.Stream

	preferredRate string
	closed        bool
	stopRefresh   chan struct{}

	// inviting reserves the single call slot before the outgoing handle
	// exists; cancelInvite records a bye that raced the reservation.
	inviting     bool
	cancelInvite bool
}

func newContext(gw *Gateway, conn *rtmp.Conn) *Context {
	return &Context{
		logger:        gw.Logger.With(zap.String("conn", conn.ID()[:8])),
		conn:          conn,
		gw:            gw,
		preferredRate: "wideband",
	}
}

// aor is the address-of-record taken from the connection path, e.g.
// "sip/alice@example.com" -> "alice@example.com".
func (ctx *Context) aor() string {
	_, rest, found := cutString(ctx.conn.Path, "/")
	if !found {
		return ctx.conn.Path
	}
	return rest
}

func cutString(s, sep string) (string, string, bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// register binds the signaling address derived from the connection path
// and answers the pending connect.
func (ctx *Context) register(args ...interface{}) {
	login, _ := stringArg(args, 0)
	passwd, _ := stringArg(args, 1)
	display, _ := stringArg(args, 2)
	if rate, ok := stringArg(args, 3); ok && rate != "" {
		ctx.preferredRate = rate
	}
	ctx.logger.Debug("register", zap.String("aor", ctx.aor()), zap.String("login", login))

	addr, err := sip.ParseAddress(ctx.aor())
	if err != nil {
		_ = ctx.conn.Reject("Malformed address of record")
		return
	}
	addr.Display = display

	ua, err := ctx.gw.Factory(ctx.gw.IntIP, 0)
	if err != nil {
		_ = ctx.conn.Reject("Cannot bind socket port")
		return
	}
	ctx.mu.Lock()
	ctx.ua = ua
	ctx.mu.Unlock()

	if login != "" {
		addr.User = login
	}
	expiry, err := ua.Bind(addr, passwd, passwd != "")
	if err != nil {
		_ = ctx.conn.Reject(err.Error())
		return
	}
	if passwd != "" {
		ctx.stopRefresh = make(chan struct{})
		go ctx.refreshLoop(addr, passwd, expiry)
		go ctx.incomingLoop(ua)
	}
	_ = ctx.conn.Accept()
}

// refreshLoop re-binds ahead of the registrar's expiry.
func (ctx *Context) refreshLoop(addr sip.Address, passwd string, expiry time.Duration) {
	if expiry <= 0 {
		expiry = 3600 * time.Second
	}
	for {
		select {
		case <-ctx.stopRefresh:
			return
		case <-time.After(expiry * 8 / 10):
		}
		ctx.mu.Lock()
		ua := ctx.ua
		ctx.mu.Unlock()
		if ua == nil {
			return
		}
		next, err := ua.Bind(addr, passwd, true)
		if err != nil {
			ctx.logger.Warn("binding refresh failed", zap.Error(err))
			continue
		}
		if next > 0 {
			expiry = next
		}
	}
}

// incomingLoop surfaces incoming invitations to the streaming client.
func (ctx *Context) incomingLoop(ua sip.UserAgent) {
	for ev := range ua.Events() {
		switch ev.Kind {
		case sip.EventInvite:
			ctx.mu.Lock()
			ctx.incoming = ev.Incoming
			ctx.mu.Unlock()
			_ = ctx.conn.Call("invited", ev.From.String(), ev.To.String())
		case sip.EventCancel:
			ctx.mu.Lock()
			ctx.incoming = nil
			ctx.mu.Unlock()
			_ = ctx.conn.Call("cancelled", ev.From.String(), ev.To.String())
		}
	}
}

func (ctx *Context) invite(dest string, codecs ...string) {
	ctx.mu.Lock()
	ua := ctx.ua
	if ua == nil {
		ctx.mu.Unlock()
		_ = ctx.conn.Call("rejected", "Registration required before making a call")
		return
	}
	if ctx.session != nil || ctx.outgoing != nil || ctx.inviting {
		ctx.mu.Unlock()
		_ = ctx.conn.Call("rejected", "Already in an active or pending call")
		return
	}
	ctx.inviting, ctx.cancelInvite = true, false
	ctx.mu.Unlock()

	done := func() {
		ctx.mu.Lock()
		ctx.inviting = false
		ctx.mu.Unlock()
	}

	destAddr, err := sip.ParseAddress(dest)
	if err != nil {
		done()
		_ = ctx.conn.Call("rejected", "Malformed destination")
		return
	}

	media, err := ctx.gw.newMediaContext(ctx.preferredRate, codecs...)
	if err != nil {
		done()
		_ = ctx.conn.Call("rejected", "Cannot allocate media sockets")
		return
	}
	offer := media.OfferSDP(ctx.gw.advertisedIP())
	if offer == nil {
		done()
		media.Close()
		_ = ctx.conn.Call("rejected", "488 Incompatible SDP")
		return
	}

	out := ua.Connect(destAddr, offer, true)
	ctx.mu.Lock()
	ctx.outgoing = out
	ctx.inviting = false
	cancelled := ctx.cancelInvite
	ctx.cancelInvite = false
	ctx.mu.Unlock()
	if cancelled {
		// a bye arrived while the invitation was being prepared
		out.Cancel()
		ctx.clearOutgoing(out)
		media.Close()
		return
	}

	timeout := ctx.gw.inviteTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case result, ok := <-out.Results():
			if !ok {
				ctx.clearOutgoing(out)
				media.Close()
				return
			}
			if result.Provisional != "" {
				_ = ctx.conn.Call("ringing", result.Provisional)
				timer.Reset(timeout)
				continue
			}
			ctx.clearOutgoing(out)
			if result.Session == nil {
				media.Close()
				_ = ctx.conn.Call("rejected", result.Reason)
				return
			}
			ctx.startCall(result.Session, media, result.AnswerSDP)
			return
		case <-timer.C:
			out.Cancel()
			ctx.clearOutgoing(out)
			media.Close()
			_ = ctx.conn.Call("rejected", "request timeout")
			return
		}
	}
}

func (ctx *Context) clearOutgoing(out sip.Outgoing) {
	ctx.mu.Lock()
	if ctx.outgoing == out {
		ctx.outgoing = nil
	}
	ctx.mu.Unlock()
}

// startCall wires the media bridge and reports the accepted codecs.
func (ctx *Context) startCall(session sip.Session, media *MediaContext, answer *sip.SDP) {
	media.SetRemote(answer)
	media.OnRequestFIR(ctx.requestFIR)
	ctx.mu.Lock()
	ctx.session = session
	ctx.media = media
	ctx.mu.Unlock()
	if media.transport != nil {
		media.transport.OnReceive(ctx.received)
	}

	audio, video := media.Accepting()
	ctx.logger.Debug("accepted", zap.Any("audio", audio), zap.Any("video", video))
	if audio == nil && video == nil && len(media.codecs) == 0 {
		_ = ctx.conn.Call("accepted")
	} else {
		_ = ctx.conn.Call("accepted", audio, video)
	}
	go ctx.sessionLoop(session)
}

func (ctx *Context) sessionLoop(session sip.Session) {
	for ev := range session.Events() {
		switch ev.Kind {
		case sip.SessionClosed:
			_ = ctx.conn.Call("byed")
			ctx.cleanup()
			return
		case sip.SessionChanged:
			hold := ev.SDP != nil && ev.SDP.OnHold()
			_ = ctx.conn.Call("holded", hold)
		}
	}
}

func (ctx *Context) accept(codecs ...string) {
	ctx.mu.Lock()
	ua, incoming := ctx.ua, ctx.incoming
	ctx.incoming = nil
	ctx.mu.Unlock()
	if ua == nil || incoming == nil {
		ctx.logger.Debug("no incoming call to accept")
		return
	}

	media, err := ctx.gw.newMediaContext(ctx.preferredRate, codecs...)
	reason := ""
	if err != nil {
		reason = "500 Cannot allocate media sockets"
	} else if answer := media.AnswerFor(incoming.Offer()); answer == nil {
		reason = "488 Incompatible SDP"
	} else {
		answer.Conn = ctx.gw.advertisedIP()
		session, failReason, err := ua.Accept(incoming, answer)
		switch {
		case err != nil:
			reason = "500 Internal Server Error in Accepting"
		case session == nil:
			reason = failReason
			if reason == "" {
				reason = "500 Internal Server Error in Accepting"
			}
		default:
			ctx.startCall(session, media, session.RemoteSDP())
			return
		}
	}
	if media != nil {
		media.Close()
	}
	_ = ua.Reject(incoming, reason)
	_ = ctx.conn.Call("byed")
}

func (ctx *Context) reject(reason string) {
	if reason == "" {
		reason = "603 Decline"
	}
	ctx.mu.Lock()
	ua, incoming := ctx.ua, ctx.incoming
	ctx.incoming = nil
	ctx.mu.Unlock()
	if ua == nil || incoming == nil {
		ctx.logger.Debug("no incoming call to reject")
		return
	}
	_ = ua.Reject(incoming, reason)
}

func (ctx *Context) bye() {
	ctx.mu.Lock()
	session, outgoing := ctx.session, ctx.outgoing
	ctx.outgoing = nil
	if session == nil && outgoing == nil && ctx.inviting {
		// the invite is still being prepared; have it cancel itself
		ctx.cancelInvite = true
		ctx.mu.Unlock()
		return
	}
	ctx.mu.Unlock()
	if session == nil && outgoing != nil {
		// an invite in flight is cancelable
		outgoing.Cancel()
		return
	}
	if session != nil {
		ctx.cleanup()
	}
}

func (ctx *Context) hold(value bool) {
	ctx.mu.Lock()
	session := ctx.session
	ctx.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Hold(value); err != nil {
		ctx.logger.Warn("hold failed", zap.Error(err))
	}
}

func (ctx *Context) sendDTMF(digit string) {
	ctx.mu.Lock()
	media, session := ctx.media, ctx.session
	ctx.mu.Unlock()
	if media == nil || session == nil {
		return
	}
	for _, pkt := range media.DTMFToRTP(digit) {
		if media.transport != nil {
			_ = media.transport.Send(pkt.payload, pkt.ts, pkt.marker, pkt.fmt)
		}
	}
}

// rtmpData carries one published media message over to the transport.
func (ctx *Context) rtmpData(_ *rtmp.Stream, msg *rtmp.Message) {
	ctx.mu.Lock()
	media, session := ctx.media, ctx.session
	ctx.mu.Unlock()
	if media == nil || session == nil || media.transport == nil {
		return
	}
	for _, pkt := range media.RTMPToRTP(msg) {
		_ = media.transport.Send(pkt.payload, pkt.ts, pkt.marker, pkt.fmt)
	}
}

// received is the transport's receive callback feeding the play stream.
func (ctx *Context) received(p *rtp.Packet, _ *net.UDPAddr, fmt sip.Format) {
	ctx.mu.Lock()
	media, play := ctx.media, ctx.playStream
	ctx.mu.Unlock()
	if media == nil || play == nil {
		return
	}
	for _, msg := range media.RTPToRTMP(fmt, p, ctx.conn.RelativeTime(), play.ID) {
		if err := play.Send(msg); err != nil {
			ctx.logger.Debug("play send failed", zap.Error(err))
			return
		}
	}
}

// requestFIR sends a picture-fast-update INFO to the peer.
func (ctx *Context) requestFIR() {
	ctx.mu.Lock()
	ua, session := ctx.ua, ctx.session
	ctx.mu.Unlock()
	if ua == nil || session == nil {
		return
	}
	req := ua.CreateRequest("INFO")
	if req == nil {
		return
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Content-Type"] = "application/media_control+xml"
	req.Body = `<?xml version="1.0" encoding="utf-8" ?>
<media_control>
    <vc_primitive>
        <to_encoder>
            <picture_fast_update></picture_fast_update>
        </to_encoder>
    </vc_primitive>
</media_control>
`
	if err := ua.SendRequest(req); err != nil {
		ctx.logger.Debug("fast update request failed", zap.Error(err))
	}
}

// cleanup ends the call: media first, then the session reference.
func (ctx *Context) cleanup() {
	ctx.mu.Lock()
	session, media := ctx.session, ctx.media
	ctx.session, ctx.media = nil, nil
	ctx.mu.Unlock()
	if media != nil {
		media.Close()
	}
	if session != nil {
		_ = session.Close()
	}
}

// unregister tears the whole context down on disconnect.
func (ctx *Context) unregister() {
	ctx.mu.Lock()
	if ctx.closed {
		ctx.mu.Unlock()
		return
	}
	ctx.closed = true
	ua, outgoing := ctx.ua, ctx.outgoing
	ctx.ua, ctx.outgoing = nil, nil
	stop := ctx.stopRefresh
	ctx.stopRefresh = nil
	ctx.mu.Unlock()

	if outgoing != nil {
		outgoing.Cancel()
	}
	ctx.cleanup()
	if stop != nil {
		close(stop)
	}
	if ua != nil {
		_ = ua.Unbind()
		_ = ua.Close()
	}
}

func stringArg(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
