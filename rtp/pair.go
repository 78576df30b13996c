package rtp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/rand"
	"github.com/codingpa-ws/siprtmp/sip"
)

// RecvFunc sees every valid media packet with the format resolved through
// the negotiated payload-type map.
type RecvFunc func(p *Packet, remote *net.UDPAddr, fmt sip.Format)

// Pair is the media/control socket pair of one call. The media port is
// even; control sits one above it.
type Pair struct {
	logger  *zap.Logger
	media   *net.UDPConn
	control *net.UDPConn

	mu      sync.Mutex
	remote  *net.UDPAddr
	formats map[uint8]sip.Format
	onRecv  RecvFunc

	seq  uint16
	ssrc uint32

	closeOnce sync.Once
}

// OpenPair binds a media/control pair on ip, trying even ports from the
// range [portBase, portMax] at most `retries` times.
func OpenPair(logger *zap.Logger, ip string, portBase, portMax, retries int) (*Pair, error) {
	if portBase%2 != 0 {
		portBase++
	}
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt, port := 0, portBase; attempt < retries && port+1 <= portMax; attempt, port = attempt+1, port+2 {
		media, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		control, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port + 1})
		if err != nil {
			lastErr = err
			_ = media.Close()
			continue
		}
		p := &Pair{
			logger:  logger.With(zap.Int("rtp_port", port)),
			media:   media,
			control: control,
			formats: make(map[uint8]sip.Format),
			seq:     uint16(rand.Bytes(1)[0])<<8 | uint16(rand.Bytes(1)[0]),
		}
		ssrc := rand.Bytes(4)
		p.ssrc = uint32(ssrc[0])<<24 | uint32(ssrc[1])<<16 | uint32(ssrc[2])<<8 | uint32(ssrc[3])
		go p.receiveLoop()
		return p, nil
	}
	return nil, errors.Wrap(lastErr, "rtp: no free media port pair")
}

func (p *Pair) Port() int {
	return p.media.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote points the pair at the negotiated peer transport address.
func (p *Pair) SetRemote(remote *net.UDPAddr) {
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()
}

// SetFormats installs the payload-type map used to resolve inbound packets.
func (p *Pair) SetFormats(formats []sip.Format) {
	p.mu.Lock()
	p.formats = make(map[uint8]sip.Format, len(formats))
	for _, f := range formats {
		p.formats[uint8(f.PT)] = f
	}
	p.mu.Unlock()
}

func (p *Pair) OnReceive(fn RecvFunc) {
	p.mu.Lock()
	p.onRecv = fn
	p.mu.Unlock()
}

// Send emits one payload with this pair's sequence and ssrc state.
func (p *Pair) Send(payload []byte, ts uint32, marker bool, fmt sip.Format) error {
	p.mu.Lock()
	remote := p.remote
	p.seq++
	packet := &Packet{
		PT:      uint8(fmt.PT),
		Marker:  marker,
		Seq:     p.seq,
		TS:      ts,
		SSRC:    p.ssrc,
		Payload: payload,
	}
	p.mu.Unlock()
	if remote == nil {
		return errors.New("rtp: no remote address")
	}
	_, err := p.media.WriteToUDP(packet.Marshal(), remote)
	return err
}

func (p *Pair) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		n, remote, err := p.media.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet, err := Unmarshal(buf[:n])
		if err != nil {
			p.logger.Debug("dropping malformed packet", zap.Error(err))
			continue
		}
		packet.Payload = append([]byte(nil), packet.Payload...)

		p.mu.Lock()
		fmt, known := p.formats[packet.PT]
		fn := p.onRecv
		p.mu.Unlock()
		if !known || fn == nil {
			continue
		}
		fn(packet, remote, fmt)
	}
}

// Close releases both sockets exactly once.
func (p *Pair) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = multierr.Append(p.media.Close(), p.control.Close())
	})
	return err
}
