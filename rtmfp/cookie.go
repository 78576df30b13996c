package rtmfp

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"

	"github.com/codingpa-ws/siprtmp/constants"
	"github.com/codingpa-ws/siprtmp/rand"
)

// Target describes the upstream peer a man-in-middle session connects to.
type Target struct {
	Address *net.UDPAddr
	IsPeer  bool
	// PeerID is the upstream's real identity; ID the one shown downstream.
	PeerID []byte
	ID     []byte
	Kp     []byte
	dh     *dhKeyPair
}

// newTargetFromCookie steals the cookie's exchange half and derives the
// identity the middle presents to its own clients.
func newTargetFromCookie(address *net.UDPAddr, cookie *Cookie) *Target {
	t := &Target{Address: address, IsPeer: true, dh: cookie.dh}
	cookie.dh = nil
	t.Kp = append([]byte(nil), cookie.nonce[11:11+dhKeySize]...)

	nonce := append([]byte(nil), cookie.nonce...)
	nonce[9] = 0x1d
	sum := sha256.Sum256(nonce[7:])
	t.ID = sum[:]
	return t
}

// Cookie is one pending handshake. It lives at most CookieLifetime seconds.
type Cookie struct {
	// id is the local session id assigned once keying completes
	id       uint32
	created  time.Time
	queryURL string
	target   *Target
	nonce    []byte
	dh       *dhKeyPair
}

func newCookie(queryURL string) *Cookie {
	c := &Cookie{created: time.Now(), queryURL: queryURL, dh: beginDH()}
	// 11-byte prologue + 128-byte public key
	c.nonce = append([]byte{0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x81, 0x02, 0x0D, 0x02}, c.dh.publicBytes()...)
	return c
}

func newTargetCookie(target *Target) *Cookie {
	c := &Cookie{created: time.Now(), target: target, dh: target.dh}
	// 9-byte prologue + 64 random bytes
	c.nonce = append([]byte{0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x41, 0x0E}, rand.Bytes(64)...)
	return c
}

func (c *Cookie) obsolete(now time.Time) bool {
	return now.Sub(c.created) >= constants.CookieLifetime*time.Second
}

// computeKeys finishes the exchange against the initiator's public key and
// nonce, returning this side's decode and encode keys.
func (c *Cookie) computeKeys(initKey, initNonce []byte) (dKey, eKey []byte) {
	secret := c.dh.sharedSecret(initKey)
	return asymmetricKeys(secret, initNonce, c.nonce)
}

// bytes serializes the responder-initial-keying payload: session id,
// length-prefixed responder nonce, trailing 0x58.
func (c *Cookie) bytes() []byte {
	out := binary.BigEndian.AppendUint32(nil, c.id)
	out = appendString(out, c.nonce, sizeLengthVar)
	return append(out, 0x58)
}
