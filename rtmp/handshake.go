package rtmp

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/codingpa-ws/siprtmp/constants"
)

// Desktop clients probe a server's socket policy before speaking the
// protocol; a fixed request gets a fixed response and an immediate close.
var policyFileRequest = []byte("<policy-file-request/>\x00")

const policyFileResponse = `<!DOCTYPE cross-domain-policy SYSTEM "http://www.macromedia.com/xml/dtds/cross-domain-policy.dtd">
<cross-domain-policy>
  <allow-access-from domain="*" to-ports="1935" secure='false'/>
</cross-domain-policy>`

// ErrPolicyRequest reports that the connection was a cross-domain policy
// probe; the response has been written and the socket must be closed.
var ErrPolicyRequest = errors.New("rtmp: cross-domain policy request")

var ErrHandshake = errors.New("rtmp: handshake failed")

// ServerHandshake performs the version-3 three-step handshake: the client
// sends 0x03 and a 1536-byte block, the server echoes 0x03 plus two
// 1536-byte blocks, the client answers with its second block.
func ServerHandshake(r *bufio.Reader, w *bufio.Writer) error {
	probe, err := r.Peek(len(policyFileRequest))
	if err == nil && bytes.Equal(probe, policyFileRequest) {
		if _, err := r.Discard(len(policyFileRequest)); err != nil {
			return err
		}
		if _, err := w.WriteString(policyFileResponse); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return ErrPolicyRequest
	}

	c0c1 := make([]byte, 1+constants.HandshakeSize)
	if _, err := io.ReadFull(r, c0c1); err != nil {
		return errors.Wrap(err, "reading C0C1")
	}
	if c0c1[0] != 0x03 {
		return errors.Wrapf(ErrHandshake, "unsupported version 0x%02x", c0c1[0])
	}
	// echo the client block back in both server payloads
	if _, err := w.Write(c0c1); err != nil {
		return err
	}
	if _, err := w.Write(c0c1[1:]); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c2 := make([]byte, constants.HandshakeSize)
	if _, err := io.ReadFull(r, c2); err != nil {
		return errors.Wrap(err, "reading C2")
	}
	return nil
}
