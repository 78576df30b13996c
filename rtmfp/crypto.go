package rtmfp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"

	"github.com/codingpa-ws/siprtmp/rand"
)

// handshakeKey is the fixed cipher key both sides use until session keys
// are derived.
var handshakeKey = []byte("Adobe Systems 02")

// dh1024p is the 1024-bit Diffie-Hellman modulus, generator 2.
var dh1024p = new(big.Int).SetBytes([]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xC9, 0x0F, 0xDA, 0xA2, 0x21, 0x68, 0xC2, 0x34,
	0xC4, 0xC6, 0x62, 0x8B, 0x80, 0xDC, 0x1C, 0xD1, 0x29, 0x02, 0x4E, 0x08, 0x8A, 0x67, 0xCC, 0x74,
	0x02, 0x0B, 0xBE, 0xA6, 0x3B, 0x13, 0x9B, 0x22, 0x51, 0x4A, 0x08, 0x79, 0x8E, 0x34, 0x04, 0xDD,
	0xEF, 0x95, 0x19, 0xB3, 0xCD, 0x3A, 0x43, 0x1B, 0x30, 0x2B, 0x0A, 0x6D, 0xF2, 0x5F, 0x14, 0x37,
	0x4F, 0xE1, 0x35, 0x6D, 0x6D, 0x51, 0xC2, 0x45, 0xE4, 0x85, 0xB5, 0x76, 0x62, 0x5E, 0x7E, 0xC6,
	0xF4, 0x4C, 0x42, 0xE9, 0xA6, 0x37, 0xED, 0x6B, 0x0B, 0xFF, 0x5C, 0xB6, 0xF4, 0x06, 0xB7, 0xED,
	0xEE, 0x38, 0x6B, 0xFB, 0x5A, 0x89, 0x9F, 0xA5, 0xAE, 0x9F, 0x24, 0x11, 0x7C, 0x4B, 0x1F, 0xE6,
	0x49, 0x28, 0x66, 0x51, 0xEC, 0xE6, 0x53, 0x81, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
})

const dhKeySize = 128

var ErrChecksum = errors.New("rtmfp: invalid checksum")

// aesContext is one direction's AES-CBC-128 schedule. Every packet uses a
// zero IV; the key expansion happens once at session setup.
type aesContext struct {
	block cipher.Block
}

func newAESContext(key []byte) (*aesContext, error) {
	if len(key) > 16 {
		key = key[:16]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesContext{block: block}, nil
}

var zeroIV [aes.BlockSize]byte

func (a *aesContext) encrypt(data []byte) {
	cipher.NewCBCEncrypter(a.block, zeroIV[:]).CryptBlocks(data, data)
}

func (a *aesContext) decrypt(data []byte) {
	cipher.NewCBCDecrypter(a.block, zeroIV[:]).CryptBlocks(data, data)
}

// decodePacket strips a received packet to its decrypted form: the four
// scrambled-id bytes are kept, the rest is decrypted in place and the
// checksum verified. The returned slice still carries the 4-byte id and
// 2-byte checksum prefix; the network layer starts at offset 6.
func decodePacket(ctx *aesContext, data []byte) ([]byte, error) {
	if len(data) < 12 || (len(data)-4)%aes.BlockSize != 0 {
		return nil, ErrShortPacket
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	ctx.decrypt(raw[4:])
	if binary.BigEndian.Uint16(raw[4:6]) != Checksum(raw[6:]) {
		return nil, ErrChecksum
	}
	return raw, nil
}

// encodePacket pads data with 0xff to the cipher block size (always at
// least one padding byte), stamps the checksum and encrypts. The data must
// start with the 6-byte id+checksum placeholder.
func encodePacket(ctx *aesContext, data []byte) []byte {
	plen := aes.BlockSize - (len(data)-4)%aes.BlockSize
	if plen == 0 {
		plen = aes.BlockSize
	}
	for i := 0; i < plen; i++ {
		data = append(data, 0xff)
	}
	binary.BigEndian.PutUint16(data[4:6], Checksum(data[6:]))
	ctx.encrypt(data[4:])
	return data
}

// dhKeyPair is an ephemeral Diffie-Hellman exchange half.
type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

func beginDH() *dhKeyPair {
	x := new(big.Int).SetBytes(rand.Bytes(dhKeySize))
	return &dhKeyPair{private: x, public: new(big.Int).Exp(big.NewInt(2), x, dh1024p)}
}

func (kp *dhKeyPair) publicBytes() []byte {
	return leftPad(kp.public.Bytes(), dhKeySize)
}

// sharedSecret completes the exchange with the peer's public value.
func (kp *dhKeyPair) sharedSecret(peerPublic []byte) []byte {
	y := new(big.Int).SetBytes(peerPublic)
	s := new(big.Int).Exp(y, kp.private, dh1024p)
	return leftPad(s.Bytes(), dhKeySize)
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// asymmetricKeys derives the per-direction session keys from the
// responder's point of view: its encode key is HMAC(S, HMAC(Nr, Ni)),
// which is what the initiator uses to decode, and vice versa.
func asymmetricKeys(secret, initNonce, respNonce []byte) (dKey, eKey []byte) {
	dKey = hmacSHA256(secret, hmacSHA256(initNonce, respNonce))[:16]
	eKey = hmacSHA256(secret, hmacSHA256(respNonce, initNonce))[:16]
	return dKey, eKey
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
