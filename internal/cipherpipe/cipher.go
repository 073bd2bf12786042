// Package cipherpipe implements the per-direction streaming cipher pipeline
// of spec.md §4.4: a cipher.Stream per direction, keyed once from a shared
// passphrase, with a random IV sent as the first bytes of the outbound
// stream and held-and-assembled on the inbound side until complete.
//
// The teacher derives AEAD keys with HKDF-SHA256 and frames whole AEAD
// messages (infrastructure/cryptography/chacha20). That framing assumes
// message boundaries this protocol does not have: spec.md calls for a
// "streaming symmetric-cipher library supporting init/update/final with
// IV" operating over arbitrary byte counts with stream-cipher semantics.
// golang.org/x/crypto/chacha20's NewUnauthenticatedCipher is the direct
// analogue — equal-length output, no boundary, IV-keyed — so key derivation
// is kept (HKDF-SHA256, same as the teacher's DeriveSessionId) while the
// per-direction cipher itself is the unauthenticated stream variant.
package cipherpipe

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived key length chacha20 requires.
const KeySize = chacha20.KeySize

// IVSize is the nonce length prepended to the outbound stream.
const IVSize = chacha20.NonceSize

// DeriveKey derives a 32-byte key from a passphrase via HKDF-SHA256, the
// same construction the teacher uses for session-id derivation.
func DeriveKey(passphrase string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("sstunnel-stream-key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Direction is one direction's streaming cipher state: either still waiting
// on its IV, or live and able to Update arbitrary byte counts.
type Direction struct {
	key    []byte
	stream cipher.Stream
	iv     []byte // pending/complete IV bytes
	ready  bool   // IVSent (outbound) or IVReceived (inbound)
}

// NewDirection constructs an unkeyed Direction bound to key. Call
// GenerateIV (outbound) or Feed (inbound) before Update.
func NewDirection(key []byte) *Direction {
	d := &Direction{key: key}
	return d
}

// Ready reports whether this direction's IV exchange has completed
// (IV_SENT for outbound, IV_RECEIVED for inbound).
func (d *Direction) Ready() bool { return d.ready }

// GenerateIV creates a fresh random IV for the outbound direction, keys the
// stream, and returns the IV bytes to prepend to the ciphertext.
func (d *Direction) GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	s, err := chacha20.NewUnauthenticatedCipher(d.key, iv)
	if err != nil {
		return nil, fmt.Errorf("init send cipher: %w", err)
	}
	d.stream = s
	d.ready = true
	return iv, nil
}

// Feed accumulates inbound bytes toward a complete IV. It consumes up to
// IVSize-len(current) bytes from buf and returns how many it took. Once
// enough bytes have arrived across one or more calls, the receiving stream
// is keyed and Ready() becomes true — satisfying spec.md §9's requirement
// that a partial IV arriving across multiple recvs not be mishandled.
func (d *Direction) Feed(buf []byte) (consumed int, err error) {
	if d.ready {
		return 0, nil
	}
	need := IVSize - len(d.iv)
	if need > len(buf) {
		need = len(buf)
	}
	d.iv = append(d.iv, buf[:need]...)
	if len(d.iv) < IVSize {
		return need, nil
	}
	s, err := chacha20.NewUnauthenticatedCipher(d.key, d.iv)
	if err != nil {
		return need, fmt.Errorf("init recv cipher: %w", err)
	}
	d.stream = s
	d.ready = true
	return need, nil
}

// Update runs the keyed stream over in, producing an equal-length dst. The
// caller must only invoke this once Ready() is true.
func (d *Direction) Update(dst, in []byte) {
	d.stream.XORKeyStream(dst, in)
}
