package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/packrat/packrat/internal/errors"

	"golang.org/x/crypto/poly1305"
)

const (
	nonceSize = aes.BlockSize
	macSize   = poly1305.TagSize

	// Extension is the number of bytes Encrypt adds to a plaintext.
	Extension = nonceSize + macSize
)

// ErrUnauthenticated is returned when a ciphertext fails verification: it
// was modified, truncated or encrypted with a different key.
var ErrUnauthenticated = errors.NewKind(errors.KindCrypto, "ciphertext verification failed")

var _ cipher.AEAD = &Key{}

// NewRandomNonce returns a fresh nonce.
func NewRandomNonce() []byte {
	nonce := make([]byte, nonceSize)
	mustRead(nonce, "nonce")
	return nonce
}

// poly1305Key builds the one-time key r || AES_k(nonce).
func poly1305Key(nonce []byte, key *MACKey) *[32]byte {
	var k [32]byte

	c, err := aes.NewCipher(key.K[:])
	if err != nil {
		panic(err)
	}
	c.Encrypt(k[16:], nonce)
	copy(k[:16], key.R[:])

	return &k
}

func (k *Key) ctr(nonce []byte) cipher.Stream {
	c, err := aes.NewCipher(k.EncryptionKey[:])
	if err != nil {
		panic(fmt.Sprintf("unable to create cipher: %v", err))
	}
	return cipher.NewCTR(c, nonce)
}

// NonceSize returns the nonce length expected by Seal and Open.
func (k *Key) NonceSize() int { return nonceSize }

// Overhead returns the length of the authenticator appended by Seal.
func (k *Key) Overhead() int { return macSize }

// grow returns in extended by n bytes, and the extension. It reuses the
// capacity of in when possible.
func grow(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	return head, head[len(in):]
}

// Seal encrypts and authenticates plaintext and appends the result to dst.
// Nonces must never be reused with the same key. Additional data is not
// supported. plaintext and dst may alias exactly or not at all.
func (k *Key) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	switch {
	case !k.Valid():
		panic("key is invalid")
	case len(additionalData) > 0:
		panic("additional data is not supported")
	case len(nonce) != nonceSize:
		panic("incorrect nonce length")
	case !nonzero(nonce):
		panic("nonce is invalid")
	}

	ret, out := grow(dst, len(plaintext)+macSize)
	k.ctr(nonce).XORKeyStream(out, plaintext)

	var tag [macSize]byte
	poly1305.Sum(&tag, out[:len(plaintext)], poly1305Key(nonce, &k.MACKey))
	copy(out[len(plaintext):], tag[:])

	return ret
}

// Open verifies ciphertext and appends the decrypted plaintext to dst. On
// failure nothing is returned, although dst up to its capacity may have been
// overwritten. ciphertext and dst may alias exactly or not at all.
func (k *Key) Open(dst, nonce, ciphertext, _ []byte) ([]byte, error) {
	if !k.Valid() {
		return nil, errors.WithKind(errors.New("invalid key"), errors.KindCrypto)
	}
	if len(nonce) != nonceSize {
		panic("incorrect nonce length")
	}
	if !nonzero(nonce) {
		return nil, errors.WithKind(errors.New("nonce is invalid"), errors.KindCrypto)
	}
	if len(ciphertext) < macSize {
		return nil, errors.WithKind(errors.New("ciphertext too short"), errors.KindCrypto)
	}

	l := len(ciphertext) - macSize
	ct := ciphertext[:l]

	var tag [macSize]byte
	copy(tag[:], ciphertext[l:])
	if !poly1305.Verify(&tag, ct, poly1305Key(nonce, &k.MACKey)) {
		return nil, ErrUnauthenticated
	}

	ret, out := grow(dst, l)
	k.ctr(nonce).XORKeyStream(out, ct)

	return ret, nil
}

// Encrypt returns nonce || ciphertext || tag for plaintext, appended to dst.
func (k *Key) Encrypt(dst, plaintext []byte) []byte {
	nonce := NewRandomNonce()
	dst = append(dst, nonce...)
	return k.Seal(dst, nonce, plaintext, nil)
}

// Decrypt reverses Encrypt and appends the plaintext to dst. It fails with
// ErrUnauthenticated (or another KindCrypto error) if buf was not produced by
// Encrypt with this key.
func (k *Key) Decrypt(dst, buf []byte) ([]byte, error) {
	if len(buf) < Extension {
		return nil, errors.WithKind(errors.Errorf("ciphertext too short: %d bytes", len(buf)), errors.KindCrypto)
	}
	return k.Open(dst, buf[:nonceSize], buf[nonceSize:], nil)
}

// ReadRandom fills buf from the system's secure random source.
func ReadRandom(buf []byte) error {
	_, err := rand.Read(buf)
	return errors.Wrap(err, "rand.Read")
}

// CiphertextLength returns the encrypted length of a plaintext of length
// plaintextSize.
func CiphertextLength(plaintextSize int) int {
	return plaintextSize + Extension
}

// PlaintextLength returns the length of the plaintext of a ciphertext of
// length ciphertextSize.
func PlaintextLength(ciphertextSize int) int {
	return ciphertextSize - Extension
}
