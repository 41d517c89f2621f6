package crypto_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/errors"
	rtest "github.com/packrat/packrat/internal/test"
)

func TestEncryptDecrypt(t *testing.T) {
	k := crypto.NewRandomKey()

	for _, size := range []int{0, 5, 23, 2<<18 + 23, 1 << 20} {
		data := rtest.Random(42, size)

		ciphertext := k.Encrypt(nil, data)
		rtest.Equals(t, len(data)+crypto.Extension, len(ciphertext))

		plaintext, err := k.Decrypt(nil, ciphertext)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(plaintext, data), "wrong plaintext for size %d", size)
	}
}

func TestSealOpenSameBuffer(t *testing.T) {
	k := crypto.NewRandomKey()
	data := rtest.Random(23, 600)

	buf := make([]byte, 0, len(data)+crypto.Extension)
	nonce := crypto.NewRandomNonce()
	buf = k.Seal(buf, nonce, data, nil)

	buf, err := k.Open(buf[:0], nonce, buf, nil)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(buf, data), "wrong plaintext returned")
}

func TestAppendToPrefix(t *testing.T) {
	k := crypto.NewRandomKey()
	data := rtest.Random(5, 600)

	for _, capacity := range []int{0, 10, 2000} {
		dst := make([]byte, 0, capacity)
		dst = append(dst, "foobar"...)

		ciphertext := k.Encrypt(dst, data)
		rtest.Equals(t, "foobar", string(ciphertext[:6]))

		plain := append(make([]byte, 0, capacity), "prefix"...)
		plain, err := k.Decrypt(plain, ciphertext[6:])
		rtest.OK(t, err)
		rtest.Equals(t, "prefix", string(plain[:6]))
		rtest.Assert(t, bytes.Equal(plain[6:], data), "wrong plaintext for capacity %d", capacity)
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	k := crypto.NewRandomKey()
	data := rtest.Random(99, 1000)
	ciphertext := k.Encrypt(nil, data)

	t.Run("wrong-key", func(t *testing.T) {
		plain, err := crypto.NewRandomKey().Decrypt(nil, ciphertext)
		rtest.Assert(t, errors.Is(err, crypto.ErrUnauthenticated), "unexpected error %v", err)
		rtest.Assert(t, plain == nil, "plaintext returned for wrong key")
	})

	t.Run("modified", func(t *testing.T) {
		for i := 0; i < len(ciphertext); i += 97 {
			buf := append([]byte(nil), ciphertext...)
			buf[i] ^= 0x01
			plain, err := k.Decrypt(nil, buf)
			rtest.Assert(t, errors.IsKind(err, errors.KindCrypto), "modification at %d not detected: %v", i, err)
			rtest.Assert(t, plain == nil, "plaintext returned for modified ciphertext")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		for _, l := range []int{0, 10, crypto.Extension - 1, crypto.Extension, len(ciphertext) - 1} {
			plain, err := k.Decrypt(nil, ciphertext[:l])
			rtest.Assert(t, errors.IsKind(err, errors.KindCrypto), "truncation to %d not detected: %v", l, err)
			rtest.Assert(t, plain == nil, "plaintext returned for truncated ciphertext")
		}
	})
}

func TestKeyJSON(t *testing.T) {
	k := crypto.NewRandomKey()

	buf, err := json.Marshal(k)
	rtest.OK(t, err)

	var k2 crypto.Key
	rtest.OK(t, json.Unmarshal(buf, &k2))
	rtest.Equals(t, *k, k2)
	rtest.Assert(t, k2.Valid(), "decoded key is not valid")

	rtest.Assert(t, !(&crypto.Key{}).Valid(), "zero key is valid")
}

func BenchmarkEncrypt(b *testing.B) {
	data := make([]byte, 8<<20)
	k := crypto.NewRandomKey()
	buf := make([]byte, 0, len(data)+crypto.Extension)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf = k.Encrypt(buf[:0], data)
	}
}

func BenchmarkDecrypt(b *testing.B) {
	data := make([]byte, 8<<20)
	k := crypto.NewRandomKey()
	ciphertext := k.Encrypt(nil, data)
	plaintext := make([]byte, 0, len(data))

	b.SetBytes(int64(len(data)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var err error
		plaintext, err = k.Decrypt(plaintext[:0], ciphertext)
		rtest.OK(b, err)
	}
}
