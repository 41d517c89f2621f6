package crypto

import (
	"time"

	"github.com/packrat/packrat/internal/errors"

	sscrypt "github.com/elithrar/simple-scrypt"
	"golang.org/x/crypto/scrypt"
)

const saltLength = 64

// Params are the scrypt cost parameters stored with every key file.
type Params struct {
	N int
	R int
	P int
}

// DefaultKDFParams are used when calibration is skipped or fails.
var DefaultKDFParams = Params{
	N: sscrypt.DefaultParams.N,
	R: sscrypt.DefaultParams.R,
	P: sscrypt.DefaultParams.P,
}

func (p Params) scrypt(saltLen int) sscrypt.Params {
	return sscrypt.Params{
		N:       p.N,
		R:       p.R,
		P:       p.P,
		DKLen:   sscrypt.DefaultParams.DKLen,
		SaltLen: saltLen,
	}
}

// Calibrate finds parameters so that one derivation takes about timeout
// and uses at most memory MiB.
func Calibrate(timeout time.Duration, memory int) (Params, error) {
	params, err := sscrypt.Calibrate(timeout, memory, DefaultKDFParams.scrypt(sscrypt.DefaultParams.SaltLen))
	if err != nil {
		return DefaultKDFParams, errors.Wrap(err, "scrypt.Calibrate")
	}

	return Params{N: params.N, R: params.R, P: params.P}, nil
}

// KDF derives a key from password and salt with scrypt. The first 32 bytes
// of output become the encryption key, the next 32 the MAC key (k || r).
func KDF(p Params, salt []byte, password string) (*Key, error) {
	if len(salt) != saltLength {
		return nil, errors.Errorf("scrypt() called with invalid salt bytes (len %d)", len(salt))
	}

	sp := p.scrypt(len(salt))
	if err := sp.Check(); err != nil {
		return nil, errors.Wrap(err, "Check")
	}

	keybytes := aesKeySize + macKeySize
	out, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, keybytes)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt.Key")
	}
	if len(out) != keybytes {
		return nil, errors.Errorf("invalid numbers of bytes expanded from scrypt(): %d", len(out))
	}

	k := &Key{}
	copy(k.EncryptionKey[:], out[:aesKeySize])
	copy(k.MACKey.K[:], out[aesKeySize:aesKeySize+macKeySizeK])
	copy(k.MACKey.R[:], out[aesKeySize+macKeySizeK:])

	return k, nil
}

// NewSalt returns a fresh random salt for KDF.
func NewSalt() ([]byte, error) {
	buf := make([]byte, saltLength)
	if err := ReadRandom(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
