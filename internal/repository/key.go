package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

var (
	// ErrNoKeyFound is returned when no key for the repository could be decrypted.
	ErrNoKeyFound = errors.Fatal("wrong password or no key found")

	// ErrWrongPassword is an alias for ErrNoKeyFound.
	ErrWrongPassword = ErrNoKeyFound

	// ErrMaxKeysReached is returned when the maximum number of keys was checked and no key could be found.
	ErrMaxKeysReached = errors.Fatal("maximum number of keys reached")
)

// Key represents an encrypted master key for a repository.
type Key struct {
	Created  time.Time `json:"created"`
	Username string    `json:"username"`
	Hostname string    `json:"hostname"`

	KDF  string `json:"kdf"`
	N    int    `json:"N"`
	R    int    `json:"r"`
	P    int    `json:"p"`
	Salt []byte `json:"salt"`
	Data []byte `json:"data"`

	user   *crypto.Key
	master *crypto.Key

	id packrat.ID
}

// params tracks the parameters used for the KDF. If not set, it will be
// calibrated on the first run of AddKey().
var params *crypto.Params

var (
	// KDFTimeout specifies the maximum runtime for the KDF.
	KDFTimeout = 500 * time.Millisecond

	// KDFMemory limits the memory the KDF is allowed to use.
	KDFMemory = 60
)

// createMasterKey creates a new master key in the given backend and encrypts
// it with the password.
func createMasterKey(ctx context.Context, s *Repository, password string) (*Key, error) {
	return AddKey(ctx, s, password, "", "", nil)
}

func corruptKey(err error) error {
	return errors.WithKind(err, errors.KindCorruptData)
}

// kdfParams returns the KDF parameters for new keys, calibrating them on
// first use.
func kdfParams() (crypto.Params, error) {
	if params != nil {
		return *params, nil
	}
	p, err := crypto.Calibrate(KDFTimeout, KDFMemory)
	if err != nil {
		return crypto.Params{}, errors.Wrap(err, "Calibrate")
	}
	debug.Log("calibrated KDF parameters are %v", p)
	params = &p
	return p, nil
}

// unlock derives the user key from password and decrypts the master key.
// A wrong password fails with KindCrypto.
func (k *Key) unlock(password string) error {
	if k.KDF != "scrypt" {
		return corruptKey(errors.Errorf("key %v: unsupported KDF %q", k.id.Str(), k.KDF))
	}

	userKey, err := crypto.KDF(crypto.Params{N: k.N, R: k.R, P: k.P}, k.Salt, password)
	if err != nil {
		return corruptKey(errors.Wrapf(err, "key %v", k.id.Str()))
	}
	buf, err := userKey.Decrypt(nil, k.Data)
	if err != nil {
		return err
	}

	master := &crypto.Key{}
	if err := json.Unmarshal(buf, master); err != nil {
		return corruptKey(errors.Wrapf(err, "decoding master key of %v", k.id.Str()))
	}
	k.user, k.master = userKey, master
	if !k.Valid() {
		return corruptKey(errors.New("invalid key for repository"))
	}
	return nil
}

// OpenKey tries do decrypt the key specified by id with the given password.
func OpenKey(ctx context.Context, s *Repository, id packrat.ID, password string) (*Key, error) {
	k, err := LoadKey(ctx, s, id)
	if err != nil {
		debug.Log("LoadKey(%v) returned error %v", id.String(), err)
		return nil, err
	}
	if err := k.unlock(password); err != nil {
		return nil, err
	}
	return k, nil
}

func openHintedKey(ctx context.Context, s *Repository, password, hint string) *Key {
	id, err := packrat.ParseID(hint)
	if err != nil {
		debug.Log("key hint %q is not a valid id", hint)
		return nil
	}
	k, err := OpenKey(ctx, s, id, password)
	if err != nil {
		debug.Log("could not open hinted key %v: %v", id, err)
		return nil
	}
	return k
}

// SearchKey tries to decrypt at most maxKeys keys in the backend with the
// given password. If none could be found, ErrNoKeyFound is returned. When
// maxKeys is reached, ErrMaxKeysReached is returned. When setting maxKeys to
// zero, all keys in the repo are checked. The key named by keyHint is tried
// first.
func SearchKey(ctx context.Context, s *Repository, password string, maxKeys int, keyHint string) (*Key, error) {
	if keyHint != "" {
		if k := openHintedKey(ctx, s, password, keyHint); k != nil {
			return k, nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found *Key
	// a wrong password is only reported if no key was undecodable
	var corrupt error
	checked := 0

	err := s.List(ctx, packrat.KeyFile, func(id packrat.ID, _ int64) error {
		checked++
		if maxKeys > 0 && checked > maxKeys {
			return ErrMaxKeysReached
		}

		k, err := OpenKey(ctx, s, id, password)
		switch {
		case err == nil:
			debug.Log("opened key %v", id.Str())
			found = k
			cancel()
			return nil
		case errors.IsKind(err, errors.KindCrypto):
			return nil
		case errors.IsKind(err, errors.KindCorruptData):
			debug.Log("key %v: %v", id.Str(), err)
			corrupt = err
			return nil
		}
		return err
	})

	switch {
	case found != nil:
		return found, nil
	case err != nil:
		return nil, err
	case corrupt != nil:
		return nil, errors.Join(ErrCorruptMetadata, corrupt)
	}
	return nil, ErrNoKeyFound
}

// LoadKey loads a key from the backend.
func LoadKey(ctx context.Context, s *Repository, id packrat.ID) (*Key, error) {
	h := backend.Handle{Type: backend.KeyFile, Name: id.String()}
	data, err := backend.LoadAll(ctx, nil, s.be, h)
	if errors.Is(err, backend.ErrInvalidData) {
		return nil, corruptKey(errors.Wrapf(err, "loading key %v", id.Str()))
	}
	if err != nil {
		return nil, packrat.NewBackendError("load", h, err)
	}

	k := &Key{id: id}
	if err := json.Unmarshal(data, k); err != nil {
		return nil, corruptKey(errors.Wrapf(err, "decoding key %v", id.Str()))
	}
	return k, nil
}

// AddKey adds a new key to an already existing repository. If template is
// nil, a new master key is generated. Empty username and hostname are
// taken from the current environment.
func AddKey(ctx context.Context, s *Repository, password, username, hostname string, template *crypto.Key) (*Key, error) {
	p, err := kdfParams()
	if err != nil {
		return nil, err
	}

	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if username == "" {
		if usr, err := user.Current(); err == nil {
			username = usr.Username
		}
	}

	k := &Key{
		Created:  time.Now(),
		Username: username,
		Hostname: hostname,
		KDF:      "scrypt",
		N:        p.N,
		R:        p.R,
		P:        p.P,
		master:   template,
	}
	if k.master == nil {
		k.master = crypto.NewRandomKey()
	}

	if k.Salt, err = crypto.NewSalt(); err != nil {
		return nil, err
	}
	if k.user, err = crypto.KDF(p, k.Salt, password); err != nil {
		return nil, err
	}

	masterJSON, err := json.Marshal(k.master)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}
	k.Data = k.user.Encrypt(nil, masterJSON)

	if err := k.store(ctx, s); err != nil {
		return nil, err
	}
	return k, nil
}

// store writes k to a key file named by the hash of its encoding.
func (k *Key) store(ctx context.Context, s *Repository) error {
	buf, err := json.Marshal(k)
	if err != nil {
		return errors.Wrap(err, "Marshal")
	}

	id := packrat.Hash(buf)
	h := backend.Handle{Type: backend.KeyFile, Name: id.String()}
	if err := s.be.Save(ctx, h, backend.NewByteReader(buf, s.be.Hasher())); err != nil {
		return packrat.NewBackendError("save", h, err)
	}
	k.id = id
	return nil
}

// RemoveKey deletes the key file id. The key in use by s cannot be removed.
func RemoveKey(ctx context.Context, s *Repository, id packrat.ID) error {
	if id == s.KeyID() {
		return errors.Fatal("refusing to remove the key currently in use")
	}

	return s.RemoveUnpacked(ctx, packrat.KeyFile, id)
}

func (k *Key) String() string {
	if k == nil {
		return "<Key nil>"
	}
	return fmt.Sprintf("<Key of %s@%s, created on %s>", k.Username, k.Hostname, k.Created)
}

// ID returns the id of the key file.
func (k Key) ID() packrat.ID {
	return k.id
}

// Valid tests whether the mac and encryption keys are valid (i.e. not zero)
func (k *Key) Valid() bool {
	return k.user.Valid() && k.master.Valid()
}
