package repository

import (
	"bufio"
	"context"
	"crypto/rand"
	"hash"
	"io"
	"math/big"
	"os"
	"sync"

	"github.com/minio/sha256-simd"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/hashing"
	"github.com/packrat/packrat/internal/repository/pack"
)

// packer is an open pack backed by a temporary file. The pack id and the
// backend hash are computed while the pack is written.
type packer struct {
	*pack.Packer
	tmpfile *os.File
	bufWr   *bufio.Writer
	// hw feeds the pack id and the optional backend hash
	hw *hashing.Writer
}

// handles returns the blobs stored in the packer so far.
func (p *packer) handles() []packrat.BlobHandle {
	blobs := p.Packer.Blobs()
	bhs := make([]packrat.BlobHandle, 0, len(blobs))
	for _, b := range blobs {
		bhs = append(bhs, b.BlobHandle)
	}
	return bhs
}

// close closes and removes the temporary file.
func (p *packer) close() error {
	name := p.tmpfile.Name()
	err := p.tmpfile.Close()
	rerr := os.Remove(name)
	if err == nil && rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return errors.Wrap(err, "close tempfile")
}

// packerManager keeps a list of open packs and creates new on demand.
type packerManager struct {
	tpe     packrat.BlobType
	key     *crypto.Key
	hasher  func() hash.Hash
	queueFn func(ctx context.Context, t packrat.BlobType, p *packer) error

	pm       sync.Mutex
	packers  []*packer
	count    int
	packSize uint
}

const defaultPackerCount = 2

// newPackerManager returns a new packer manager which writes temporary files
// to a temporary directory
func newPackerManager(key *crypto.Key, hasher func() hash.Hash, tpe packrat.BlobType, packSize uint, packerCount int, queueFn func(ctx context.Context, t packrat.BlobType, p *packer) error) *packerManager {
	return &packerManager{
		tpe:      tpe,
		key:      key,
		hasher:   hasher,
		queueFn:  queueFn,
		packers:  make([]*packer, packerCount),
		count:    packerCount,
		packSize: packSize,
	}
}

// Flush seals all open packers and hands them to the uploader.
func (r *packerManager) Flush(ctx context.Context) error {
	r.pm.Lock()
	defer r.pm.Unlock()

	pending, err := r.mergePackers()
	if err != nil {
		return err
	}

	for i, p := range pending {
		debug.Log("flushing pending pack with %d blobs", p.Count())
		if err := r.queueFn(ctx, r.tpe, p); err != nil {
			// kept so that Discard can release them
			r.packers = append(r.packers, pending[i:]...)
			return err
		}
	}
	return nil
}

// Discard drops all open packers and returns the handles of the blobs they
// contained. Nothing of these packers has been stored.
func (r *packerManager) Discard() []packrat.BlobHandle {
	r.pm.Lock()
	defer r.pm.Unlock()

	var bhs []packrat.BlobHandle
	for _, p := range r.packers {
		if p == nil {
			continue
		}
		bhs = append(bhs, p.handles()...)
		if err := p.close(); err != nil {
			debug.Log("discarding packer: %v", err)
		}
	}
	r.packers = make([]*packer, r.count)
	return bhs
}

// absorb appends the blobs of other to p and removes other.
func (p *packer) absorb(other *packer) error {
	if err := other.bufWr.Flush(); err != nil {
		return errors.WithStack(err)
	}
	if _, err := other.tmpfile.Seek(0, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if err := p.Merge(other.Packer, other.tmpfile); err != nil {
		return err
	}
	return other.close()
}

// mergePackers combines small packers before Flush uploads them, so that the
// blobs of a small file do not end up in separate packs whose sizes would
// reveal the individual blob sizes.
func (r *packerManager) mergePackers() ([]*packer, error) {
	var sealed []*packer
	var cur *packer
	for i, p := range r.packers {
		if p == nil {
			continue
		}
		r.packers[i] = nil

		switch {
		case cur == nil:
			cur = p
		case cur.Size()+p.Size() < r.packSize:
			if err := cur.absorb(p); err != nil {
				return nil, err
			}
		default:
			sealed = append(sealed, cur)
			cur = p
		}
	}
	if cur != nil {
		sealed = append(sealed, cur)
	}
	r.packers = r.packers[:r.count]
	return sealed, nil
}

// SaveBlob appends an encrypted blob to one of the open packers. Full
// packers are queued for upload. It returns the number of bytes added to the
// repository, including the header overhead of sealed packs.
func (r *packerManager) SaveBlob(ctx context.Context, t packrat.BlobType, id packrat.ID, ciphertext []byte, uncompressedLength int) (int, error) {
	r.pm.Lock()
	defer r.pm.Unlock()

	p, slot, err := r.pickPacker(len(ciphertext))
	if err != nil {
		return 0, err
	}

	size, err := p.Add(t, id, ciphertext, uncompressedLength)
	if err != nil {
		return 0, err
	}
	if p.Size() < r.packSize && !p.HeaderFull() {
		return size, nil
	}

	if slot >= 0 {
		r.packers[slot] = nil
	}
	// queued under the lock, a busy uploader then blocks all producers
	// instead of letting them open new packers
	if err := r.queueFn(ctx, t, p); err != nil {
		r.packers = append(r.packers, p)
		return 0, err
	}
	return size + p.HeaderOverhead(), nil
}

// pickPacker returns the packer for the next blob and its slot. Blobs
// larger than the target pack size get a packer of their own, slot -1.
func (r *packerManager) pickPacker(ciphertextLen int) (*packer, int, error) {
	if ciphertextLen >= int(r.packSize) {
		p, err := r.newPacker()
		return p, -1, err
	}

	// spreading blobs over several packers hides where a file was chunked
	n, err := rand.Int(rand.Reader, big.NewInt(int64(r.count)))
	if err != nil {
		return nil, 0, err
	}
	slot := int(n.Int64())

	if r.packers[slot] == nil {
		p, err := r.newPacker()
		if err != nil {
			return nil, 0, err
		}
		r.packers[slot] = p
	}
	return r.packers[slot], slot, nil
}

func (r *packerManager) newPacker() (*packer, error) {
	tmpfile, err := os.CreateTemp("", "packrat-temp-pack-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	debug.Log("new pack in %v", tmpfile.Name())

	p := &packer{tmpfile: tmpfile, bufWr: bufio.NewWriter(tmpfile)}
	var beHash hash.Hash
	if r.hasher != nil {
		beHash = r.hasher()
	}
	p.hw = hashing.NewWriter(p.bufWr, sha256.New(), beHash)
	p.Packer = pack.NewPacker(r.key, p.hw)
	return p, nil
}

// seal writes the pack header and returns the pack id and a reader over
// the whole file.
func (p *packer) seal() (packrat.ID, backend.RewindReader, error) {
	if err := p.Finalize(); err != nil {
		return packrat.ID{}, nil, err
	}
	if err := p.bufWr.Flush(); err != nil {
		return packrat.ID{}, nil, errors.WithStack(err)
	}

	rd, err := backend.NewFileReader(p.tmpfile, p.hw.Sum(1, nil))
	if err != nil {
		return packrat.ID{}, nil, err
	}
	id := packrat.IDFromHash(p.hw.Sum(0, nil))
	debug.Log("sealed pack %v with %d bytes", id.Str(), p.hw.Written())
	return id, rd, nil
}

// savePacker seals p, stores it in the backend and only then adds its blobs
// to the index.
func (r *Repository) savePacker(ctx context.Context, t packrat.BlobType, p *packer) (err error) {
	defer func() {
		if err != nil {
			r.idx.ClearPending(p.handles()...)
		}
		if cerr := p.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	debug.Log("save packer for %v with %d blobs (%d bytes)", t, p.Count(), p.Size())
	id, rd, err := p.seal()
	if err != nil {
		return err
	}

	h := backend.Handle{Type: backend.PackFile, Name: id.String()}
	err = r.be.Save(ctx, h, rd)
	if backend.IsAlreadyExists(err) {
		// the name is the hash of the content, the stored copy is identical
		debug.Log("pack %v already exists", h)
		err = nil
	}
	if err != nil {
		return packrat.NewBackendError("save", h, err)
	}

	r.idx.StorePack(id, p.Blobs())
	return r.idx.SaveFullIndex(ctx, &internalRepository{r})
}
