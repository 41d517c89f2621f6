package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/bloblru"
	"github.com/packrat/packrat/internal/chunker"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	"github.com/packrat/packrat/internal/repository/pack"
	"github.com/packrat/packrat/internal/ui/progress"
)

const MinPackSize = 4 * 1024 * 1024
const DefaultPackSize = 16 * 1024 * 1024
const MaxPackSize = 128 * 1024 * 1024

var (
	// ErrRepositoryNotFound is returned by Open for a backend without a config.
	ErrRepositoryNotFound = errors.NewKind(errors.KindNotFound, "repository not found")

	// ErrCorruptMetadata is returned by Open if the config or a key file cannot
	// be decoded.
	ErrCorruptMetadata = errors.NewKind(errors.KindCorruptData, "repository metadata is corrupt")
)

// Repository is used to access a repository in a backend.
type Repository struct {
	be    backend.Backend
	cfg   packrat.Config
	key   *crypto.Key
	keyID packrat.ID
	idx   *index.MasterIndex

	opts Options

	packerCount    int
	packerWg       *errgroup.Group
	uploader       *packerUploader
	uploaderClosed bool
	treePM         *packerManager
	dataPM         *packerManager

	blobCache *bloblru.Cache

	allocEnc sync.Once
	allocDec sync.Once
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// internalRepository allows using SaveUnpacked and RemoveUnpacked with all
// file types.
type internalRepository struct {
	*Repository
}

// Options are the session settings of a repository.
type Options struct {
	Compression   CompressionMode
	PackSize      uint
	NoExtraVerify bool
}

// CompressionMode configures if data should be compressed.
type CompressionMode uint

// Constants for the different compression levels.
const (
	CompressionAuto    CompressionMode = 0
	CompressionOff     CompressionMode = 1
	CompressionMax     CompressionMode = 2
	CompressionInvalid CompressionMode = 3
)

// Set implements the method needed for pflag command flag parsing.
func (c *CompressionMode) Set(s string) error {
	switch s {
	case "auto":
		*c = CompressionAuto
	case "off":
		*c = CompressionOff
	case "max":
		*c = CompressionMax
	default:
		*c = CompressionInvalid
		return fmt.Errorf("invalid compression mode %q, must be one of (auto|off|max)", s)
	}

	return nil
}

func (c *CompressionMode) String() string {
	switch *c {
	case CompressionAuto:
		return "auto"
	case CompressionOff:
		return "off"
	case CompressionMax:
		return "max"
	default:
		return "invalid"
	}
}

func (c *CompressionMode) Type() string {
	return "mode"
}

// blobCacheSize is the memory used for decrypted tree blobs.
const blobCacheSize = 64 << 20

// New returns a new repository with backend be.
func New(be backend.Backend, opts Options) (*Repository, error) {
	if opts.Compression == CompressionInvalid {
		return nil, errors.New("invalid compression mode")
	}

	if opts.PackSize == 0 {
		opts.PackSize = DefaultPackSize
	}
	if opts.PackSize > MaxPackSize {
		return nil, fmt.Errorf("pack size larger than limit of %v MiB", MaxPackSize/1024/1024)
	} else if opts.PackSize < MinPackSize {
		return nil, fmt.Errorf("pack size smaller than minimum of %v MiB", MinPackSize/1024/1024)
	}

	repo := &Repository{
		be:          be,
		opts:        opts,
		idx:         index.NewMasterIndex(),
		blobCache:   bloblru.New(blobCacheSize),
		packerCount: defaultPackerCount,
	}

	return repo, nil
}

// Open unlocks the repository stored in be with password and returns it.
// It fails with ErrRepositoryNotFound if be holds no repository,
// ErrNoKeyFound if no key matches the password and ErrCorruptMetadata if
// the config or the keys cannot be decoded. The index is not loaded.
func Open(ctx context.Context, be backend.Backend, password string, opts Options) (*Repository, error) {
	repo, err := New(be, opts)
	if err != nil {
		return nil, err
	}

	if err := repo.SearchKey(ctx, password, 0, ""); err != nil {
		return nil, err
	}
	return repo, nil
}

// setConfig assigns the given config and updates the repository parameters accordingly
func (r *Repository) setConfig(cfg packrat.Config) {
	r.cfg = cfg
}

// Config returns the repository configuration.
func (r *Repository) Config() packrat.Config {
	return r.cfg
}

// packSize return the target size of a pack file when uploading
func (r *Repository) packSize() uint {
	return r.opts.PackSize
}

// Connections returns the maximum number of concurrent backend operations.
func (r *Repository) Connections() uint {
	return r.be.Connections()
}

// LoadUnpacked loads and decrypts the file with the given type and ID.
func (r *Repository) LoadUnpacked(ctx context.Context, t packrat.FileType, id packrat.ID) ([]byte, error) {
	debug.Log("load %v with id %v", t, id)

	if t == packrat.ConfigFile {
		id = packrat.ID{}
	}

	buf, err := r.LoadRaw(ctx, t, id)
	if err != nil {
		return nil, err
	}

	// decrypt in place: the plaintext starts where the ciphertext does
	nonce := r.key.NonceSize()
	plaintext, err := r.key.Decrypt(buf[nonce:nonce], buf)
	if err != nil {
		return nil, fmt.Errorf("decrypting %v %v: %w", t, id.Str(), err)
	}
	return plaintext, nil
}

// LoadRaw reads an unpacked file or a whole pack without decrypting it. The
// content of files named by their hash is verified.
func (r *Repository) LoadRaw(ctx context.Context, t packrat.FileType, id packrat.ID) ([]byte, error) {
	h := backend.Handle{Type: t, Name: id.String()}
	if t == packrat.ConfigFile {
		h.Name = ""
	}

	buf, err := backend.LoadAll(ctx, nil, r.be, h)
	if errors.Is(err, backend.ErrInvalidData) {
		return nil, fmt.Errorf("%w: %v does not match its id", packrat.ErrCorruptData, h)
	}
	if err != nil {
		return nil, packrat.NewBackendError("load", h, err)
	}
	return buf, nil
}

// LoadBlob loads a blob of type t from the repository. It may use all of
// buf[:cap(buf)] as scratch space. Each stored copy of the blob is tried in
// turn until one can be decrypted and matches id.
func (r *Repository) LoadBlob(ctx context.Context, t packrat.BlobType, id packrat.ID, buf []byte) ([]byte, error) {
	debug.Log("load %v with id %v (buf len %v, cap %d)", t, id, len(buf), cap(buf))

	blobs := r.idx.Lookup(packrat.BlobHandle{ID: id, Type: t})
	if len(blobs) == 0 {
		debug.Log("id %v not found in index", id)
		return nil, fmt.Errorf("%w: %v %v", packrat.ErrNotFound, t, id.Str())
	}

	if t != packrat.TreeBlob {
		return r.loadBlob(ctx, blobs, buf)
	}

	cached, err := r.blobCache.GetOrCompute(id, func() ([]byte, error) {
		return r.loadBlob(ctx, blobs, nil)
	})
	if err != nil {
		return nil, err
	}
	return append(buf[:0], cached...), nil
}

func (r *Repository) loadBlob(ctx context.Context, blobs []packrat.PackedBlob, buf []byte) ([]byte, error) {
	var lastError error
	for _, blob := range blobs {
		debug.Log("blob %v found: %v", blob.ID, blob)
		h := backend.Handle{Type: backend.PackFile, Name: blob.PackID.String()}

		switch {
		case cap(buf) < int(blob.Length):
			buf = make([]byte, blob.Length)
		case len(buf) != int(blob.Length):
			buf = buf[:blob.Length]
		}

		_, err := backend.ReadAt(ctx, r.be, h, int64(blob.Offset), buf)
		if err != nil {
			debug.Log("error loading blob %v: %v", blob, err)
			lastError = packrat.NewBackendError("load", h, err)
			continue
		}

		it := newPackBlobIterator(blob.PackID, newByteReader(buf), blob.Offset, []packrat.Blob{blob.Blob}, r.key, r.getZstdDecoder())
		pbv, err := it.Next()
		if err == nil {
			err = pbv.Err
		}
		if err != nil {
			debug.Log("error decoding blob %v: %v", blob, err)
			lastError = err
			continue
		}

		plaintext := pbv.Plaintext
		if len(plaintext) > cap(buf) {
			return plaintext, nil
		}
		buf = buf[:len(plaintext)]
		copy(buf, plaintext)
		return buf, nil
	}

	if lastError != nil {
		return nil, lastError
	}

	return nil, errors.Errorf("loading %v from %v packs failed", blobs[0].BlobHandle, len(blobs))
}

// LookupBlob returns all known locations of a blob, the most recently
// stored one first.
func (r *Repository) LookupBlob(tpe packrat.BlobType, id packrat.ID) []packrat.PackedBlob {
	return r.idx.Lookup(packrat.BlobHandle{Type: tpe, ID: id})
}

// LookupBlobSize returns the size of blob id.
func (r *Repository) LookupBlobSize(tpe packrat.BlobType, id packrat.ID) (uint, bool) {
	return r.idx.LookupSize(packrat.BlobHandle{Type: tpe, ID: id})
}

func (r *Repository) getZstdEncoder() *zstd.Encoder {
	r.allocEnc.Do(func() {
		level := zstd.SpeedDefault
		if r.opts.Compression == CompressionMax {
			level = zstd.SpeedBestCompression
		}

		opts := []zstd.EOption{
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
		}

		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			panic(err)
		}
		r.enc = enc
	})
	return r.enc
}

func (r *Repository) getZstdDecoder() *zstd.Decoder {
	r.allocDec.Do(func() {
		opts := []zstd.DOption{
			// use all available cores
			zstd.WithDecoderConcurrency(0),
			// limit the length of the window, a blob is never larger than a chunk
			zstd.WithDecoderMaxWindow(chunker.MaxSize * 2),
		}

		dec, err := zstd.NewReader(nil, opts...)
		if err != nil {
			panic(err)
		}
		r.dec = dec
	})
	return r.dec
}

// saveAndEncrypt compresses and encrypts data and hands it to a packer.
// The caller must ensure that the id matches the data. Returned is the size
// data occupies in the repo (compressed or not, including encryption
// overhead).
func (r *Repository) saveAndEncrypt(ctx context.Context, t packrat.BlobType, data []byte, id packrat.ID) (size int, err error) {
	debug.Log("save id %v (%v, %d bytes)", id, t, len(data))

	uncompressedLength := 0
	if r.cfg.Version > 1 {
		// only data blobs can skip compression, trees are always compressed
		if r.opts.Compression != CompressionOff || t != packrat.DataBlob {
			uncompressedLength = len(data)
			buf := getBuf()
			defer freeBuf(buf)
			*buf = r.getZstdEncoder().EncodeAll(data, *buf)
			data = *buf
		}
	}

	ciphertext := make([]byte, 0, crypto.CiphertextLength(len(data)))
	ciphertext = r.key.Encrypt(ciphertext, data)

	if err := r.verifyCiphertext(ciphertext, uncompressedLength, id); err != nil {
		return 0, fmt.Errorf("detected data corruption while saving blob %v: %w", id, err)
	}

	var pm *packerManager
	switch t {
	case packrat.TreeBlob:
		pm = r.treePM
	case packrat.DataBlob:
		pm = r.dataPM
	default:
		panic(fmt.Sprintf("invalid type: %v", t))
	}

	return pm.SaveBlob(ctx, t, id, ciphertext, uncompressedLength)
}

// verifyCiphertext decrypts a freshly encrypted blob to catch corruption in
// memory before it is stored.
func (r *Repository) verifyCiphertext(buf []byte, uncompressedLength int, id packrat.ID) error {
	if r.opts.NoExtraVerify {
		return nil
	}
	plaintext, err := r.key.Decrypt(nil, buf)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	if uncompressedLength != 0 {
		plaintext, err = r.getZstdDecoder().DecodeAll(plaintext, make([]byte, 0, uncompressedLength))
		if err != nil {
			return fmt.Errorf("decompression failed: %w", err)
		}
	}
	if packrat.Hash(plaintext) != id {
		return errors.New("hash mismatch")
	}

	return nil
}

// SaveUnpacked encrypts data and stores it in the backend. Returned is the
// storage hash. Packs and index files cannot be written this way.
func (r *Repository) SaveUnpacked(ctx context.Context, t packrat.FileType, buf []byte) (id packrat.ID, err error) {
	if t == packrat.PackFile || t == packrat.IndexFile {
		return packrat.ID{}, errors.Errorf("cannot save %v as unpacked file", t)
	}
	return r.saveUnpacked(ctx, t, buf)
}

func (r *internalRepository) SaveUnpacked(ctx context.Context, t packrat.FileType, buf []byte) (id packrat.ID, err error) {
	return r.Repository.saveUnpacked(ctx, t, buf)
}

func (r *Repository) saveUnpacked(ctx context.Context, t packrat.FileType, p []byte) (id packrat.ID, err error) {
	ciphertext := make([]byte, 0, crypto.CiphertextLength(len(p)))
	ciphertext = r.key.Encrypt(ciphertext, p)

	if err := r.verifyUnpacked(ciphertext, p); err != nil {
		return packrat.ID{}, fmt.Errorf("detected data corruption while saving %v file: %w", t, err)
	}

	if t == packrat.ConfigFile {
		id = packrat.ID{}
	} else {
		id = packrat.Hash(ciphertext)
	}
	h := backend.Handle{Type: t, Name: id.String()}
	if t == packrat.ConfigFile {
		h.Name = ""
	}

	err = r.be.Save(ctx, h, backend.NewByteReader(ciphertext, r.be.Hasher()))
	if t != packrat.ConfigFile && backend.IsAlreadyExists(err) {
		// the name is the hash of the content, the stored file is identical
		debug.Log("%v already exists", h)
		err = nil
	}
	if err != nil {
		debug.Log("error saving blob %v: %v", h, err)
		return packrat.ID{}, packrat.NewBackendError("save", h, err)
	}

	debug.Log("blob %v saved", h)
	return id, nil
}

func (r *Repository) verifyUnpacked(buf []byte, expected []byte) error {
	if r.opts.NoExtraVerify {
		return nil
	}

	plaintext, err := r.key.Decrypt(nil, buf)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	if !bytes.Equal(plaintext, expected) {
		return errors.New("data mismatch")
	}
	return nil
}

// RemoveUnpacked deletes a snapshot or key file.
func (r *Repository) RemoveUnpacked(ctx context.Context, t packrat.FileType, id packrat.ID) error {
	if t == packrat.PackFile || t == packrat.IndexFile {
		return errors.Errorf("cannot remove %v with RemoveUnpacked", t)
	}
	return r.removeUnpacked(ctx, t, id)
}

func (r *internalRepository) RemoveUnpacked(ctx context.Context, t packrat.FileType, id packrat.ID) error {
	return r.Repository.removeUnpacked(ctx, t, id)
}

func (r *Repository) removeUnpacked(ctx context.Context, t packrat.FileType, id packrat.ID) error {
	h := backend.Handle{Type: t, Name: id.String()}
	return packrat.NewBackendError("remove", h, r.be.Remove(ctx, h))
}

// Flush saves all remaining packs and the index
func (r *Repository) Flush(ctx context.Context) error {
	if err := r.flushPacks(ctx); err != nil {
		return err
	}

	return r.idx.SaveIndex(ctx, &internalRepository{r})
}

// StartPackUploader starts the upload workers in wg. SaveBlob must only be
// called while the uploader is running, Flush stops it.
func (r *Repository) StartPackUploader(ctx context.Context, wg *errgroup.Group) {
	if r.packerWg != nil {
		panic("uploader already started")
	}

	innerWg, ctx := errgroup.WithContext(ctx)
	r.packerWg = innerWg
	r.uploaderClosed = false
	r.uploader = newPackerUploader(ctx, innerWg, r, r.be.Connections())
	r.treePM = newPackerManager(r.key, r.be.Hasher, packrat.TreeBlob, r.packSize(), r.packerCount, r.uploader.enqueue)
	r.dataPM = newPackerManager(r.key, r.be.Hasher, packrat.DataBlob, r.packSize(), r.packerCount, r.uploader.enqueue)

	wg.Go(func() error {
		return innerWg.Wait()
	})
}

// WithBlobUploader runs fn with a running pack uploader and flushes the
// repository afterwards. If fn or an upload fails, blobs which have not
// been stored are forgotten and the error is returned.
func (r *Repository) WithBlobUploader(ctx context.Context, fn func(ctx context.Context, uploader packrat.BlobSaver) error) error {
	wg, ctx := errgroup.WithContext(ctx)
	r.StartPackUploader(ctx, wg)
	wg.Go(func() error {
		if err := fn(ctx, r); err != nil {
			return err
		}
		if err := r.Flush(ctx); err != nil {
			return fmt.Errorf("error flushing repository: %w", err)
		}
		return nil
	})

	err := wg.Wait()
	if err != nil {
		r.abortPackUploader()
	}
	return err
}

// flushPacks saves all remaining packs.
func (r *Repository) flushPacks(ctx context.Context) error {
	if r.packerWg == nil {
		return nil
	}

	err := r.treePM.Flush(ctx)
	if err == nil {
		err = r.dataPM.Flush(ctx)
	}
	if err != nil {
		r.abortPackUploader()
		return err
	}

	r.uploader.shutdown()
	r.uploaderClosed = true
	err = r.packerWg.Wait()
	if err != nil {
		r.abortPackUploader()
		return err
	}

	r.resetPackUploader()
	return nil
}

// abortPackUploader stops the upload workers and drops all packs that have
// not been stored, together with the reservations of their blobs.
func (r *Repository) abortPackUploader() {
	if r.packerWg == nil {
		return
	}

	if !r.uploaderClosed {
		r.uploader.shutdown()
		r.uploaderClosed = true
	}
	_ = r.packerWg.Wait()

	var bhs []packrat.BlobHandle
	for _, p := range r.uploader.drain() {
		bhs = append(bhs, p.handles()...)
		if err := p.close(); err != nil {
			debug.Log("discarding queued packer: %v", err)
		}
	}
	bhs = append(bhs, r.treePM.Discard()...)
	bhs = append(bhs, r.dataPM.Discard()...)
	debug.Log("dropping %d blobs of packs which were not stored", len(bhs))
	r.idx.ClearPending(bhs...)

	r.resetPackUploader()
}

func (r *Repository) resetPackUploader() {
	r.treePM = nil
	r.dataPM = nil
	r.uploader = nil
	r.packerWg = nil
}

// Backend returns the backend for the repository.
func (r *Repository) Backend() backend.Backend {
	return r.be
}

// Index returns the currently used MasterIndex.
func (r *Repository) Index() *index.MasterIndex {
	return r.idx
}

// SetIndex instructs the repository to use the given index.
func (r *Repository) SetIndex(i *index.MasterIndex) {
	r.idx = i
}

// ListBlobs runs fn on all blobs known to the index.
func (r *Repository) ListBlobs(ctx context.Context, fn func(packrat.PackedBlob)) error {
	return r.idx.Each(ctx, fn)
}

// ListPacksFromIndex returns the blobs of the given packs as stored in the
// index, sorted by offset.
func (r *Repository) ListPacksFromIndex(ctx context.Context, packs packrat.IDSet) <-chan packrat.PackBlobs {
	return r.idx.ListPacks(ctx, packs)
}

// LoadIndex loads all index files from the backend in parallel and stores
// them in the master index. If there is no index at all, or an index file
// is corrupt, the missing part is rebuilt in memory from the headers of the
// packs no loaded index refers to. The rebuilt part is not written to the
// repository, RepairIndex does that.
func (r *Repository) LoadIndex(ctx context.Context, p *progress.Counter) error {
	debug.Log("Loading index")

	r.idx = index.NewMasterIndex()

	var corrupt packrat.IDs
	count := 0
	err := r.idx.Load(ctx, r, func(id packrat.ID, idx *index.Index, _ bool, err error) error {
		if err != nil {
			if errors.Is(err, packrat.ErrCorruptData) || errors.IsKind(err, errors.KindCrypto) {
				debug.Log("index %v is corrupt: %v", id.Str(), err)
				corrupt = append(corrupt, id)
				return nil
			}
			return err
		}
		count++
		p.Add(1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}

	if count == 0 || len(corrupt) > 0 {
		debug.Log("%d index files loaded, %d corrupt, rebuilding the rest from packs", count, len(corrupt))
		if err := r.rebuildMissingIndex(ctx); err != nil {
			return err
		}
	}

	if r.cfg.Version < 2 {
		// sanity check
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		invalidIndex := false
		err := r.idx.Each(ctx, func(blob packrat.PackedBlob) {
			if blob.IsCompressed() {
				invalidIndex = true
				cancel()
			}
		})
		if err != nil && !invalidIndex {
			return err
		}
		if invalidIndex {
			return errors.New("index uses feature not supported by repository version 1")
		}
	}

	return ctx.Err()
}

// rebuildMissingIndex reads the headers of all packs the master index does
// not know and adds them to a new, unsaved index.
func (r *Repository) rebuildMissingIndex(ctx context.Context) error {
	known := r.idx.Packs(packrat.NewIDSet())
	packsize := make(map[packrat.ID]int64)
	err := r.List(ctx, packrat.PackFile, func(id packrat.ID, size int64) error {
		if !known.Has(id) {
			packsize[id] = size
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(packsize) == 0 {
		return nil
	}

	invalid, err := r.createIndexFromPacks(ctx, packsize, nil)
	if err != nil {
		return err
	}
	for _, id := range invalid {
		debug.Log("pack %v has an unreadable header, ignored", id.Str())
	}
	return nil
}

// createIndexFromPacks creates a new index by reading all given pack files
// (with sizes). The index is added to the MasterIndex but not marked as
// finalized. Returned is the list of pack files which could not be read.
func (r *Repository) createIndexFromPacks(ctx context.Context, packsize map[packrat.ID]int64, p *progress.Counter) (invalid packrat.IDs, err error) {
	var m sync.Mutex

	debug.Log("Loading index from pack files")

	wg, wgCtx := errgroup.WithContext(ctx)

	type FileInfo struct {
		packrat.ID
		Size int64
	}
	ch := make(chan FileInfo)

	wg.Go(func() error {
		defer close(ch)
		for id, size := range packsize {
			select {
			case <-wgCtx.Done():
				return wgCtx.Err()
			case ch <- FileInfo{id, size}:
			}
		}
		return nil
	})

	idx := index.NewIndex()
	worker := func(ctx context.Context) error {
		for fi := range ch {
			entries, _, err := r.ListPack(ctx, fi.ID, fi.Size)
			if err != nil {
				debug.Log("unable to list pack file %v: %v", fi.ID.Str(), err)
				m.Lock()
				invalid = append(invalid, fi.ID)
				m.Unlock()
				if !errors.Is(err, packrat.ErrCorruptData) && !errors.IsKind(err, errors.KindNotFound) {
					return err
				}
				p.Add(1)
				continue
			}
			idx.StorePack(fi.ID, entries)
			p.Add(1)
		}

		return nil
	}

	wg.Go(func() error {
		return RunWorkers(wgCtx, int(r.Connections()), worker, nil)
	})

	err = wg.Wait()
	if err != nil {
		return invalid, err
	}

	r.idx.Insert(idx)
	return invalid, nil
}

// SearchKey finds a key with the supplied password, afterwards the config is
// read and parsed. It tries at most maxKeys key files in the repo.
func (r *Repository) SearchKey(ctx context.Context, password string, maxKeys int, keyHint string) error {
	_, err := r.be.Stat(ctx, backend.Handle{Type: backend.ConfigFile})
	if err != nil {
		if r.be.IsNotExist(err) {
			return ErrRepositoryNotFound
		}
		return packrat.NewBackendError("stat", backend.Handle{Type: backend.ConfigFile}, err)
	}

	key, err := SearchKey(ctx, r, password, maxKeys, keyHint)
	if err != nil {
		return err
	}

	oldKey := r.key
	oldKeyID := r.keyID

	r.key = key.master
	r.keyID = key.ID()
	cfg, err := packrat.LoadConfig(ctx, r)
	if err != nil {
		r.key = oldKey
		r.keyID = oldKeyID

		if errors.IsKind(err, errors.KindCrypto) || errors.Is(err, packrat.ErrCorruptData) {
			return errors.Join(ErrCorruptMetadata, err)
		}
		return fmt.Errorf("config cannot be loaded: %w", err)
	}

	r.setConfig(cfg)
	return nil
}

// Init creates a new master key with the supplied password, initializes and
// saves the repository config.
func (r *Repository) Init(ctx context.Context, version uint, password string, chunkerPolynomial *chunker.Pol) error {
	if version > packrat.MaxRepoVersion {
		return fmt.Errorf("repository version %v too high", version)
	}

	if version < packrat.MinRepoVersion {
		return fmt.Errorf("repository version %v too low", version)
	}

	_, err := r.be.Stat(ctx, backend.Handle{Type: backend.ConfigFile})
	if err != nil && !r.be.IsNotExist(err) {
		return err
	} else if err == nil {
		return errors.New("repository master key and config already initialized")
	}

	// double check to make sure that a repository is not accidentally reinitialized
	// if the backend somehow fails to stat the config file
	err = r.List(ctx, packrat.KeyFile, func(_ packrat.ID, _ int64) error {
		return errors.New("repository already contains keys")
	})
	if err != nil {
		return err
	}

	cfg, err := packrat.CreateConfig(version)
	if err != nil {
		return err
	}
	if chunkerPolynomial != nil {
		cfg.ChunkerPolynomial = *chunkerPolynomial
	}

	return r.init(ctx, password, cfg)
}

// init creates a new master key with the supplied password and uses it to save
// the config into the repo.
func (r *Repository) init(ctx context.Context, password string, cfg packrat.Config) error {
	key, err := createMasterKey(ctx, r, password)
	if err != nil {
		return err
	}

	r.key = key.master
	r.keyID = key.ID()
	r.setConfig(cfg)
	return packrat.SaveConfig(ctx, &internalRepository{r}, cfg)
}

// Key returns the current master key.
func (r *Repository) Key() *crypto.Key {
	return r.key
}

// KeyID returns the id of the current key in the backend.
func (r *Repository) KeyID() packrat.ID {
	return r.keyID
}

// List runs fn for all files of type t in the repo.
func (r *Repository) List(ctx context.Context, t packrat.FileType, fn func(packrat.ID, int64) error) error {
	return r.be.List(ctx, t, func(fi backend.FileInfo) error {
		id, err := packrat.ParseID(fi.Name)
		if err != nil {
			debug.Log("unable to parse %v as an ID", fi.Name)
			return nil
		}
		return fn(id, fi.Size)
	})
}

// ListPack returns the list of blobs saved in the pack id and the length of
// the pack header.
func (r *Repository) ListPack(ctx context.Context, id packrat.ID, size int64) ([]packrat.Blob, uint32, error) {
	h := backend.Handle{Type: backend.PackFile, Name: id.String()}

	entries, hdrSize, err := pack.List(r.Key(), backend.ReaderAt(ctx, r.be, h), size)
	if err != nil {
		if errors.Is(err, packrat.ErrCorruptData) {
			return nil, 0, err
		}
		return nil, 0, packrat.NewBackendError("load", h, err)
	}
	return entries, hdrSize, nil
}

// Delete calls backend.Delete() if implemented, and returns an error
// otherwise.
func (r *Repository) Delete(ctx context.Context) error {
	return r.be.Delete(ctx)
}

// Close closes the repository by closing the backend.
func (r *Repository) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.be.Close()
}

// SaveBlob saves a blob of type t into the repository.
// It takes care that no duplicates are saved; this can be overwritten
// by setting storeDuplicate to true.
// If id is the null id, it will be computed and returned.
// Also returns if the blob was already known before.
// If the blob was not known before, it returns the number of bytes the blob
// occupies in the repo (compressed or not, including encryption overhead).
func (r *Repository) SaveBlob(ctx context.Context, t packrat.BlobType, buf []byte, id packrat.ID, storeDuplicate bool) (newID packrat.ID, known bool, size int, err error) {
	if int64(len(buf)) > int64(^uint32(0))-crypto.Extension {
		return packrat.ID{}, false, 0, fmt.Errorf("blob is larger than 4GB")
	}

	if r.packerWg == nil {
		return packrat.ID{}, false, 0, errors.New("pack uploader is not running, use WithBlobUploader")
	}

	if err := ctx.Err(); err != nil {
		return packrat.ID{}, false, 0, err
	}

	// compute plaintext hash if not already set
	if id.IsNull() {
		newID = packrat.Hash(buf)
	} else {
		newID = id
	}

	bh := packrat.BlobHandle{ID: newID, Type: t}

	// the first caller reserving the handle stores the blob, all others
	// only learn that it is known
	known = !r.idx.AddPending(bh)

	if !known || storeDuplicate {
		size, err = r.saveAndEncrypt(ctx, t, buf, newID)
		if err != nil && !known {
			r.idx.ClearPending(bh)
		}
	}

	return newID, known, size, err
}

// PutBlob stores buf unless a blob with the same content exists and returns
// its id. The pack uploader must be running.
func (r *Repository) PutBlob(ctx context.Context, t packrat.BlobType, buf []byte) (packrat.ID, error) {
	id, _, _, err := r.SaveBlob(ctx, t, buf, packrat.ID{}, false)
	return id, err
}

// GetBlob returns the plaintext of a blob.
func (r *Repository) GetBlob(ctx context.Context, t packrat.BlobType, id packrat.ID) ([]byte, error) {
	return r.LoadBlob(ctx, t, id, nil)
}

// ListReachable returns all blobs referenced by the given snapshots.
func (r *Repository) ListReachable(ctx context.Context, snapshots packrat.IDs) (packrat.BlobSet, error) {
	var trees packrat.IDs
	for _, id := range snapshots {
		sn, err := data.LoadSnapshot(ctx, r, id)
		if err != nil {
			return packrat.BlobSet{}, err
		}
		if sn.Tree == nil {
			return packrat.BlobSet{}, fmt.Errorf("snapshot %v has no tree: %w", id.Str(), ErrCorruptMetadata)
		}
		trees = append(trees, *sn.Tree)
	}

	used := packrat.NewBlobSet()
	err := data.FindUsedBlobs(ctx, r, trees, used, nil)
	if err != nil {
		return packrat.BlobSet{}, err
	}
	return used, nil
}

type backendLoadFn func(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error

// Skip sections with more than 1MB unused blobs
const maxUnusedRange = 1 * 1024 * 1024

// LoadBlobsFromPack loads the listed blobs from the specified pack file. The
// plaintext blob is passed to handleBlobFn, together with the error if a blob
// could not be decrypted or does not match its id. If handleBlobFn returns
// an error, processing is aborted.
func (r *Repository) LoadBlobsFromPack(ctx context.Context, packID packrat.ID, blobs []packrat.Blob, handleBlobFn func(blob packrat.BlobHandle, buf []byte, err error) error) error {
	return streamPack(ctx, r.be.Load, r.key, packID, blobs, handleBlobFn, r.getZstdDecoder())
}

var _ packrat.BlobStore = &Repository{}
var _ packrat.Loader = &Repository{}
var _ packrat.BlobSaver = &Repository{}
var _ packrat.Unpacked = &internalRepository{}
