package packrat

import (
	"context"
)

// Lister lists the ids and sizes of all objects of a type.
type Lister interface {
	List(ctx context.Context, t FileType, fn func(ID, int64) error) error
}

// LoaderUnpacked loads objects stored outside of packs.
type LoaderUnpacked interface {
	Connections() uint
	LoadUnpacked(ctx context.Context, t FileType, id ID) (data []byte, err error)
}

// SaverUnpacked stores objects outside of packs and returns their id.
type SaverUnpacked interface {
	SaveUnpacked(ctx context.Context, t FileType, buf []byte) (ID, error)
}

// RemoverUnpacked removes objects stored outside of packs.
type RemoverUnpacked interface {
	Connections() uint
	RemoveUnpacked(ctx context.Context, t FileType, id ID) error
}

// BlobLoader loads the plaintext of a blob.
type BlobLoader interface {
	LoadBlob(ctx context.Context, t BlobType, id ID, buf []byte) ([]byte, error)
}

// BlobSaver stores a blob. If id is null, it is computed from buf. known
// reports whether the blob was already stored, in which case nothing is
// written unless storeDuplicate is set.
type BlobSaver interface {
	SaveBlob(ctx context.Context, t BlobType, buf []byte, id ID, storeDuplicate bool) (newID ID, known bool, size int, err error)
}

// Loader is everything needed to read snapshots and their trees.
type Loader interface {
	LoaderUnpacked
	Lister
	BlobLoader
}

// BlobStore is the consumer interface of a repository: storing and
// retrieving content addressed blobs.
type BlobStore interface {
	// PutBlob stores buf unless a blob with the same content exists and
	// returns its id.
	PutBlob(ctx context.Context, t BlobType, buf []byte) (ID, error)

	// GetBlob returns the plaintext of a blob. It fails with ErrNotFound
	// for unknown blobs and with an authentication or corrupt data error
	// if the stored blob is damaged.
	GetBlob(ctx context.Context, t BlobType, id ID) ([]byte, error)

	// ListReachable returns all blobs referenced by the given snapshots.
	ListReachable(ctx context.Context, snapshots IDs) (BlobSet, error)
}

// ListerLoaderUnpacked lists and loads objects stored outside of packs.
type ListerLoaderUnpacked interface {
	Lister
	LoaderUnpacked
}

// SaverRemoverUnpacked stores and removes objects stored outside of packs.
type SaverRemoverUnpacked interface {
	SaverUnpacked
	RemoverUnpacked
}

// Unpacked is full access to objects stored outside of packs.
type Unpacked interface {
	ListerLoaderUnpacked
	SaverUnpacked
	RemoverUnpacked
}
