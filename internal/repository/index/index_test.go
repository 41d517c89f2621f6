package index_test

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	rtest "github.com/packrat/packrat/internal/test"
)

func randomPack(r *rand.Rand, blobs int) (packrat.ID, []packrat.Blob) {
	var packID packrat.ID
	r.Read(packID[:])

	var offset uint
	list := make([]packrat.Blob, 0, blobs)
	for i := 0; i < blobs; i++ {
		var id packrat.ID
		r.Read(id[:])

		b := packrat.Blob{
			BlobHandle: packrat.BlobHandle{ID: id, Type: packrat.DataBlob},
			Offset:     offset,
			Length:     uint(crypto.CiphertextLength(100 + r.Intn(1000))),
		}
		if i%3 == 0 {
			b.Type = packrat.TreeBlob
		}
		if i%2 == 0 {
			b.UncompressedLength = 2 * b.Length
		}
		offset += b.Length
		list = append(list, b)
	}
	return packID, list
}

func TestIndexSerialize(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	idx := index.NewIndex()

	type entry struct {
		pack packrat.ID
		blob packrat.Blob
	}
	var tests []entry

	for i := 0; i < 20; i++ {
		packID, blobs := randomPack(r, 10)
		idx.StorePack(packID, blobs)
		for _, b := range blobs {
			tests = append(tests, entry{packID, b})
		}
	}

	wr := bytes.NewBuffer(nil)
	rtest.OK(t, idx.Encode(wr))

	id := packrat.Hash(wr.Bytes())
	idx2, oldFormat, err := index.DecodeIndex(wr.Bytes(), id)
	rtest.OK(t, err)
	rtest.Assert(t, !oldFormat, "new index format recognized as old format")
	rtest.Assert(t, idx2.Final(), "decoded index is not final")

	ids, err := idx2.IDs()
	rtest.OK(t, err)
	rtest.Equals(t, packrat.IDs{id}, ids)

	for _, test := range tests {
		list := idx2.Lookup(test.blob.BlobHandle, nil)
		rtest.Equals(t, 1, len(list))
		rtest.Equals(t, packrat.PackedBlob{Blob: test.blob, PackID: test.pack}, list[0])

		size, found := idx2.LookupSize(test.blob.BlobHandle)
		rtest.Assert(t, found, "blob %v not found", test.blob)
		rtest.Equals(t, test.blob.DataLength(), size)
	}

	rtest.Equals(t, idx.Packs(), idx2.Packs())
	rtest.Equals(t, idx.Len(packrat.DataBlob), idx2.Len(packrat.DataBlob))
	rtest.Equals(t, idx.Len(packrat.TreeBlob), idx2.Len(packrat.TreeBlob))
}

func TestIndexSize(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	idx := index.NewIndex()

	const packs, blobs = 100, 30
	for i := 0; i < packs; i++ {
		packID, list := randomPack(r, blobs)
		idx.StorePack(packID, list)
	}

	wr := bytes.NewBuffer(nil)
	rtest.OK(t, idx.Encode(wr))

	t.Logf("index with %d packs and %d blobs uses %d bytes", packs, packs*blobs, wr.Len())
	rtest.Equals(t, uint(packs*blobs), idx.Len(packrat.DataBlob)+idx.Len(packrat.TreeBlob))
}

var docExampleV1 = []byte(`
{
  "supersedes": [
	"ed54ae36197f4745ebc4b54d10e0f623eaaaedd03013eb7ae90df881b7781452"
  ],
  "packs": [
	{
	  "id": "73d04e6125cf3c28a299cc2f3cca3b78ceac396e4fcf9575e34536b26782413c",
	  "blobs": [
		{
		  "id": "3ec79977ef0cf5de7b08cd12b874cd0f62bbaf7f07f3497a5b1bbcc8cb39b1ce",
		  "type": "data",
		  "offset": 0,
		  "length": 38
		},
		{
		  "id": "9ccb846e60d90d4eb915848add7aa7ea1e4bbabfc60e573db9f7bfb2789afbae",
		  "type": "tree",
		  "offset": 38,
		  "length": 112
		},
		{
		  "id": "d3dc577b4ffd38cc4b32122cabf8655a0223ed22edfd93b353dc0c3f2b0fdf66",
		  "type": "data",
		  "offset": 150,
		  "length": 123,
		  "uncompressed_length": 200
		}
	  ]
	}
  ]
}
`)

var docOldExample = []byte(`
[ {
  "id": "73d04e6125cf3c28a299cc2f3cca3b78ceac396e4fcf9575e34536b26782413c",
  "blobs": [
	{
	  "id": "3ec79977ef0cf5de7b08cd12b874cd0f62bbaf7f07f3497a5b1bbcc8cb39b1ce",
	  "type": "data",
	  "offset": 0,
	  "length": 38
	}
  ]
} ]
`)

func TestIndexUnserialize(t *testing.T) {
	id := packrat.NewRandomID()
	idx, oldFormat, err := index.DecodeIndex(docExampleV1, id)
	rtest.OK(t, err)
	rtest.Assert(t, !oldFormat, "new index format recognized as old format")

	packID := packrat.TestParseID(t, "73d04e6125cf3c28a299cc2f3cca3b78ceac396e4fcf9575e34536b26782413c")
	tests := []struct {
		id                 packrat.ID
		tpe                packrat.BlobType
		offset, length     uint
		uncompressedLength uint
	}{
		{packrat.TestParseID(t, "3ec79977ef0cf5de7b08cd12b874cd0f62bbaf7f07f3497a5b1bbcc8cb39b1ce"), packrat.DataBlob, 0, 38, 0},
		{packrat.TestParseID(t, "9ccb846e60d90d4eb915848add7aa7ea1e4bbabfc60e573db9f7bfb2789afbae"), packrat.TreeBlob, 38, 112, 0},
		{packrat.TestParseID(t, "d3dc577b4ffd38cc4b32122cabf8655a0223ed22edfd93b353dc0c3f2b0fdf66"), packrat.DataBlob, 150, 123, 200},
	}

	for _, test := range tests {
		list := idx.Lookup(packrat.BlobHandle{ID: test.id, Type: test.tpe}, nil)
		rtest.Equals(t, 1, len(list))

		blob := list[0]
		rtest.Equals(t, packID, blob.PackID)
		rtest.Equals(t, test.tpe, blob.Type)
		rtest.Equals(t, test.offset, blob.Offset)
		rtest.Equals(t, test.length, blob.Length)
		rtest.Equals(t, test.uncompressedLength, blob.UncompressedLength)
	}

	rtest.Equals(t, packrat.IDs{packrat.TestParseID(t, "ed54ae36197f4745ebc4b54d10e0f623eaaaedd03013eb7ae90df881b7781452")}, idx.Supersedes())
}

func TestIndexUnserializeOld(t *testing.T) {
	idx, oldFormat, err := index.DecodeIndex(docOldExample, packrat.NewRandomID())
	rtest.OK(t, err)
	rtest.Assert(t, oldFormat, "old index format recognized as new format")

	bh := packrat.BlobHandle{
		ID:   packrat.TestParseID(t, "3ec79977ef0cf5de7b08cd12b874cd0f62bbaf7f07f3497a5b1bbcc8cb39b1ce"),
		Type: packrat.DataBlob,
	}
	rtest.Equals(t, 1, len(idx.Lookup(bh, nil)))
	rtest.Equals(t, 0, len(idx.Supersedes()))
}

func TestIndexDecodeCorrupt(t *testing.T) {
	for name, buf := range map[string][]byte{
		"garbage":      []byte("this is not json"),
		"truncated":    docExampleV1[:len(docExampleV1)/2],
		"invalid type": bytes.Replace(docExampleV1, []byte(`"tree"`), []byte(`"foo"`), 1),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := index.DecodeIndex(buf, packrat.NewRandomID())
			rtest.Assert(t, errors.Is(err, packrat.ErrCorruptData), "expected corrupt data error, got %v", err)
			rtest.Equals(t, errors.KindCorruptData, errors.KindOf(err))
		})
	}
}

func TestIndexPacks(t *testing.T) {
	idx := index.NewIndex()
	packs := packrat.NewIDSet()

	for i := 0; i < 20; i++ {
		packID := packrat.NewRandomID()
		idx.StorePack(packID, []packrat.Blob{
			{
				BlobHandle: packrat.NewRandomBlobHandle(),
				Offset:     0,
				Length:     23,
			},
		})

		packs.Insert(packID)
	}

	rtest.Assert(t, packs.Equals(idx.Packs()), "packs in index do not match packs added to index")
}

func TestIndexEachByPack(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	idx := index.NewIndex()

	expected := make(map[packrat.ID][]packrat.Blob)
	for i := 0; i < 10; i++ {
		packID, blobs := randomPack(r, 8)
		idx.StorePack(packID, blobs)
		expected[packID] = blobs
	}

	var exclude packrat.ID
	for id := range expected {
		exclude = id
		break
	}

	seen := make(map[packrat.ID][]packrat.Blob)
	for pbs := range idx.EachByPack(context.TODO(), packrat.NewIDSet(exclude)) {
		seen[pbs.PackID] = pbs.Blobs
	}
	delete(expected, exclude)

	if diff := cmp.Diff(expected, seen); diff != "" {
		t.Errorf("EachByPack returned unexpected packs (-want +got):\n%s", diff)
	}
}

func TestIndexSaveAndFinalize(t *testing.T) {
	repo := packrat.NewMemUnpacked()
	idx := index.NewIndex()
	_, blobs := randomPack(rand.New(rand.NewSource(1)), 3)
	idx.StorePack(packrat.NewRandomID(), blobs)

	_, err := idx.IDs()
	rtest.Assert(t, err != nil, "unfinalized index returned ids")

	rtest.OK(t, idx.AddToSupersedes(packrat.NewRandomID()))
	idx.Finalize()
	rtest.Assert(t, idx.AddToSupersedes(packrat.NewRandomID()) != nil, "final index accepted supersedes")

	id, err := idx.SaveIndex(context.TODO(), repo)
	rtest.OK(t, err)

	ids, err := idx.IDs()
	rtest.OK(t, err)
	rtest.Equals(t, packrat.IDs{id}, ids)

	buf, err := repo.LoadUnpacked(context.TODO(), packrat.IndexFile, id)
	rtest.OK(t, err)
	loaded, _, err := index.DecodeIndex(buf, id)
	rtest.OK(t, err)
	rtest.Equals(t, idx.Packs(), loaded.Packs())
	rtest.Equals(t, idx.Supersedes(), loaded.Supersedes())
}

func TestIndexLookupNewestFirst(t *testing.T) {
	idx := index.NewIndex()
	bh := packrat.NewRandomBlobHandle()

	var packs packrat.IDs
	for i := 0; i < 3; i++ {
		packID := packrat.NewRandomID()
		packs = append(packs, packID)
		idx.StorePack(packID, []packrat.Blob{{BlobHandle: bh, Length: 42, Offset: uint(i)}})
	}

	list := idx.Lookup(bh, nil)
	rtest.Equals(t, 3, len(list))
	for i, pb := range list {
		rtest.Equals(t, packs[len(packs)-1-i], pb.PackID)
	}
}
