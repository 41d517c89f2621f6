package repository

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/packrat"
)

// packSaver stores a sealed pack and indexes its blobs.
type packSaver interface {
	savePacker(ctx context.Context, t packrat.BlobType, p *packer) error
}

type sealedPack struct {
	tpe packrat.BlobType
	p   *packer
}

// packerUploader runs one upload worker per backend connection. The queue
// has one slot per worker, so enqueue blocks while all workers are busy.
type packerUploader struct {
	queue chan sealedPack
}

func newPackerUploader(ctx context.Context, wg *errgroup.Group, saver packSaver, connections uint) *packerUploader {
	workers := max(connections, 1)
	pu := &packerUploader{queue: make(chan sealedPack, workers)}

	for range workers {
		wg.Go(func() error {
			return pu.work(ctx, saver)
		})
	}
	return pu
}

func (pu *packerUploader) work(ctx context.Context, saver packSaver) error {
	for {
		var sp sealedPack
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sp, ok = <-pu.queue:
		}
		if !ok {
			return nil
		}
		if err := saver.savePacker(ctx, sp.tpe, sp.p); err != nil {
			return err
		}
	}
}

func (pu *packerUploader) enqueue(ctx context.Context, t packrat.BlobType, p *packer) error {
	select {
	case pu.queue <- sealedPack{tpe: t, p: p}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown lets the workers exit once the queue is empty.
func (pu *packerUploader) shutdown() {
	close(pu.queue)
}

// drain returns the packers no worker picked up. Only valid after
// shutdown.
func (pu *packerUploader) drain() []*packer {
	var left []*packer
	for sp := range pu.queue {
		left = append(left, sp.p)
	}
	return left
}
