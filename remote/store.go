package remote

import (
	"context"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/manifest"
)

var _ manifest.Fetcher = &StoreFetcher{}

// StoreFetcher is a manifest.Fetcher reading directly from another repository's stores,
// such as a shared bucket or a local mirror.
type StoreFetcher struct {
	canon *canonical.Store
	log   *manifest.Log
}

// NewStoreFetcher produces a StoreFetcher over the repository in canon.
func NewStoreFetcher(canon *canonical.Store) *StoreFetcher {
	return &StoreFetcher{
		canon: canon,
		log:   manifest.NewLog(canon.Meta(), nil),
	}
}

// FetchManifest implements manifest.Fetcher.
func (f *StoreFetcher) FetchManifest(ctx context.Context, db, etag string) ([]byte, string, error) {
	head, err := f.log.Head(ctx, db)
	if err != nil {
		return nil, "", err
	}
	if etag != "" && etag == head.ETag {
		return nil, "", seqvault.ErrNotModified
	}
	b, err := head.Marshal()
	return b, head.ETag, err
}

// FetchChunk implements manifest.Fetcher.
func (f *StoreFetcher) FetchChunk(ctx context.Context, ref seqvault.Ref) ([]byte, error) {
	b, err := f.canon.Meta().Get(ctx, ref)
	return b, seqvault.StorageErr("get chunk", ref, err)
}

// FetchSequence implements manifest.Fetcher.
func (f *StoreFetcher) FetchSequence(ctx context.Context, ref seqvault.Ref) ([]byte, error) {
	return f.canon.Get(ctx, ref)
}
