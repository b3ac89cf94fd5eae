package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

const pluginsNamespace = "plugins"

// PluginHash returns the content identifier of a plugin blob: a CIDv1 string
// over a raw sha2-256 multihash.
func PluginHash(blob []byte) (string, error) {
	sum, err := multihash.Sum(blob, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyPluginHash reports whether hash identifies blob.
func VerifyPluginHash(hash string, blob []byte) bool {
	want, err := cid.Decode(hash)
	if err != nil {
		return false
	}
	got, err := PluginHash(blob)
	if err != nil {
		return false
	}
	return want.String() == got
}

// PluginStore is a content-addressed store of plugin blobs.
type PluginStore struct {
	store Store
}

func NewPluginStore(s Store) *PluginStore {
	return &PluginStore{store: s.Sub(pluginsNamespace)}
}

// Add stores blob and returns its hash. Adding the same blob twice is a no-op.
func (p *PluginStore) Add(ctx context.Context, blob []byte) (string, error) {
	hash, err := PluginHash(blob)
	if err != nil {
		return "", err
	}
	return hash, p.store.Put(ctx, hash, blob)
}

// Get returns the blob for hash, or nil, nil when it is not cached.
func (p *PluginStore) Get(ctx context.Context, hash string) ([]byte, error) {
	b, err := p.store.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// List returns every stored plugin hash in order.
func (p *PluginStore) List(ctx context.Context) ([]string, error) {
	var hashes []string
	err := p.store.Iterate(ctx, func(key string, _ []byte) error {
		hashes = append(hashes, key)
		return nil
	})
	return hashes, err
}

func (p *PluginStore) Delete(ctx context.Context, hash string) error {
	return p.store.Delete(ctx, hash)
}
