// Package blob stores snapshots in object storage through gocloud.dev/blob.
// Any bucket URL gocloud supports can be used (mem://, file://, s3://, gs://,
// azblob://); the mem and file drivers are registered by this package.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/plaenen/eventengine/pkg/store"
)

const defaultPrefix = "snapshots/"

// SnapshotStore writes one object per snapshot under
// <prefix><aggregateID>/<zero padded version>.json. Older snapshots are kept.
type SnapshotStore struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)

// Option configures a SnapshotStore.
type Option func(*SnapshotStore)

// WithPrefix sets the key prefix, default "snapshots/".
func WithPrefix(prefix string) Option {
	return func(s *SnapshotStore) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		s.prefix = prefix
	}
}

// NewSnapshotStore wraps an open bucket. The caller keeps ownership.
func NewSnapshotStore(bucket *blob.Bucket, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{bucket: bucket, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSnapshotStore opens the bucket at url. Close releases it.
func OpenSnapshotStore(ctx context.Context, url string, opts ...Option) (*SnapshotStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open snapshot bucket %s: %w", url, err)
	}
	s := NewSnapshotStore(bucket, opts...)
	s.owned = true
	return s, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := s.key(snap.AggregateID, snap.Version)
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	latest := ""
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + aggregateID + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots of %s: %w", aggregateID, err)
		}
		// Zero padded versions sort lexicographically.
		if !obj.IsDir && obj.Key > latest {
			latest = obj.Key
		}
	}
	if latest == "" {
		return nil, store.ErrSnapshotNotFound
	}

	data, err := s.bucket.ReadAll(ctx, latest)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", latest, err)
	}

	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", latest, err)
	}
	return &snap, nil
}

// Close releases the bucket if the store opened it.
func (s *SnapshotStore) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

func (s *SnapshotStore) key(aggregateID string, version uint64) string {
	return fmt.Sprintf("%s%s/%020d.json", s.prefix, aggregateID, version)
}
