package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var _ SnapshotStore = (*KVStore)(nil)

// KVStore persists snapshots in a NATS JetStream key/value bucket.
type KVStore struct {
	kv nats.KeyValue
}

// NewKVStore binds to bucket, creating it when it does not exist yet.
func NewKVStore(js nats.JetStreamContext, bucket string) (*KVStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "socsim engine snapshots",
			History:     1,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("binding snapshot bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func (s *KVStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Put(key, blob); err != nil {
		return fmt.Errorf("putting snapshot %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting snapshot %s: %w", key, err)
	}
	return entry.Value(), true, nil
}
