package cache

import (
	"errors"

	"github.com/cockroachdb/pebble/v2"

	"github.com/omalloc/originfetch/contrib/log"
)

// Metadata is the row stored in the index for one cache key.
type Metadata struct {
	Key   string
	Size  int64
	MTime int64
}

// index is a pebble-backed key/value store mapping an object id hash to
// its Metadata row, holding the Size/MTime last committed for that key.
// Whether a partial or complete file exists is decided by
// Handle.Partial/Full from the files themselves, not by the row.
type index struct {
	db    *pebble.DB
	codec Codec
}

func openIndex(path string, codec Codec, tuning Tuning) (*index, error) {
	opts := &pebble.Options{}
	if tuning.MemTableSizeMB > 0 {
		opts.MemTableSize = uint64(tuning.MemTableSizeMB) * 1024 * 1024
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &index{db: db, codec: codec}, nil
}

func (x *index) get(key []byte) (*Metadata, error) {
	buf, closer, err := x.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	md := &Metadata{}
	if err := x.codec.Unmarshal(buf, md); err != nil {
		return nil, err
	}
	return md, nil
}

func (x *index) set(key []byte, md *Metadata) error {
	buf, err := x.codec.Marshal(md)
	if err != nil {
		return err
	}
	return x.db.Set(key, buf, pebble.Sync)
}

func (x *index) delete(key []byte) error {
	return x.db.Delete(key, pebble.Sync)
}

// iterate walks every row in the index, used only during Store startup
// to report how many entries are already cached.
func (x *index) iterate(fn func(key []byte, md *Metadata)) error {
	iter, err := x.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		buf, err := iter.ValueAndErr()
		if err != nil {
			log.Warnf("cache: skipping corrupt index row: %v", err)
			continue
		}
		md := &Metadata{}
		if err := x.codec.Unmarshal(buf, md); err != nil {
			log.Warnf("cache: skipping undecodable index row: %v", err)
			continue
		}
		fn(iter.Key(), md)
	}
	return nil
}

func (x *index) close() error {
	return x.db.Close()
}
