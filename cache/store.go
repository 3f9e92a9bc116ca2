package cache

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulbellamy/ratecounter"

	"github.com/omalloc/originfetch/contrib/log"
	"github.com/omalloc/originfetch/pkg/objectid"
)

const partialSuffix = ".partial"

// Store is a single on-disk cache rooted at one directory, with a
// pebble-backed metadata index keyed by the object id hash of each
// cache key.
type Store struct {
	root  string
	idx   *index
	codec Codec
}

// Tuning holds db-type-specific knobs decoded from conf.Cache.Options,
// kept separate from conf so this package doesn't need to know about
// config-file shapes.
type Tuning struct {
	// MemTableSizeMB bounds the pebble index's in-memory write buffer
	// before it flushes to disk.
	MemTableSizeMB int `json:"mem_table_size_mb" yaml:"mem_table_size_mb"`
}

// Open creates (if needed) root and its metadata index with default
// tuning and returns a ready Store.
func Open(root string, codec Codec) (*Store, error) {
	return OpenTuned(root, codec, Tuning{})
}

// OpenTuned is Open with explicit index tuning. It logs the number of
// existing entries it finds at startup at roughly one line per second
// while the index is scanned, the way the rest of this codebase's
// disk-backed stores report load progress.
func OpenTuned(root string, codec Codec, tuning Tuning) (*Store, error) {
	if codec == nil {
		codec = CBORCodec()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(root, ".index")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, err
	}

	idx, err := openIndex(dbPath, codec, tuning)
	if err != nil {
		return nil, err
	}

	s := &Store{root: root, idx: idx, codec: codec}
	s.logLoad()
	return s, nil
}

func (s *Store) logLoad() {
	count := 0
	counter := ratecounter.NewRateCounter(time.Second)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				log.Infof("cache: loaded %d entries from %s", count, s.root)
				return
			case <-tick.C:
				log.Infof("cache: loading %s, %d entries so far, %d/s", s.root, count, counter.Rate())
			}
		}
	}()

	_ = s.idx.iterate(func(key []byte, md *Metadata) {
		count++
		counter.Incr(1)
	})
	close(stop)
	<-done
}

// Entry returns the Handle for key, reading its metadata row if one
// exists. A key with no row yet is still a valid, absent Handle.
func (s *Store) Entry(key string) (Handle, error) {
	id := objectid.New(key)
	md, err := s.idx.get(id.Bytes())
	if err != nil {
		return nil, err
	}
	if md == nil {
		md = &Metadata{Key: key}
	}
	return &diskEntry{store: s, id: id, meta: md}, nil
}

func (s *Store) Close() error {
	return s.idx.close()
}

type diskEntry struct {
	store *Store
	id    objectid.ID
	meta  *Metadata
}

func (e *diskEntry) partialPath() string {
	return e.id.WPath(e.store.root) + partialSuffix
}

func (e *diskEntry) fullPath() string {
	return e.id.WPath(e.store.root)
}

func (e *diskEntry) Partial() (Stat, bool) {
	fi, err := os.Stat(e.partialPath())
	if err != nil {
		return Stat{}, false
	}
	return Stat{Size: fi.Size(), MTime: e.meta.MTime}, true
}

func (e *diskEntry) Full() (Stat, bool) {
	fi, err := os.Stat(e.fullPath())
	if err != nil {
		return Stat{}, false
	}
	return Stat{Size: fi.Size(), MTime: e.meta.MTime}, true
}

func (e *diskEntry) OpenNew() (io.WriteCloser, error) {
	_ = os.Remove(e.partialPath())
	_ = os.Remove(e.fullPath())
	if err := os.MkdirAll(filepath.Dir(e.partialPath()), 0o755); err != nil {
		return nil, err
	}
	return os.Create(e.partialPath())
}

func (e *diskEntry) OpenPartial(offset int64) (io.WriteCloser, error) {
	f, err := os.OpenFile(e.partialPath(), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (e *diskEntry) OpenFull() (io.ReadCloser, error) {
	return os.Open(e.fullPath())
}

func (e *diskEntry) RemovePartial() error {
	err := os.Remove(e.partialPath())
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (e *diskEntry) Complete() error {
	return os.Rename(e.partialPath(), e.fullPath())
}

func (e *diskEntry) Size() int64     { return e.meta.Size }
func (e *diskEntry) SetSize(n int64) { e.meta.Size = n }

func (e *diskEntry) MTime() int64     { return e.meta.MTime }
func (e *diskEntry) SetMTime(t int64) { e.meta.MTime = t }

func (e *diskEntry) Commit() error {
	return e.store.idx.set(e.id.Bytes(), e.meta)
}
