// Package objectid derives a stable on-disk identity for a cache key,
// the way the rest of this codebase's storage layer addresses objects:
// a sha1 hash of the key, bucketed into a shallow directory tree so no
// single directory ends up with millions of entries.
package objectid

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
)

const HashSize = sha1.Size

type ID struct {
	key  string
	hash [HashSize]byte
}

func New(key string) ID {
	return ID{key: key, hash: sha1.Sum([]byte(key))}
}

// Key returns the original cache key this ID was derived from.
func (id ID) Key() string {
	return id.key
}

func (id ID) Bytes() []byte {
	return id.hash[:]
}

func (id ID) String() string {
	return hex.EncodeToString(id.hash[:])
}

// WPath returns the on-disk path for this ID under root: root/h[0:1]/h[2:4]/h.
func (id ID) WPath(root string) string {
	h := id.String()
	return filepath.Join(root, h[0:1], h[2:4], h)
}
