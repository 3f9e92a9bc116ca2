// Package cache implements the on-disk cache entry abstraction the
// protocol engines are driven against: absent / partial / complete
// state for one resource, keyed by an opaque cache key.
package cache

import "io"

// Stat describes an existing partial or complete cache file.
type Stat struct {
	Size  int64
	MTime int64 // epoch seconds, UTC
}

// Handle represents one resource in the on-disk cache. Its three
// observable states -- absent, partial, complete -- are mutually
// exclusive: Partial and Full are never both truthy. It is mutated by
// exactly one engine for the duration of that engine's run; concurrent
// requests for the same resource must be serialized by a caller, this
// type does no locking of its own.
type Handle interface {
	// Partial reports whether a byte-prefix of the resource is on disk
	// and, if so, its size and last known mtime.
	Partial() (Stat, bool)
	// Full reports whether the complete resource is on disk.
	Full() (Stat, bool)

	// OpenNew discards any existing partial or complete file and
	// returns a writer starting at offset 0.
	OpenNew() (io.WriteCloser, error)
	// OpenPartial returns a writer positioned at offset into the
	// existing partial file, for resuming a download.
	OpenPartial(offset int64) (io.WriteCloser, error)
	// OpenFull returns a reader over the complete file.
	OpenFull() (io.ReadCloser, error)
	// RemovePartial discards the partial file, used when the origin
	// refuses a resume request.
	RemovePartial() error

	// Complete promotes a fully-written partial file to complete,
	// called by the response layer once a DataResponse/ChunkedDataResponse
	// finishes streaming.
	Complete() error

	Size() int64
	SetSize(int64)
	MTime() int64
	SetMTime(int64)

	// Commit persists Size/MTime to the metadata index.
	Commit() error
}
