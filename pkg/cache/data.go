package cache

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/streamcache/pkg/rangeset"
)

// dataFile holds the raw bytes of one resource at their original offsets.
type dataFile struct {
	path string
}

// size returns the on-disk size, or 0 when the file does not exist.
func (f dataFile) size() int64 {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// writeAt writes data at offset, creating the file if needed.
func (f dataFile) writeAt(data []byte, offset int64) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: f.path, Err: err}
	}

	if _, err := file.WriteAt(data, offset); err != nil {
		file.Close()
		return &StorageError{Op: "write", Path: f.path, Err: err}
	}
	if err := file.Close(); err != nil {
		return &StorageError{Op: "close", Path: f.path, Err: err}
	}
	return nil
}

// read returns the bytes of r, clamped to the file size. The recorded
// coverage is the authority on what is valid; the size only bounds the read.
func (f dataFile) read(r rangeset.Range) ([]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, &StorageError{Op: "open", Path: f.path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &StorageError{Op: "stat", Path: f.path, Err: err}
	}

	length := r.Length
	if remaining := info.Size() - r.Offset; remaining < length {
		length = remaining
	}
	if length <= 0 {
		return nil, ErrNotCached
	}

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, r.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &StorageError{Op: "read", Path: f.path, Err: err}
	}
	if n == 0 {
		return nil, ErrNotCached
	}
	return buf[:n], nil
}

func (f dataFile) truncate() error {
	if err := os.Truncate(f.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "truncate", Path: f.path, Err: err}
	}
	return nil
}

func (f dataFile) remove() error {
	return removeIfExists(f.path)
}

// touch sets the modification time used by retention to now.
func touch(now time.Time, paths ...string) {
	for _, p := range paths {
		_ = os.Chtimes(p, now, now)
	}
}
