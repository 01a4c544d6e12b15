package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/streamcache/pkg/rangeset"
)

// UnknownLength marks a resource whose total size has not been reported.
const UnknownLength int64 = -1

// Metadata describes one cached resource: what the origin reported about it
// and which byte ranges are present in the byte file.
type Metadata struct {
	// ExpectedContentLength is the total resource size, or UnknownLength.
	ExpectedContentLength int64 `json:"expected_content_length"`

	// MIMEType is the media type from Content-Type, without parameters.
	MIMEType string `json:"mime_type,omitempty"`

	// TextEncoding is the charset parameter of Content-Type, if any.
	TextEncoding string `json:"text_encoding,omitempty"`

	// SuggestedFilename comes from Content-Disposition or the URL path.
	SuggestedFilename string `json:"suggested_filename,omitempty"`

	// SourceURL is the canonical URL the metadata was recorded for.
	SourceURL string `json:"source_url"`

	// CachedRanges is the merged coverage of the byte file.
	CachedRanges rangeset.Set `json:"cached_ranges"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasKnownLength reports whether the total size is known.
func (m *Metadata) HasKnownLength() bool {
	return m.ExpectedContentLength >= 0
}

// IsComplete reports whether the recorded coverage is exactly
// [0, ExpectedContentLength). The byte file size is deliberately not consulted.
func (m *Metadata) IsComplete() bool {
	if !m.HasKnownLength() {
		return false
	}
	if m.ExpectedContentLength == 0 {
		return m.CachedRanges.Len() == 0
	}
	ranges := m.CachedRanges.Ranges()
	return len(ranges) == 1 && ranges[0] == rangeset.Range{Offset: 0, Length: m.ExpectedContentLength}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.CachedRanges = rangeset.New(m.CachedRanges.Ranges()...)
	return &c
}

// metadataFile persists a Metadata record as JSON.
type metadataFile struct {
	path string
}

// load reads the record. A missing file yields ErrNotCached; an undecodable
// one yields ErrCorruptMetadata.
func (f metadataFile) load() (*Metadata, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotCached
		}
		return nil, &StorageError{Op: "read", Path: f.path, Err: err}
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	return &m, nil
}

// save replaces the record atomically: readers observe either the previous
// record or the new one, never a partial write.
func (f metadataFile) save(m *Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), tempPrefix+"*")
	if err != nil {
		return &StorageError{Op: "create", Path: f.path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "rename", Path: f.path, Err: err}
	}
	return nil
}

func (f metadataFile) remove() error {
	return removeIfExists(f.path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}
