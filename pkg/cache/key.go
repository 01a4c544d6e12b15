package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
)

const (
	// metadataExt is the extension of the metadata record next to a byte file.
	metadataExt = ".json"

	// defaultDataExt is used when the resource URL carries no usable extension.
	defaultDataExt = ".data"

	// tempPrefix marks in-flight metadata writes; retention scans skip them.
	tempPrefix = ".tmp-"
)

// Key is the stable identifier of a cached resource: the lowercase hex MD5
// digest of its canonical absolute URL.
type Key string

// String returns the key as used in file names.
func (k Key) String() string {
	return string(k)
}

// CanonicalURL parses rawURL and returns its normalized absolute form.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse resource url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("resource url must be absolute: %q", rawURL)
	}
	return u.String(), nil
}

// KeyFor derives the resource key for rawURL.
//
// Example:
//
//	KeyFor("https://cdn.example.com/v/intro.mp4") // 32 hex characters
func KeyFor(rawURL string) (Key, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	return keyOf(canonical), nil
}

func keyOf(canonical string) Key {
	sum := md5.Sum([]byte(canonical))
	return Key(hex.EncodeToString(sum[:]))
}

// isKey reports whether s has the shape of a resource key.
func isKey(s string) bool {
	if len(s) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}

// dataExt returns the byte-file extension for a resource: the extension of
// the URL path when it is short and alphanumeric, otherwise ".data".
func dataExt(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return defaultDataExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 9 || ext == metadataExt {
		return defaultDataExt
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return defaultDataExt
		}
	}
	return ext
}

// entryKey returns the part of a cache file name before its first dot.
func entryKey(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
