// Package cache provides the byte-range disk cache for remote media resources.
//
// Every resource is identified by the MD5 of its canonical URL and stored as
// two files in one directory:
//
//   - <key><ext>   raw bytes at their original offsets (sparse, random access)
//   - <key>.json   the Metadata record: expected length, MIME type and the
//     merged set of cached byte ranges
//
// The recorded ranges are the source of truth for what is cached. The byte
// file size is only an upper bound for reads.
//
// # Basic Usage
//
//	store, err := cache.NewStore(cache.DefaultConfig("/var/cache/streamcache"))
//	if err != nil {
//		return err
//	}
//
//	manager, err := store.Manager("https://cdn.example.com/v/intro.mp4")
//	if err != nil {
//		return err
//	}
//
//	// Record the origin's headers, then the bytes
//	_ = manager.RecordResponse(resp.Header)
//	total, err := manager.StoreBytes(body, 0)
//
//	// Serve the longest cached run starting at an offset
//	data, ok := manager.ReadBytes(rangeset.Range{Offset: 0, Length: 512000})
//
// # Concurrency
//
// Managers are cheap per-resource handles. Handles for the same key share the
// disk and a per-key lock held by the Store, so StoreBytes is atomic with
// respect to range merge and persist. Store.Watch delivers an Event after each
// committed change, which lets holders of other handles refresh.
//
// # Retention
//
// Store.EnforceRetention removes entries older than Config.MaxAge and then the
// least recently modified entries until the directory fits Config.MaxSize.
// With Config.EnforceAfterWrite it runs in the background after each write.
//
// # Metrics
//
//   - streamcache_cache_hits_total / streamcache_cache_misses_total
//   - streamcache_cache_bytes_stored_total
//   - streamcache_cache_size_bytes
//   - streamcache_cache_evictions_total{policy}
//   - streamcache_cache_errors_total{operation}
package cache
