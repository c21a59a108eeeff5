package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mjl-/bstore"
)

// Blob contents are stored in the file system under dir/blob/<digest>,
// written to a temporary file first and renamed into place only after the
// digest verified. The index lives in a small transactional database next to
// the blobs, so a persistent cache directory survives restarts with its
// last-use ordering intact.

// CacheBlob is the index record for one cached blob. The digest is the
// (unique) primary key.
type CacheBlob struct {
	Digest   string
	Size     int64
	LastUsed time.Time `bstore:"nonzero,default now"`
}

type blobCache struct {
	dir        string
	db         *bstore.DB
	maxEntries int

	group singleflight.Group // Serializes concurrent fetches of one digest.
}

func openBlobCache(ctx context.Context, dir string, maxEntries int) (*blobCache, error) {
	for _, d := range []string{filepath.Join(dir, "blob"), filepath.Join(dir, "tmp")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errf(ErrIO, "creating cache directory: %v", err)
		}
	}
	db, err := bstore.Open(ctx, filepath.Join(dir, "index.db"), &bstore.Options{Perm: 0660}, CacheBlob{})
	if err != nil {
		return nil, errf(ErrIO, "open cache index database: %v", err)
	}
	return &blobCache{dir: dir, db: db, maxEntries: maxEntries}, nil
}

func (c *blobCache) Close() error {
	return c.db.Close()
}

func (c *blobCache) path(d Digest) string {
	return filepath.Join(c.dir, "blob", d.String())
}

// open returns a reader for a cached blob, or nil when absent. A hit moves
// the blob to the front of the LRU order.
func (c *blobCache) open(ctx context.Context, d Digest) (*os.File, error) {
	b := CacheBlob{Digest: d.String()}
	err := c.db.Get(ctx, &b)
	if err == bstore.ErrAbsent {
		metricCache.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, errf(ErrIO, "cache index lookup: %v", err)
	}
	f, err := os.Open(c.path(d))
	if err != nil {
		// Blob file went missing under us, e.g. a previous run was
		// interrupted. Drop the stale index entry and treat as absent.
		if derr := c.db.Delete(ctx, &b); derr != nil {
			return nil, errf(ErrIO, "removing stale cache index entry: %v", derr)
		}
		metricCache.WithLabelValues("miss").Inc()
		return nil, nil
	}
	b.LastUsed = time.Now()
	if err := c.db.Update(ctx, &b); err != nil {
		f.Close()
		return nil, errf(ErrIO, "updating cache index: %v", err)
	}
	metricCache.WithLabelValues("hit").Inc()
	return f, nil
}

// ensure returns a reader for the blob with the descriptor's digest, fetching
// and verifying it first if not yet present. Concurrent calls for one digest
// do a single fetch, each caller gets its own file handle on the result.
func (c *blobCache) ensure(ctx context.Context, desc Descriptor, fetch func(ctx context.Context, d Digest) (io.ReadCloser, error)) (*os.File, error) {
	d, err := parseDigest(desc.Digest)
	if err != nil {
		return nil, err
	}

	_, err, _ = c.group.Do(d.String(), func() (any, error) {
		if f, err := c.open(ctx, d); err != nil {
			return nil, err
		} else if f != nil {
			f.Close()
			return nil, nil
		}
		return nil, c.store(ctx, d, desc.Size, fetch)
	})
	if err != nil {
		return nil, err
	}

	f, err := c.open(ctx, d)
	if err == nil && f == nil {
		// Evicted between store and open, can only happen with a cache
		// bound smaller than one image. Not worth handling better.
		err = errf(ErrIO, "blob %s evicted before use, cache too small", d)
	}
	return f, err
}

// store streams the blob to a temporary file, verifying digest and declared
// size on the fly, and atomically renames it into the cache on success. No
// partial or unverified file ever appears under blob/.
func (c *blobCache) store(ctx context.Context, d Digest, size int64, fetch func(ctx context.Context, d Digest) (io.ReadCloser, error)) (rerr error) {
	body, err := fetch(ctx, d)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), "blob")
	if err != nil {
		return errf(ErrIO, "creating temp file: %v", err)
	}
	tmpName := f.Name()
	defer func() {
		f.Close()
		if tmpName != "" {
			err := os.Remove(tmpName)
			logCheck(err, "removing temporary blob file")
		}
	}()

	n, err := io.Copy(f, newVerifyReader(body, d, size))
	if err != nil {
		if errcode(err) != "" {
			return err
		}
		return errf(ErrNetwork, "downloading blob %s: %v", d, err)
	}
	if err := setBlobPermissions(f); err != nil {
		return errf(ErrIO, "setting blob permissions: %v", err)
	}
	if err := f.Close(); err != nil {
		return errf(ErrIO, "closing blob file: %v", err)
	}

	var evictPaths []string
	err = c.db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Insert(&CacheBlob{Digest: d.String(), Size: n}); err != nil {
			return fmt.Errorf("inserting blob in cache index: %v", err)
		}
		if err := os.Rename(tmpName, c.path(d)); err != nil {
			return fmt.Errorf("moving blob into cache: %v", err)
		}
		tmpName = ""

		// Evict least recently used entries beyond the bound. The files are
		// unlinked after the transaction committed.
		count, err := bstore.QueryTx[CacheBlob](tx).Count()
		if err != nil {
			return fmt.Errorf("counting cache entries: %v", err)
		}
		for count > c.maxEntries {
			q := bstore.QueryTx[CacheBlob](tx)
			q.FilterNotEqual("Digest", d.String())
			q.SortAsc("LastUsed")
			q.Limit(1)
			old, err := q.Get()
			if err != nil {
				return fmt.Errorf("finding cache entry to evict: %v", err)
			}
			if err := tx.Delete(&old); err != nil {
				return fmt.Errorf("removing evicted cache entry: %v", err)
			}
			evictPaths = append(evictPaths, filepath.Join(c.dir, "blob", old.Digest))
			count--
		}
		return nil
	})
	if err != nil {
		return errf(ErrIO, "cache transaction: %v", err)
	}

	for _, p := range evictPaths {
		metricCache.WithLabelValues("evict").Inc()
		err := os.Remove(p)
		logCheck(err, "removing evicted blob")
	}
	return nil
}
