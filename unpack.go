package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Blob downloads run in parallel, layer application is strictly sequential
// in manifest order.
const downloadConcurrency = 4

// Indirect so tests can unpack without locking the whole test process into a
// sandbox (restricting is one-way).
var restrict = restrictFS

// Events are optional hooks for progress reporting, e.g. to drive a progress
// bar. All fields may be nil. Progress may be called from multiple download
// goroutines; handlers must be safe for that.
type Events struct {
	DownloadStart func(blobs int, totalBytes int64)
	Progress      func(n int)
	LayerStart    func(digest string, size int64)
	Finished      func()
}

// Unpacker downloads an image and materializes its rootfs.
type Unpacker struct {
	Transport *transport
	Cache     *blobCache
	Platform  Platform // Architecture/OS to select from a multiplatform image.

	RequireSandbox bool // Refuse to unpack when the kernel sandbox is unavailable.
	StrictOwner    bool // Fail when file ownership cannot be applied.

	Warn   func(format string, args ...any) // Optional, for non-fatal trouble.
	Events Events
}

func (u *Unpacker) warnf(format string, args ...any) {
	if u.Warn != nil {
		u.Warn(format, args...)
	}
}

// Unpack fetches the image for ref and unpacks it into the target directory,
// which must not exist yet or be empty. On success, target holds rootfs/
// with the image file system, and manifest.json and config.json as received
// from the registry. Returns the digest of the resolved image manifest.
//
// The sandbox is installed after the last network I/O and before the first
// byte of layer data is written. From that point the process cannot write
// outside target (and the blob cache) anymore, also not in a later call.
func (u *Unpacker) Unpack(ctx context.Context, ref Reference, target string) (Digest, error) {
	if err := ensureEmptyDir(target); err != nil {
		return Digest{}, err
	}

	client := newRegistryClient(u.Transport, ref)
	manifest, manifestBuf, resolved, err := client.fetchManifest(ctx, ref, u.Platform)
	if err != nil {
		return Digest{}, err
	}

	var total int64 = manifest.Config.Size
	for _, l := range manifest.Layers {
		total += l.Size
	}
	if u.Events.DownloadStart != nil {
		u.Events.DownloadStart(1+len(manifest.Layers), total)
	}

	fetch := func(ctx context.Context, d Digest) (io.ReadCloser, error) {
		body, err := client.fetchBlob(ctx, d)
		if err != nil {
			return nil, err
		}
		return &progressReadCloser{&countingReader{R: body, Progress: u.Events.Progress}, body}, nil
	}

	// Fetch config and layer blobs into the cache, a few at a time. The
	// cache deduplicates blobs appearing in multiple layers.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for _, desc := range append([]Descriptor{manifest.Config}, manifest.Layers...) {
		desc := desc
		g.Go(func() error {
			f, err := u.Cache.ensure(gctx, desc, fetch)
			if f != nil {
				f.Close()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Digest{}, err
	}

	configBuf, err := u.readBlob(ctx, manifest.Config, fetch)
	if err != nil {
		return Digest{}, err
	}
	var cfg imageConfig
	if err := json.Unmarshal(configBuf, &cfg); err != nil {
		return Digest{}, errf(ErrUnsupportedMediaType, "parsing image config: %v", err)
	}
	// The index entry promised a platform, the config is authoritative.
	if cfg.Architecture != "" && u.Platform.Architecture != "" && cfg.Architecture != u.Platform.Architecture {
		return Digest{}, errf(ErrNoMatchingPlatform, "image config is for architecture %q, wanted %q", cfg.Architecture, u.Platform.Architecture)
	}
	if cfg.OS != "" && u.Platform.OS != "" && cfg.OS != u.Platform.OS {
		return Digest{}, errf(ErrNoMatchingPlatform, "image config is for os %q, wanted %q", cfg.OS, u.Platform.OS)
	}

	rootfs := filepath.Join(target, "rootfs")
	if err := os.Mkdir(rootfs, 0755); err != nil {
		return Digest{}, errf(ErrIO, "creating rootfs directory: %v", err)
	}

	// All network I/O is done, nothing below needs access outside the
	// target and the cache. One-way door.
	var extra []string
	if !strings.HasPrefix(u.Cache.dir, target+string(filepath.Separator)) {
		extra = append(extra, u.Cache.dir)
	}
	if err := restrict(target, extra...); err != nil {
		if u.RequireSandbox {
			return Digest{}, err
		}
		u.warnf("unpacking without sandbox: %v", err)
	}

	mz := &materializer{rootfs: rootfs, strictOwner: u.StrictOwner, warn: u.Warn}
	for _, l := range manifest.Layers {
		if u.Events.LayerStart != nil {
			u.Events.LayerStart(l.Digest, l.Size)
		}
		if err := u.applyLayer(ctx, mz, l, fetch); err != nil {
			return Digest{}, err
		}
	}

	if err := os.WriteFile(filepath.Join(target, "manifest.json"), manifestBuf, 0644); err != nil {
		return Digest{}, errf(ErrIO, "writing manifest.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "config.json"), configBuf, 0644); err != nil {
		return Digest{}, errf(ErrIO, "writing config.json: %v", err)
	}

	if u.Events.Finished != nil {
		u.Events.Finished()
	}
	return resolved, nil
}

func (u *Unpacker) applyLayer(ctx context.Context, mz *materializer, l Descriptor, fetch func(context.Context, Digest) (io.ReadCloser, error)) error {
	f, err := u.Cache.ensure(ctx, l, fetch)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := decompress(l.MediaType, bufio.NewReader(f))
	if err != nil {
		return err
	}
	defer dec.Close()
	return mz.applyLayer(ctx, dec)
}

// Read a cached blob fully into memory. Only used for the config, which is
// small.
func (u *Unpacker) readBlob(ctx context.Context, desc Descriptor, fetch func(context.Context, Digest) (io.ReadCloser, error)) ([]byte, error) {
	f, err := u.Cache.ensure(ctx, desc, fetch)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, errf(ErrIO, "reading cached blob: %v", err)
	}
	return buf, nil
}

// ensureEmptyDir creates the target directory, or verifies an existing one
// is empty.
func ensureEmptyDir(target string) error {
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(target, 0755); err != nil {
				return errf(ErrIO, "creating target directory: %v", err)
			}
			return nil
		}
		return errf(ErrIO, "reading target directory: %v", err)
	}
	for _, e := range entries {
		// A leftover cache directory from this process is fine.
		if e.Name() == ephemeralCacheName {
			continue
		}
		return errf(ErrIO, "target directory %s not empty", target)
	}
	return nil
}

// progressReadCloser lets the counting wrapper close the underlying body.
type progressReadCloser struct {
	*countingReader
	c io.Closer
}

func (r *progressReadCloser) Close() error {
	return r.c.Close()
}
