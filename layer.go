package main

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Layer application. Layers are tar streams applied in order onto the
// rootfs. Within a layer, entries are applied in archive order. A whiteout
// entry ".wh.name" deletes "name" from lower layers, the opaque marker
// ".wh..wh..opq" masks everything a directory inherited from lower layers.
//
// https://github.com/opencontainers/image-spec/blob/main/layer.md

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// materializer applies layer archives onto a rootfs directory.
type materializer struct {
	rootfs      string
	strictOwner bool                             // Fail instead of warn when ownership cannot be set.
	warn        func(format string, args ...any) // Optional.

	ownerWarned bool
}

// Metadata of directories is applied at end of layer: mode because a
// write-protected directory cannot have files created in it, mtime because
// creating files in a directory updates its mtime.
type dirMeta struct {
	mode     os.FileMode
	uid, gid int
	mtime    time.Time
}

func (mz *materializer) warnf(format string, args ...any) {
	if mz.warn != nil {
		mz.warn(format, args...)
	}
}

// normalizeEntryPath cleans a tar entry path into a rootfs-relative slash
// path: leading slashes and "." elements dropped, ".." rejected. An empty
// result means the entry addresses the rootfs root itself.
func normalizeEntryPath(name string) (string, error) {
	var elems []string
	for _, e := range strings.Split(name, "/") {
		switch e {
		case "", ".":
		case "..":
			return "", errf(ErrUnsafePath, "entry path %q contains ..", name)
		default:
			elems = append(elems, e)
		}
	}
	return strings.Join(elems, "/"), nil
}

// applyLayer extracts one decompressed layer archive onto the rootfs.
func (mz *materializer) applyLayer(ctx context.Context, r io.Reader) error {
	// Paths created or replaced by this layer. Opaque markers must remove
	// what a directory inherited from lower layers while keeping what this
	// layer already put there.
	created := map[string]bool{}
	dirs := map[string]dirMeta{}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return errf(ErrIO, "%w", err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errf(ErrIO, "reading layer archive: %v", err)
		}

		rel, err := normalizeEntryPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			// "./" is the rootfs itself, commonly present as the first
			// entry. Nothing to create.
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			return errf(ErrUnsafePath, "entry path %q is empty", hdr.Name)
		}

		dir, base := path.Dir(rel), path.Base(rel)

		if base == whiteoutOpaque {
			metricLayerEntry.WithLabelValues("opaque").Inc()
			if err := mz.applyOpaque(dir, created); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			metricLayerEntry.WithLabelValues("whiteout").Inc()
			target := path.Join(dir, base[len(whiteoutPrefix):])
			if err := os.RemoveAll(mz.dst(target)); err != nil {
				return errf(ErrIO, "whiteout %s: %v", target, err)
			}
			delete(dirs, target)
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			metricLayerEntry.WithLabelValues("dir").Inc()
			if err := mz.applyDir(rel, hdr, dirs); err != nil {
				return err
			}
		case tar.TypeReg:
			metricLayerEntry.WithLabelValues("file").Inc()
			if err := mz.applyRegular(rel, hdr, tr, dirs); err != nil {
				return err
			}
		case tar.TypeSymlink:
			metricLayerEntry.WithLabelValues("symlink").Inc()
			if err := mz.applySymlink(rel, hdr); err != nil {
				return err
			}
		case tar.TypeLink:
			metricLayerEntry.WithLabelValues("hardlink").Inc()
			if err := mz.applyHardlink(rel, hdr); err != nil {
				return err
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return errf(ErrUnsupportedEntryType, "%s: device/fifo entries not supported in image layers", rel)
		default:
			return errf(ErrUnsupportedEntryType, "%s: tar entry type %q", rel, hdr.Typeflag)
		}
		created[rel] = true
	}

	// Second pass: directory metadata, children before parents so a
	// read-only or older parent doesn't get disturbed again.
	paths := make([]string, 0, len(dirs))
	for p := range dirs {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, p := range paths {
		md := dirs[p]
		full := mz.dst(p)
		err := mz.chown(full, md.uid, md.gid)
		if err == nil {
			err = os.Chmod(full, md.mode)
		}
		if err == nil {
			err = os.Chtimes(full, md.mtime, md.mtime)
		}
		if err != nil {
			// A whiteout later in the layer may have removed the directory.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errf(ErrIO, "directory metadata %s: %v", p, err)
		}
	}
	return nil
}

func (mz *materializer) dst(rel string) string {
	return filepath.Join(mz.rootfs, filepath.FromSlash(rel))
}

// Make sure the parent directory exists. Layers usually emit directories
// before their contents, but that is not guaranteed.
func (mz *materializer) parent(rel string) error {
	if err := os.MkdirAll(filepath.Dir(mz.dst(rel)), 0755); err != nil {
		return errf(ErrIO, "creating parent of %s: %v", rel, err)
	}
	return nil
}

func (mz *materializer) applyDir(rel string, hdr *tar.Header, dirs map[string]dirMeta) error {
	dst := mz.dst(rel)
	if err := mz.parent(rel); err != nil {
		return err
	}
	// Create with restrictive permissions, the real mode is applied at end
	// of layer along with mtime.
	err := os.Mkdir(dst, 0700)
	if err != nil && errors.Is(err, fs.ErrExist) {
		st, serr := os.Lstat(dst)
		if serr == nil && st.IsDir() {
			err = nil // Reuse the existing directory.
		} else {
			// A non-directory is in the way, replace it.
			if rerr := os.RemoveAll(dst); rerr == nil {
				err = os.Mkdir(dst, 0700)
			}
		}
	}
	if err != nil {
		return errf(ErrIO, "creating directory %s: %v", rel, err)
	}
	dirs[rel] = dirMeta{
		mode:  os.FileMode(hdr.Mode & 0o7777),
		uid:   hdr.Uid,
		gid:   hdr.Gid,
		mtime: hdr.ModTime,
	}
	return nil
}

func (mz *materializer) applyRegular(rel string, hdr *tar.Header, r io.Reader, dirs map[string]dirMeta) error {
	dst := mz.dst(rel)
	if err := mz.parent(rel); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return errf(ErrIO, "replacing %s: %v", rel, err)
	}
	delete(dirs, rel)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(hdr.Mode&0o7777))
	if err != nil {
		return errf(ErrIO, "creating %s: %v", rel, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errf(ErrIO, "writing %s: %v", rel, err)
	}
	if err := f.Close(); err != nil {
		return errf(ErrIO, "closing %s: %v", rel, err)
	}
	if err := mz.chown(dst, hdr.Uid, hdr.Gid); err != nil {
		return err
	}
	// Chmod again: the open mode was subject to umask, and chown clears
	// setuid/setgid bits.
	if err := os.Chmod(dst, os.FileMode(hdr.Mode&0o7777)); err != nil {
		return errf(ErrIO, "chmod %s: %v", rel, err)
	}
	if err := os.Chtimes(dst, hdr.ModTime, hdr.ModTime); err != nil {
		return errf(ErrIO, "mtime %s: %v", rel, err)
	}
	return nil
}

func (mz *materializer) applySymlink(rel string, hdr *tar.Header) error {
	if hdr.Linkname == "" {
		return errf(ErrIO, "symlink %s without target", rel)
	}
	dst := mz.dst(rel)
	if err := mz.parent(rel); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return errf(ErrIO, "replacing %s: %v", rel, err)
	}
	// The target is recorded as-is, not resolved. A target pointing outside
	// the rootfs is inert here; following it later is the consumer's
	// problem, and during extraction the sandbox stops writes through it.
	if err := os.Symlink(hdr.Linkname, dst); err != nil {
		return errf(ErrIO, "symlink %s: %v", rel, err)
	}
	if err := mz.chown(dst, hdr.Uid, hdr.Gid); err != nil {
		return err
	}
	ts := unix.NsecToTimespec(hdr.ModTime.UnixNano())
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, dst, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errf(ErrIO, "mtime %s: %v", rel, err)
	}
	return nil
}

func (mz *materializer) applyHardlink(rel string, hdr *tar.Header) error {
	// The link target is a path within the image, sanitize like any entry
	// path. It must exist, created by this or a lower layer.
	target, err := normalizeEntryPath(hdr.Linkname)
	if err != nil || target == "" {
		return errf(ErrUnsafePath, "hardlink %s: bad target %q", rel, hdr.Linkname)
	}
	dst := mz.dst(rel)
	if err := mz.parent(rel); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return errf(ErrIO, "replacing %s: %v", rel, err)
	}
	if err := os.Link(mz.dst(target), dst); err != nil {
		return errf(ErrIO, "hardlink %s -> %s: %v", rel, target, err)
	}
	return nil
}

// applyOpaque handles the ".wh..wh..opq" marker: remove everything in dir
// that was inherited from lower layers, keep what this layer created. For a
// directory this layer touched, its stale lower-layer contents still have to
// go, so recurse.
func (mz *materializer) applyOpaque(dir string, created map[string]bool) error {
	entries, err := os.ReadDir(mz.dst(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errf(ErrIO, "opaque directory %s: %v", dir, err)
	}
	for _, e := range entries {
		rel := path.Join(dir, e.Name())
		if e.IsDir() && (created[rel] || createdUnder(rel, created)) {
			if err := mz.applyOpaque(rel, created); err != nil {
				return err
			}
			continue
		}
		if created[rel] {
			continue
		}
		if err := os.RemoveAll(mz.dst(rel)); err != nil {
			return errf(ErrIO, "opaque removal of %s: %v", rel, err)
		}
	}
	return nil
}

// Whether this layer created anything below the directory rel.
func createdUnder(rel string, created map[string]bool) bool {
	prefix := rel + "/"
	for p := range created {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// chown sets ownership, falling back to the process's effective ids with a
// warning when not privileged to. With strictOwner the failure is fatal.
func (mz *materializer) chown(p string, uid, gid int) error {
	err := os.Lchown(p, uid, gid)
	if err == nil {
		return nil
	}
	if mz.strictOwner {
		return errf(ErrIO, "chown %s: %v", p, err)
	}
	if !mz.ownerWarned {
		mz.ownerWarned = true
		mz.warnf("cannot set file ownership (%v), files will be owned by the current user", err)
	}
	return nil
}
