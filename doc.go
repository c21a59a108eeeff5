/*
Ociunpack downloads a container image from an OCI/Docker registry and unpacks
its file system layers into a local directory, with the unpack phase confined
by a kernel sandbox (Linux Landlock) that can only write below the target
directory.

  - Resolves an image reference (like "alpine:3.18" or
    "ghcr.io/owner/name@sha256:...") against the registry, following
    multiplatform (index/list) manifests to the image manifest for the host
    architecture and operating system.
  - Authenticates with the bearer-token flow most registries use: on a 401
    challenge it fetches a token from the advertised realm and retries.
  - Downloads config and layer blobs into a content-addressed cache,
    verifying digest and size while the bytes stream in. Blobs shared
    between images are downloaded once.
  - Before the first archive byte is written, the process gives up access to
    the file system outside the target directory. Even a hostile layer with
    escaping symlinks cannot touch other files; the kernel refuses.
  - Applies layers in manifest order, honoring whiteout files, opaque
    directories, hardlinks, symlinks and ownership/permission bits.

The result for target directory D:

	D/rootfs/        the materialized file system tree
	D/manifest.json  the resolved image manifest, as received
	D/config.json    the image config, as received

# Usage

Unpack an image for the host platform:

	ociunpack unpack alpine:3.18 /tmp/alpine

Or for another platform, without requiring a sandbox (e.g. on an old kernel),
failing when file ownership cannot be applied:

	ociunpack unpack -arch arm64 -nosandbox -strictowner debian:stable /tmp/debian

Print the resolved image manifest and its digest without unpacking:

	ociunpack resolve busybox

# Registries and images

A docker image consists of a JSON manifest (hashed to a digest) referencing a
JSON config blob and layer blobs, all content-addressed. A multiplatform
("list") manifest or OCI image index references one image manifest per
os/architecture pair. Pulling starts at a tag or digest, resolves the index to
a single image manifest, then fetches the blobs. All digests are verified
during download; only an initial tag is taken on faith.

Layers are tar archives, optionally gzip- or zstd-compressed, applied in
order. A layer can delete files from lower layers with whiteout entries
(".wh.name"), or mask an entire directory with an opaque marker
(".wh..wh..opq"). Device nodes, FIFOs and sockets are not valid in image
layers and are rejected.

# Sandbox

The sandbox is a one-way Landlock ruleset: read-write access below the target
directory, read-only access to the blob cache, nothing else. It is installed
after all network I/O (so TLS and DNS need no exceptions) and cannot be
lifted for the rest of the process. On kernels without Landlock the default
is to refuse unpacking; -nosandbox proceeds anyway for trusted images.

# Cache

Blobs are kept under a content-addressed cache directory with an LRU bound on
the number of entries. By default the cache is private to the process and
removed on exit. Set CacheDir in the config file (or $OCI_CACHE_DIR) to keep
it across runs; the index is stored in a small transactional database next to
the blobs.
*/
package main
