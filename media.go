package main

import (
	"bufio"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Media types from the docker image manifest v2.2 spec and the OCI image
// spec. We accept both families, they are field-for-field compatible for our
// purposes.
const (
	mediaDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaDockerConfig       = "application/vnd.docker.container.image.v1+json"
	mediaDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	mediaOCIIndex     = "application/vnd.oci.image.index.v1+json"
	mediaOCIManifest  = "application/vnd.oci.image.manifest.v1+json"
	mediaOCIConfig    = "application/vnd.oci.image.config.v1+json"
	mediaOCILayer     = "application/vnd.oci.image.layer.v1.tar"
	mediaOCILayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	mediaOCILayerZstd = "application/vnd.oci.image.layer.v1.tar+zstd"
)

// Sent on manifest requests. Registries fall back to schema v1 for clients
// that don't announce v2 support.
var acceptManifest = strings.Join([]string{
	mediaOCIIndex,
	mediaOCIManifest,
	mediaDockerManifestList,
	mediaDockerManifest,
}, ", ")

func isIndexType(mediaType string) bool {
	return mediaType == mediaOCIIndex || mediaType == mediaDockerManifestList
}

func isManifestType(mediaType string) bool {
	return mediaType == mediaOCIManifest || mediaType == mediaDockerManifest
}

// Strip an optional parameter like "; charset=utf-8" from a Content-Type.
func contentType(header string) string {
	mt, _, _ := strings.Cut(header, ";")
	return strings.TrimSpace(mt)
}

// Return a reader decoding the layer stream according to its media type:
// gzip, zstd, or pass-through for uncompressed tar.
func decompress(mediaType string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case mediaType == mediaDockerLayerGzip || strings.HasSuffix(mediaType, "+gzip"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errf(ErrIO, "gzip layer: %v", err)
		}
		return zr, nil
	case strings.HasSuffix(mediaType, "+zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errf(ErrIO, "zstd layer: %v", err)
		}
		return zr.IOReadCloser(), nil
	case mediaType == mediaOCILayer || strings.HasSuffix(mediaType, ".tar"):
		return io.NopCloser(bufio.NewReader(r)), nil
	}
	return nil, errf(ErrUnsupportedMediaType, "layer media type %q", mediaType)
}
