package main

/*
https://distribution.github.io/distribution/spec/api/
https://distribution.github.io/distribution/spec/manifest-v2-2/
https://github.com/opencontainers/image-spec/blob/main/image-index.md
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Maximum manifest size of 4MB, the limit most registries enforce on push.
const manifestSizeLimit = 4 * 1024 * 1024

// Index is a multiplatform manifest (docker "manifest list" or OCI "image
// index"), referencing one image manifest per platform.
type Index struct {
	SchemaVersion int             `json:"schemaVersion"` // 2
	MediaType     string          `json:"mediaType"`
	Manifests     []IndexManifest `json:"manifests"`
}

// IndexManifest references an image manifest for a platform (e.g.
// linux/amd64, with optional cpu variant).
type IndexManifest struct {
	MediaType string   `json:"mediaType"`
	Size      int64    `json:"size"`   // Size of the manifest object.
	Digest    string   `json:"digest"` // Digest of the manifest object.
	Platform  Platform `json:"platform"`
}

// Platform is a description/requirement of the cpu architecture and operating
// system for an image.
type Platform struct {
	Architecture string   `json:"architecture"`          // E.g. amd64, arm64.
	OS           string   `json:"os"`                    // E.g. linux.
	OSVersion    string   `json:"os.version,omitempty"`  // E.g. 10.0.10586.
	OSFeatures   []string `json:"os.features,omitempty"` // Required OS features, e.g. win32k.
	Variant      string   `json:"variant,omitempty"`     // Of cpu, e.g. "v7" for arm.
	Features     []string `json:"features,omitempty"`    // Required cpu features, e.g. "sse4".
}

// Manifest represents what is commonly known as a docker image: file system
// layers plus a config blob for exposed ports, commands, etc.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"` // 2
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Descriptor references a blob by digest, with its media type and size.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

// The image config is kept verbatim, we only look at the platform fields to
// cross-check the index selection.
type imageConfig struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

// client talks to a single repository on a single registry.
type client struct {
	tr   *transport
	base string // scheme://host/v2/repository
}

func newRegistryClient(tr *transport, ref Reference) *client {
	return &client{
		tr:   tr,
		base: fmt.Sprintf("%s://%s/v2/%s", guessScheme(ref.Host), ref.Host, ref.Repository),
	}
}

// fetchManifest resolves ref to a single image manifest: it fetches the
// manifest for the tag or digest, and when that turns out to be a
// multiplatform index, selects the entry for platform and fetches that
// manifest. Digests are cyclic-free by construction, one level is all there
// is. Returns the manifest, its raw bytes as received, and its digest.
func (c *client) fetchManifest(ctx context.Context, ref Reference, platform Platform) (Manifest, []byte, Digest, error) {
	expect := ref.Digest
	selector := ref.Selector()

	for depth := 0; ; depth++ {
		buf, err := c.fetchManifestBytes(ctx, selector, expect)
		if err != nil {
			return Manifest{}, nil, Digest{}, err
		}

		// The registry reports the flavor in the content-type, but some
		// (and local files) don't; the mediaType field is authoritative
		// enough for distinguishing index from image manifest.
		var probe struct {
			MediaType string          `json:"mediaType"`
			Manifests []IndexManifest `json:"manifests"`
		}
		if err := json.Unmarshal(buf, &probe); err != nil {
			return Manifest{}, nil, Digest{}, errf(ErrUnsupportedMediaType, "parsing manifest: %v", err)
		}

		if isIndexType(probe.MediaType) || (probe.MediaType == "" && probe.Manifests != nil) {
			if depth > 0 {
				return Manifest{}, nil, Digest{}, errf(ErrUnsupportedMediaType, "index references another index")
			}
			var index Index
			if err := json.Unmarshal(buf, &index); err != nil {
				return Manifest{}, nil, Digest{}, errf(ErrUnsupportedMediaType, "parsing index: %v", err)
			}
			d, err := selectPlatform(index, platform)
			if err != nil {
				return Manifest{}, nil, Digest{}, err
			}
			expect = d
			selector = d.String()
			continue
		}

		if !isManifestType(probe.MediaType) && probe.MediaType != "" {
			return Manifest{}, nil, Digest{}, errf(ErrUnsupportedMediaType, "manifest media type %q", probe.MediaType)
		}
		var m Manifest
		if err := json.Unmarshal(buf, &m); err != nil {
			return Manifest{}, nil, Digest{}, errf(ErrUnsupportedMediaType, "parsing manifest: %v", err)
		}
		return m, buf, sha256Digest(buf), nil
	}
}

// Fetch raw manifest bytes for a tag or digest. When expect is set, the bytes
// must hash to it.
func (c *client) fetchManifestBytes(ctx context.Context, selector string, expect Digest) ([]byte, error) {
	resp, err := c.tr.get(ctx, "manifest", c.base+"/manifests/"+selector, acceptManifest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, manifestSizeLimit+1))
	if err != nil {
		return nil, errf(ErrNetwork, "reading manifest: %v", err)
	}
	if len(buf) > manifestSizeLimit {
		return nil, errf(ErrUnsupportedMediaType, "manifest larger than %d bytes", manifestSizeLimit)
	}
	if !expect.IsZero() && !expect.matches(buf) {
		return nil, errf(ErrDigestMismatch, "manifest does not match digest %s", expect)
	}
	return buf, nil
}

// selectPlatform picks the index entry for the wanted architecture and OS.
// Among matches, an exact variant match beats an entry without variant, which
// beats a mismatched variant.
func selectPlatform(index Index, want Platform) (Digest, error) {
	best := -1
	bestScore := 0
	for i, m := range index.Manifests {
		if m.Platform.Architecture != want.Architecture || m.Platform.OS != want.OS {
			continue
		}
		score := 1
		switch m.Platform.Variant {
		case want.Variant:
			score = 3
		case "":
			score = 2
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Digest{}, errf(ErrNoMatchingPlatform, "no manifest for %s/%s in index", want.OS, want.Architecture)
	}
	return parseDigest(index.Manifests[best].Digest)
}

// fetchBlob opens a registry blob stream. The caller is responsible for
// digest/size verification (the blob cache wraps the stream in a verifying
// reader while writing it to disk).
func (c *client) fetchBlob(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	resp, err := c.tr.get(ctx, "blob", c.base+"/blobs/"+digest.String(), "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errf(ErrHTTPStatus, "blob %s: %s", digest, resp.Status)
	}
	return resp.Body, nil
}
