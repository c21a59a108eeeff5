package main

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"regexp"
	"strings"
)

// Digests are of the form "algorithm:hex". Registries use sha256 almost
// exclusively, sha512 is allowed by the OCI spec. Hex is (needlessly
// complicating) case insensitive, we canonicalize to lower case on parse so
// comparisons can be plain string equality.
var regexpDigest = regexp.MustCompile(`^([a-z0-9]+):([a-fA-F0-9]+)$`)

// Digest identifies blob contents, verified whenever the blob is fetched.
// The zero Digest means "no digest".
type Digest struct {
	Algorithm string // "sha256" or "sha512".
	Hex       string // Lower case hexadecimal.
}

func (d Digest) IsZero() bool {
	return d.Algorithm == ""
}

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Algorithm + ":" + d.Hex
}

func (d Digest) newHash() hash.Hash {
	switch d.Algorithm {
	case "sha512":
		return sha512.New()
	}
	return sha256.New()
}

func parseDigest(s string) (Digest, error) {
	m := regexpDigest.FindStringSubmatch(s)
	if m == nil {
		return Digest{}, errf(ErrInvalidReference, "digest %q not of form algorithm:hex", s)
	}
	var size int
	switch m[1] {
	case "sha256":
		size = 2 * sha256.Size
	case "sha512":
		size = 2 * sha512.Size
	default:
		return Digest{}, errf(ErrInvalidReference, "digest algorithm %q not supported", m[1])
	}
	if len(m[2]) != size {
		return Digest{}, errf(ErrInvalidReference, "wrong digest length %d for %s, need %d", len(m[2]), m[1], size)
	}
	return Digest{m[1], strings.ToLower(m[2])}, nil
}

// matches reports whether buf hashes to d.
func (d Digest) matches(buf []byte) bool {
	h := d.newHash()
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil)) == d.Hex
}

func sha256Digest(buf []byte) Digest {
	h := sha256.Sum256(buf)
	return Digest{"sha256", hex.EncodeToString(h[:])}
}

// verifyReader passes bytes through unchanged while hashing them, and checks
// digest and declared size when the stream ends. A read past the declared
// size fails immediately at the first excess byte, a short or corrupt stream
// fails at EOF. Callers that abandon the stream before EOF must treat the
// data as unverified.
type verifyReader struct {
	r      io.Reader
	h      hash.Hash
	expect Digest
	size   int64 // Declared size, < 0 to disable the size check.
	n      int64
	done   bool
}

func newVerifyReader(r io.Reader, expect Digest, size int64) *verifyReader {
	return &verifyReader{r: r, h: expect.newHash(), expect: expect, size: size}
}

func (vr *verifyReader) Read(buf []byte) (int, error) {
	if vr.done {
		return 0, io.EOF
	}
	n, err := vr.r.Read(buf)
	if n > 0 {
		vr.h.Write(buf[:n])
		vr.n += int64(n)
		if vr.size >= 0 && vr.n > vr.size {
			return n, errf(ErrSizeMismatch, "blob %s: more than declared %d bytes", vr.expect, vr.size)
		}
	}
	if err == io.EOF {
		vr.done = true
		if verr := vr.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

// Check size and digest of the bytes read so far. Automatically done when
// Read returns EOF.
func (vr *verifyReader) verify() error {
	if vr.size >= 0 && vr.n != vr.size {
		return errf(ErrSizeMismatch, "blob %s: got %d bytes, expected %d", vr.expect, vr.n, vr.size)
	}
	got := hex.EncodeToString(vr.h.Sum(nil))
	if got != vr.expect.Hex {
		return errf(ErrDigestMismatch, "blob %s: computed %s:%s", vr.expect, vr.expect.Algorithm, got)
	}
	return nil
}
