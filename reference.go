package main

import (
	"regexp"
	"strings"
)

// Reference parsing follows the convention set by "docker pull": a first
// slash-separated segment with a dot, colon or "localhost" is the registry
// host, an image without a path on the default registry lives under
// "library/", the tag defaults to "latest". Not bug-for-bug compatible with
// docker, but close enough that the familiar short names resolve the same.

const (
	defaultRegistry  = "registry-1.docker.io"
	defaultNamespace = "library"
	defaultTag       = "latest"
)

var regexpTag = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_\.-]{0,127}$`)

// Reference is a parsed image reference: a registry host, a repository path
// within it, and a tag or digest selecting a manifest.
type Reference struct {
	Host       string // E.g. "registry-1.docker.io" or "registry.example.com:5000".
	Repository string // E.g. "library/alpine" or "owner/name".
	Tag        string
	Digest     Digest // When set, takes precedence over Tag for resolution.
}

// String returns the canonical form, host/repository:tag[@digest].
// Parsing the canonical form yields an identical Reference.
func (r Reference) String() string {
	s := r.Host + "/" + r.Repository + ":" + r.Tag
	if !r.Digest.IsZero() {
		s += "@" + r.Digest.String()
	}
	return s
}

// Selector returns the path element used on the manifests endpoint: the
// digest when present, the tag otherwise.
func (r Reference) Selector() string {
	if !r.Digest.IsZero() {
		return r.Digest.String()
	}
	return r.Tag
}

func parseReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, errf(ErrInvalidReference, "empty reference")
	}

	ref := Reference{Host: defaultRegistry, Tag: defaultTag}

	// Digest after the last "@".
	if i := strings.LastIndex(s, "@"); i >= 0 {
		d, err := parseDigest(s[i+1:])
		if err != nil {
			return Reference{}, err
		}
		ref.Digest = d
		s = s[:i]
	}

	// Tag after the last ":", unless a "/" follows it (then it is a port in
	// the registry host).
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i+1:], "/") {
		ref.Tag = s[i+1:]
		s = s[:i]
	}

	// The first segment is a host if it can only be a host: it has a dot or
	// colon, or is "localhost". Otherwise everything is a repository path on
	// the default registry.
	if i := strings.Index(s, "/"); i >= 0 {
		first := s[:i]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			ref.Host = first
			s = s[i+1:]
		}
	}
	if s == "" || strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") || strings.Contains(s, "//") {
		return Reference{}, errf(ErrInvalidReference, "missing or malformed repository")
	}
	if ref.Host == defaultRegistry && !strings.Contains(s, "/") {
		s = defaultNamespace + "/" + s
	}
	ref.Repository = s

	if !regexpTag.MatchString(ref.Tag) {
		return Reference{}, errf(ErrInvalidReference, "invalid tag %q", ref.Tag)
	}
	return ref, nil
}
