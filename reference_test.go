package main

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestReference(t *testing.T) {
	sha := strings.Repeat("0123456789abcdef", 4)
	sha512hex := strings.Repeat("0123456789abcdef", 8)

	check := func(s string, exp Reference) {
		t.Helper()
		ref, err := parseReference(s)
		if err != nil {
			t.Fatalf("parsing %q: %v", s, err)
		}
		if !reflect.DeepEqual(ref, exp) {
			t.Fatalf("parsing %q: got %#v, expected %#v", s, ref, exp)
		}

		// The canonical form must parse back to the identical reference.
		again, err := parseReference(ref.String())
		if err != nil {
			t.Fatalf("reparsing canonical %q: %v", ref.String(), err)
		}
		if !reflect.DeepEqual(again, ref) {
			t.Fatalf("canonical %q parsed to %#v, expected %#v", ref.String(), again, ref)
		}
	}

	checkBad := func(s string) {
		t.Helper()
		if _, err := parseReference(s); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("parsing %q: got %v, expected invalid_reference", s, err)
		}
	}

	check("alpine", Reference{"registry-1.docker.io", "library/alpine", "latest", Digest{}})
	check("alpine:3.18", Reference{"registry-1.docker.io", "library/alpine", "3.18", Digest{}})
	check("nixos/nix", Reference{"registry-1.docker.io", "nixos/nix", "latest", Digest{}})
	check("ghcr.io/x/y", Reference{"ghcr.io", "x/y", "latest", Digest{}})
	check("ghcr.io/x/y@sha256:"+sha, Reference{"ghcr.io", "x/y", "latest", Digest{"sha256", sha}})
	check("example.com:5000/foo/bar:1.2.3", Reference{"example.com:5000", "foo/bar", "1.2.3", Digest{}})
	check("localhost/foo", Reference{"localhost", "foo", "latest", Digest{}})
	check("localhost:5000/foo:dev", Reference{"localhost:5000", "foo", "dev", Digest{}})
	check("debian:stable@sha512:"+sha512hex, Reference{"registry-1.docker.io", "library/debian", "stable", Digest{"sha512", sha512hex}})
	// Uppercase hex is canonicalized to lower case.
	check("ghcr.io/x/y@sha256:"+strings.ToUpper(sha), Reference{"ghcr.io", "x/y", "latest", Digest{"sha256", sha}})

	checkBad("")
	checkBad("alpine@md5:0000")
	checkBad("alpine@sha256:0000")                          // Wrong length.
	checkBad("alpine@sha256:" + strings.Repeat("zz", 32))   // Not hex.
	checkBad("foo:" + strings.Repeat("x", 200))             // Overlong tag.
	checkBad("foo:!")                                       // Bad tag character.
	checkBad("example.com/")                                // Missing repository.
	checkBad("example.com//foo")
}
