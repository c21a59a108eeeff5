package main

import (
	"github.com/landlock-lsm/go-landlock/landlock"
)

// restrictFS gives up access to the file system outside dest, except
// read-only access to the given extra directories (the blob cache, which
// layers are read from). One-way: once this returns, nothing can lift the
// restriction for the rest of the process. Must be called after all network
// I/O, so TLS certificates and resolver config need no exceptions.
//
// Landlock V2 adds REFER (moving/linking files across directories), which
// layer application needs for hardlinks.
func restrictFS(dest string, readOnly ...string) error {
	rules := []landlock.Rule{landlock.RWDirs(dest)}
	for _, dir := range readOnly {
		rules = append(rules, landlock.RODirs(dir))
	}
	if err := landlock.V2.RestrictPaths(rules...); err != nil {
		return errf(ErrSandboxUnavailable, "landlock: %v", err)
	}
	return nil
}
