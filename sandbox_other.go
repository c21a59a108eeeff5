//go:build !linux

package main

// Landlock is Linux-only. Other platforms have no sandbox; unpacking there
// requires explicitly accepting the lack of one.
func restrictFS(dest string, readOnly ...string) error {
	return errf(ErrSandboxUnavailable, "no file system sandbox on this platform")
}
