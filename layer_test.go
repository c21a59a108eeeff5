package main

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testMtime = time.Unix(1234567890, 0)

type testEntry struct {
	name    string
	typ     byte
	mode    int64
	content string
	link    string
}

func testLayer(t *testing.T, entries ...testEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if e.mode == 0 {
			if e.typ == tar.TypeDir {
				e.mode = 0755
			} else {
				e.mode = 0644
			}
		}
		hdr := tar.Header{
			Name:     e.name,
			Typeflag: e.typ,
			Mode:     e.mode,
			Size:     int64(len(e.content)),
			Linkname: e.link,
			ModTime:  testMtime,
		}
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("writing tar header for %s: %v", e.name, err)
		}
		if e.content != "" {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("writing tar content for %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	return &buf
}

func TestMaterializer(t *testing.T) {
	rootfs := t.TempDir()
	mz := &materializer{rootfs: rootfs}
	ctx := context.Background()

	apply := func(layer *bytes.Buffer) {
		t.Helper()
		if err := mz.applyLayer(ctx, layer); err != nil {
			t.Fatalf("applying layer: %v", err)
		}
	}
	checkContent := func(path, exp string) {
		t.Helper()
		buf, err := os.ReadFile(filepath.Join(rootfs, path))
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}
		if string(buf) != exp {
			t.Fatalf("%s: got %q, expected %q", path, buf, exp)
		}
	}
	checkAbsent := func(path string) {
		t.Helper()
		if _, err := os.Lstat(filepath.Join(rootfs, path)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s: expected absent, got err %v", path, err)
		}
	}

	// Base layer: directories, a file, a symlink.
	apply(testLayer(t,
		testEntry{name: "./", typ: tar.TypeDir},
		testEntry{name: "bin/", typ: tar.TypeDir, mode: 0755},
		testEntry{name: "bin/sh", typ: tar.TypeReg, mode: 0755, content: "#!/bin/sh\n"},
		testEntry{name: "etc/", typ: tar.TypeDir, mode: 0750},
		testEntry{name: "etc/passwd", typ: tar.TypeReg, content: "root:x:0:0\n"},
		testEntry{name: "bin/ash", typ: tar.TypeSymlink, link: "sh"},
	))
	checkContent("bin/sh", "#!/bin/sh\n")
	if target, err := os.Readlink(filepath.Join(rootfs, "bin/ash")); err != nil || target != "sh" {
		t.Fatalf("symlink bin/ash: target %q, err %v", target, err)
	}
	st, err := os.Stat(filepath.Join(rootfs, "bin/sh"))
	if err != nil || st.Mode().Perm() != 0755 {
		t.Fatalf("bin/sh: mode %v, err %v", st.Mode(), err)
	}
	st, err = os.Stat(filepath.Join(rootfs, "etc"))
	if err != nil || st.Mode().Perm() != 0750 {
		t.Fatalf("etc: mode %v, err %v", st.Mode(), err)
	}
	if !st.ModTime().Equal(testMtime) {
		t.Fatalf("etc: mtime %v, expected %v", st.ModTime(), testMtime)
	}

	// Second layer: hardlink, replace file with directory, whiteout.
	apply(testLayer(t,
		testEntry{name: "bin/sh2", typ: tar.TypeLink, link: "bin/sh"},
		testEntry{name: "etc/passwd/", typ: tar.TypeDir},
		testEntry{name: "bin/.wh.ash", typ: tar.TypeReg},
	))
	st1, err := os.Stat(filepath.Join(rootfs, "bin/sh"))
	if err != nil {
		t.Fatalf("stat bin/sh: %v", err)
	}
	st2, err := os.Stat(filepath.Join(rootfs, "bin/sh2"))
	if err != nil {
		t.Fatalf("stat bin/sh2: %v", err)
	}
	if !os.SameFile(st1, st2) {
		t.Fatalf("bin/sh2 is not a hardlink of bin/sh")
	}
	if st, err := os.Stat(filepath.Join(rootfs, "etc/passwd")); err != nil || !st.IsDir() {
		t.Fatalf("etc/passwd: expected directory, got %v, err %v", st, err)
	}
	checkAbsent("bin/ash")

	// Third layer: opaque directory. Entries this layer wrote before the
	// marker stay, inherited ones go, entries after the marker are applied.
	apply(testLayer(t,
		testEntry{name: "bin/new", typ: tar.TypeReg, content: "new"},
		testEntry{name: "bin/.wh..wh..opq", typ: tar.TypeReg},
		testEntry{name: "bin/late", typ: tar.TypeReg, content: "late"},
	))
	checkContent("bin/new", "new")
	checkContent("bin/late", "late")
	checkAbsent("bin/sh")
	checkAbsent("bin/sh2")
}

func TestMaterializerOpaqueNested(t *testing.T) {
	rootfs := t.TempDir()
	mz := &materializer{rootfs: rootfs}
	ctx := context.Background()

	if err := mz.applyLayer(ctx, testLayer(t,
		testEntry{name: "d/", typ: tar.TypeDir},
		testEntry{name: "d/sub/", typ: tar.TypeDir},
		testEntry{name: "d/sub/old", typ: tar.TypeReg, content: "old"},
		testEntry{name: "d/gone", typ: tar.TypeReg, content: "gone"},
	)); err != nil {
		t.Fatalf("applying base layer: %v", err)
	}

	// The top layer refreshes one file deep in the tree and masks the rest.
	if err := mz.applyLayer(ctx, testLayer(t,
		testEntry{name: "d/sub/keep", typ: tar.TypeReg, content: "keep"},
		testEntry{name: "d/.wh..wh..opq", typ: tar.TypeReg},
	)); err != nil {
		t.Fatalf("applying top layer: %v", err)
	}

	if buf, err := os.ReadFile(filepath.Join(rootfs, "d/sub/keep")); err != nil || string(buf) != "keep" {
		t.Fatalf("d/sub/keep: %q, %v", buf, err)
	}
	for _, p := range []string{"d/sub/old", "d/gone"} {
		if _, err := os.Lstat(filepath.Join(rootfs, p)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s: expected removed by opaque marker, err %v", p, err)
		}
	}
}

func TestMaterializerRejects(t *testing.T) {
	rootfs := t.TempDir()
	mz := &materializer{rootfs: rootfs}
	ctx := context.Background()

	check := func(code Errcode, entries ...testEntry) {
		t.Helper()
		err := mz.applyLayer(ctx, testLayer(t, entries...))
		if !errors.Is(err, code) {
			t.Fatalf("got %v, expected %s", err, code)
		}
	}

	check(ErrUnsafePath, testEntry{name: "../etc/passwd", typ: tar.TypeReg, content: "x"})
	check(ErrUnsafePath, testEntry{name: "a/../../etc/passwd", typ: tar.TypeReg, content: "x"})
	check(ErrUnsupportedEntryType, testEntry{name: "dev/null", typ: tar.TypeChar})
	check(ErrUnsupportedEntryType, testEntry{name: "dev/sda", typ: tar.TypeBlock})
	check(ErrUnsupportedEntryType, testEntry{name: "run/fifo", typ: tar.TypeFifo})
	check(ErrUnsafePath, testEntry{name: "up", typ: tar.TypeLink, link: "../outside"})

	// Absolute paths lose their leading slash and land inside the rootfs.
	if err := mz.applyLayer(ctx, testLayer(t, testEntry{name: "/abs", typ: tar.TypeReg, content: "x"})); err != nil {
		t.Fatalf("absolute path entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootfs, "abs")); err != nil {
		t.Fatalf("absolute path entry not created inside rootfs: %v", err)
	}
}

func TestMaterializerDeterministic(t *testing.T) {
	// Applying the same layers onto two fresh roots yields identical trees.
	layers := func() []*bytes.Buffer {
		return []*bytes.Buffer{
			testLayer(t,
				testEntry{name: "a/", typ: tar.TypeDir},
				testEntry{name: "a/x", typ: tar.TypeReg, content: "1"},
				testEntry{name: "a/y", typ: tar.TypeReg, content: "2"},
			),
			testLayer(t,
				testEntry{name: "a/.wh.x", typ: tar.TypeReg},
				testEntry{name: "a/z", typ: tar.TypeReg, content: "3"},
			),
		}
	}

	walk := func(root string) map[string]string {
		t.Helper()
		m := map[string]string{}
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, p)
			if info.Mode().IsRegular() {
				buf, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				m[rel] = string(buf)
			} else {
				m[rel] = info.Mode().String()
			}
			return nil
		})
		if err != nil {
			t.Fatalf("walking %s: %v", root, err)
		}
		return m
	}

	roots := []string{t.TempDir(), t.TempDir()}
	for _, root := range roots {
		mz := &materializer{rootfs: root}
		for _, l := range layers() {
			if err := mz.applyLayer(context.Background(), l); err != nil {
				t.Fatalf("applying layer: %v", err)
			}
		}
	}
	m0, m1 := walk(roots[0]), walk(roots[1])
	if len(m0) != len(m1) {
		t.Fatalf("tree sizes differ: %d != %d", len(m0), len(m1))
	}
	for k, v := range m0 {
		if m1[k] != v {
			t.Fatalf("tree entry %s differs: %q != %q", k, v, m1[k])
		}
	}
	if _, ok := m0["a/x"]; ok {
		t.Fatalf("whiteout a/x not applied")
	}
	if m0["a/z"] != "3" {
		t.Fatalf("a/z: got %q", m0["a/z"])
	}
}
