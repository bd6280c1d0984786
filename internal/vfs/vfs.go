/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vfs is the filesystem seam read and write sessions operate
// through. It exists so sessions never call os directly, which lets tests
// inject a fake that simulates disk-full or permission-denied conditions.
package vfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
)

// ReadFile is a handle opened for a read session.
type ReadFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// WriteFile is a handle opened for a write session. Writes go to a
// temporary path; Commit renames it into place, Discard removes it. Per
// spec.md §4.5/§9, this keeps a partial upload from ever being visible
// under its final name.
type WriteFile interface {
	io.Writer
	Sync() error
	Commit() error
	Discard() error
}

// Filesystem is the abstraction sessions use for every disk touch.
type Filesystem interface {
	OpenRead(path string) (ReadFile, error)
	// CreateWrite opens a temp file next to finalPath and returns a handle
	// that, on Commit, renames it atomically into finalPath. token
	// distinguishes concurrent writers to the same logical filename so
	// their temp names never collide.
	CreateWrite(finalPath string, token uint64) (WriteFile, error)
}

// OS is the production Filesystem, backed by the host filesystem.
type OS struct{}

// OpenRead implements Filesystem.
func (OS) OpenRead(path string) (ReadFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &osReadFile{f: f, size: info.Size()}, nil
}

// CreateWrite implements Filesystem.
func (OS) CreateWrite(finalPath string, token uint64) (WriteFile, error) {
	dir := filepath.Dir(finalPath)
	name := TempName(filepath.Base(finalPath), token)
	tmpPath := filepath.Join(dir, name)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &osWriteFile{f: f, tmpPath: tmpPath, finalPath: finalPath}, nil
}

// TempName derives a collision-resistant temp filename for a concurrent
// write to base. token is typically the session id; hashing it alongside
// the filename (rather than concatenating it raw) keeps the name short and
// filesystem-safe regardless of what token looks like.
func TempName(base string, token uint64) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(base))
	var tb [8]byte
	for i := range tb {
		tb[i] = byte(token >> (8 * i))
	}
	_, _ = h.Write(tb[:])
	return "." + base + ".tmp." + hex16(h.Sum64())
}

func hex16(v uint64) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b)
}

type osReadFile struct {
	f    *os.File
	size int64
}

func (r *osReadFile) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *osReadFile) Close() error                             { return r.f.Close() }
func (r *osReadFile) Size() int64 { return r.size }

type osWriteFile struct {
	f         *os.File
	tmpPath   string
	finalPath string
}

func (w *osWriteFile) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *osWriteFile) Sync() error                 { return w.f.Sync() }

func (w *osWriteFile) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

func (w *osWriteFile) Discard() error {
	w.f.Close()
	return os.Remove(w.tmpPath)
}
