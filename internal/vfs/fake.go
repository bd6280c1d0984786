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

package vfs

import (
	"bytes"
	"errors"
	"sync"
)

// Fake is an in-memory Filesystem for session tests, and a fault-injection
// point for the disk-full/permission-denied scenarios named in spec.md §7.
type Fake struct {
	mu       sync.Mutex
	files    map[string][]byte
	WriteErr error // if set, every Write on an in-flight WriteFile fails with this
}

// NewFake returns an empty in-memory Filesystem.
func NewFake() *Fake {
	return &Fake{files: make(map[string][]byte)}
}

// Put seeds path with content, as if written before the server started.
func (f *Fake) Put(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), content...)
}

// Get returns the committed content of path, for test assertions.
func (f *Fake) Get(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	return b, ok
}

// OpenRead implements Filesystem.
func (f *Fake) OpenRead(path string) (ReadFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	if !ok {
		return nil, errors.New("fake: no such file")
	}
	return &fakeReadFile{data: b}, nil
}

// CreateWrite implements Filesystem.
func (f *Fake) CreateWrite(finalPath string, token uint64) (WriteFile, error) {
	return &fakeWriteFile{fs: f, finalPath: finalPath, tmpName: TempName(finalPath, token)}, nil
}

type fakeReadFile struct {
	data []byte
}

func (r *fakeReadFile) ReadAt(p []byte, off int64) (int, error) {
	reader := bytes.NewReader(r.data)
	return reader.ReadAt(p, off)
}
func (r *fakeReadFile) Close() error { return nil }
func (r *fakeReadFile) Size() int64  { return int64(len(r.data)) }

type fakeWriteFile struct {
	fs        *Fake
	finalPath string
	tmpName   string
	buf       bytes.Buffer
	discarded bool
}

func (w *fakeWriteFile) Write(p []byte) (int, error) {
	w.fs.mu.Lock()
	err := w.fs.WriteErr
	w.fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *fakeWriteFile) Sync() error { return nil }

func (w *fakeWriteFile) Commit() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.finalPath] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (w *fakeWriteFile) Discard() error {
	w.discarded = true
	return nil
}
