// Copyright 2025 PhotoFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"sync"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// dirBuffer holds the listing snapshot behind one open directory handle.
//
// INVARIANT: entries[i].Offset == DirOffset(i) + 1
// INVARIANT: if !valid then len(entries) == 0
type dirBuffer struct {
	mu      sync.Mutex
	entries []fuseutil.Dirent
	valid   bool
}

// ReadDir serves one ReadDirOp from the buffered listing, calling list
// to (re)populate it when needed.
//
// FUSE gives no way to intercept seeks, so a zero offset is assumed to
// mean the first read or a rewinddir and takes a fresh listing. An
// offset past the buffered end is an invalid seekdir per posix.
func (d *dirBuffer) ReadDir(op *fuseops.ReadDirOp, list func() ([]fuseutil.Dirent, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Offset == 0 {
		d.entries = nil
		d.valid = false
	}

	if !d.valid {
		entries, err := list()
		if err != nil {
			return err
		}
		for i := range entries {
			entries[i].Offset = fuseops.DirOffset(i) + 1
		}
		d.entries = entries
		d.valid = true
	}

	index := int(op.Offset)
	if index > len(d.entries) {
		return fuse.EINVAL
	}

	for i := index; i < len(d.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d.entries[i])
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}
