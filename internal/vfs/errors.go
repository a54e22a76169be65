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
	"context"
	"errors"
	"syscall"

	"github.com/jacobsa/fuse"

	"photofs/internal/common"
)

// errnoFor maps internal error kinds onto the errnos surfaced to the
// kernel. Anything unclassified is an I/O error; stale data never
// reaches this point because stale listings are served, not failed.
func errnoFor(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, common.ErrNotDir):
		return fuse.ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, common.ErrInvalidPath):
		return fuse.EINVAL
	case errors.Is(err, common.ErrInvalidHandle):
		return syscall.EBADF
	case errors.Is(err, common.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return fuse.EIO
	}
}
