package vfs

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"

	"photofs/internal/common"
)

func TestErrnoFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"not found", common.ErrNotFound, fuse.ENOENT},
		{"wrapped not found", fmt.Errorf("resolve /a: %w", common.ErrNotFound), fuse.ENOENT},
		{"not a directory", common.ErrNotDir, fuse.ENOTDIR},
		{"is a directory", common.ErrIsDir, syscall.EISDIR},
		{"invalid path", common.ErrInvalidPath, fuse.EINVAL},
		{"invalid handle", common.ErrInvalidHandle, syscall.EBADF},
		{"read only", common.ErrReadOnly, syscall.EROFS},
		{"canceled", context.Canceled, syscall.EINTR},
		{"network degrades to EIO", common.ErrNetwork, fuse.EIO},
		{"timeout degrades to EIO", common.ErrTimeout, fuse.EIO},
		{"unknown", errors.New("boom"), fuse.EIO},
	}

	for _, tc := range cases {
		if got := errnoFor(tc.err); got != tc.want {
			t.Errorf("%s: errnoFor(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}
