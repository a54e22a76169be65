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

package common

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrStale          = errors.New("stale data")
	ErrNetwork        = errors.New("network error")
	ErrAuth           = errors.New("authentication required")
	ErrTimeout        = errors.New("operation timed out")
	ErrCacheExhausted = errors.New("cache exhausted")
	ErrCorrupt        = errors.New("corrupt record")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrReadOnly       = errors.New("read-only filesystem")
)

// IsRetryable reports whether err is a transient failure worth retrying.
// Auth failures are never retryable without external re-authentication.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
