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

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Structural paths of the virtual tree. These exist even when the index
// is empty.
const (
	RootPath   = "/"
	AlbumsPath = "/albums"
	MediaPath  = "/media"
)

// NormalizePath cleans a virtual path into rooted canonical form:
// "/" for the root, "/a/b" otherwise, never a trailing slash.
func NormalizePath(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	return p
}

// SplitPath splits a virtual path into its components. The root splits
// into nil.
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == RootPath {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// JoinPath joins components onto a rooted virtual path.
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent of a virtual path. The root is its own
// parent.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == RootPath {
		return RootPath
	}
	return path.Dir(p)
}

// BaseName returns the final component of a virtual path, "" for the root.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == RootPath {
		return ""
	}
	return path.Base(p)
}

// IsStructural reports whether p is one of the fixed tree nodes that are
// not backed by index records.
func IsStructural(p string) bool {
	p = NormalizePath(p)
	return p == RootPath || p == AlbumsPath || p == MediaPath
}

// HomeDir returns the photofs home directory. PHOTOFS_HOME overrides the
// default ~/.photofs.
func HomeDir() (string, error) {
	if dir := os.Getenv("PHOTOFS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".photofs"), nil
}

// EnsureHomeDir returns the photofs home directory, creating it if needed.
func EnsureHomeDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
