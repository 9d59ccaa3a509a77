// Copyright 2025 BlockStorage, Inc.
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

package utils

import (
	"path"
	"strings"
)

// CreateAPIPath canonicalizes a logical path: forward-slash rooted, no
// "." or ".." segments, no duplicate slashes, no trailing slash except
// for the root itself.
func CreateAPIPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	p = path.Clean(p)
	if p == "." || p == "" {
		return "/"
	}

	return p
}

// ParentAPIPath returns the canonical parent of an api path, or "" for
// the root.
func ParentAPIPath(p string) string {
	p = CreateAPIPath(p)
	if p == "/" {
		return ""
	}

	return path.Dir(p)
}

// LeafName returns the final element of an api path ("/" for the root).
func LeafName(p string) string {
	return path.Base(CreateAPIPath(p))
}

// IsAPIPathChild reports whether child lives at or below parent.
func IsAPIPathChild(parent string, child string) bool {
	parent = CreateAPIPath(parent)
	child = CreateAPIPath(child)
	if parent == "/" {
		return true
	}

	return child == parent || strings.HasPrefix(child, parent+"/")
}
