// Package tree provides path utilities, MIME inference and tree assembly for
// owner file systems.
package tree

import (
	"path"
	"strings"
)

// Root is the implicit owner root. It is never stored as a node.
const Root = "/"

// Normalize cleans p into an absolute slash path without a trailing slash.
func Normalize(p string) string {
	if p == "" {
		return Root
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == Root {
		return "/" + name
	}
	return parentPath + "/" + name
}

// ParentOf returns the parent path of p ("/" for top-level paths).
func ParentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return Root
	}
	return dir
}

// BaseName returns the final segment of p.
func BaseName(p string) string {
	return path.Base(p)
}

// IsWithin reports whether p equals ancestor or lies below it.
func IsWithin(p, ancestor string) bool {
	if ancestor == Root {
		return true
	}
	return p == ancestor || strings.HasPrefix(p, ancestor+"/")
}

// RewritePrefix replaces the oldPrefix of p with newPrefix. p must be within
// oldPrefix.
func RewritePrefix(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}
	return newPrefix + strings.TrimPrefix(p, oldPrefix)
}

// Depth returns the number of segments in p.
func Depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}
