// Package pathutil maps between the paths the mount shows and the paths the
// workspace API takes.
//
// Notebooks appear in the mount as "<name>.ipynb"; the workspace stores them
// as "<name>". Every other object keeps its name in both worlds. Mount paths
// are absolute, slash-separated and clean.
package pathutil

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// NotebookSuffix marks a notebook in the mount.
const NotebookSuffix = ".ipynb"

// ErrInvalidName is returned for directory entry names that are empty,
// dot names, or contain a separator.
var ErrInvalidName = errors.New("invalid entry name")

// IsNotebook reports whether mountPath names a notebook. A bare ".ipynb"
// has no notebook name in front of the suffix and is an ordinary file.
func IsNotebook(mountPath string) bool {
	base := path.Base(mountPath)
	return len(base) > len(NotebookSuffix) && strings.HasSuffix(base, NotebookSuffix)
}

// Remote returns the workspace path of mountPath.
func Remote(mountPath string) string {
	if IsNotebook(mountPath) {
		return strings.TrimSuffix(mountPath, NotebookSuffix)
	}
	return mountPath
}

// MountName returns the name a workspace object is listed under.
func MountName(remoteName string, notebook bool) string {
	if notebook {
		return remoteName + NotebookSuffix
	}
	return remoteName
}

// Child joins a directory entry name onto the mount path of its parent.
func Child(parent, name string) (string, error) {
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return path.Join("/", parent, name), nil
}

// Within reports whether p is prefix or lies below it.
func Within(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Rebase moves p from under oldPrefix to under newPrefix. It reports false,
// and returns p unchanged, when p is not within oldPrefix.
func Rebase(p, oldPrefix, newPrefix string) (string, bool) {
	if !Within(p, oldPrefix) {
		return p, false
	}
	if oldPrefix == "/" {
		return path.Join(newPrefix, p), true
	}
	return newPrefix + strings.TrimPrefix(p, oldPrefix), true
}
