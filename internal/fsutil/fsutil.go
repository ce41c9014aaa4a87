// Package fsutil confines client-supplied paths to a single root directory.
//
// Symlink policy: paths are normalized lexically first, then the deepest
// existing ancestor is resolved with filepath.EvalSymlinks and checked again.
// A symlink inside the root whose target leaves the root is rejected.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"muttley/internal/apperr"
)

// partialSuffix marks upload artifacts owned by the server. Client-supplied
// names carrying it are refused, so anything the sweeper finds with it was
// created by an upload.
const partialSuffix = ".muttley.part"

// Guard resolves candidate paths against a fixed root.
type Guard struct {
	root string
}

// NewGuard canonicalizes root (absolute, symlinks resolved). root must be an
// existing directory.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", real)
	}
	return &Guard{root: filepath.Clean(real)}, nil
}

// Root returns the canonical root path.
func (g *Guard) Root() string { return g.root }

// Resolve returns an absolute path inside the root for candidate, which may be
// absolute (it must already lie under the root) or relative to the root.
// An empty candidate resolves to the root.
func (g *Guard) Resolve(candidate string) (string, error) {
	if strings.Contains(candidate, "\x00") {
		return "", apperr.PathEscape()
	}
	c := strings.TrimSpace(candidate)
	c = strings.ReplaceAll(c, "\\", "/")
	if c == "" || c == "." {
		return g.root, nil
	}

	var p string
	if strings.HasPrefix(c, "/") {
		p = filepath.Clean(filepath.FromSlash(c))
	} else {
		p = filepath.Join(g.root, filepath.FromSlash(c))
	}
	if !g.Contains(p) {
		return "", apperr.PathEscape()
	}

	real, err := resolveExisting(p)
	if err != nil {
		if errors.Is(err, errDanglingLink) {
			return "", apperr.PathEscape()
		}
		return "", apperr.FromFS(err, g.Rel(p))
	}
	if !g.Contains(real) {
		return "", apperr.PathEscape()
	}
	return p, nil
}

// Join resolves name (a single path component) inside dir. dir must already
// be a Guard-resolved path.
func (g *Guard) Join(dir, name string) (string, error) {
	if err := CleanName(name); err != nil {
		return "", err
	}
	return g.Resolve(filepath.Join(dir, name))
}

// Contains reports whether abs is the root or lies beneath it (lexically).
func (g *Guard) Contains(abs string) bool {
	abs = filepath.Clean(abs)
	if abs == g.root {
		return true
	}
	prefix := g.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(abs, prefix)
}

// Parent implements the go_back navigation verb: the parent of abs, clamped
// to the root.
func (g *Guard) Parent(abs string) string {
	if !g.Contains(abs) || filepath.Clean(abs) == g.root {
		return g.root
	}
	parent := filepath.Dir(filepath.Clean(abs))
	if !g.Contains(parent) {
		return g.root
	}
	return parent
}

// Rel renders abs as a slash-separated path relative to the root. The root
// itself is "".
func (g *Guard) Rel(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// CleanName validates a single path component supplied by a client. Names
// reserved for partial upload artifacts are rejected.
func CleanName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return apperr.InvalidName(name)
	case strings.ContainsAny(name, "/\\\x00"):
		return apperr.InvalidName(name)
	case IsPartialName(name):
		return apperr.InvalidName(name)
	}
	return nil
}

// BaseName strips any directory components from item, so "../../etc" becomes
// "etc". The result is validated with CleanName.
func BaseName(item string) (string, error) {
	s := strings.ReplaceAll(item, "\\", "/")
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "", apperr.InvalidName(item)
	}
	base := path.Base(s)
	if err := CleanName(base); err != nil {
		return "", apperr.InvalidName(item)
	}
	return base, nil
}

// PartialName is the hidden temporary name an upload of name accumulates
// under before it is finalized.
func PartialName(name string) string {
	return "." + name + partialSuffix
}

// IsPartialName reports whether name follows the partial-artifact convention.
func IsPartialName(name string) bool {
	return len(name) > len(partialSuffix)+1 &&
		strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, partialSuffix)
}

// OriginalName maps a partial artifact name back to the name it will be
// finalized under.
func OriginalName(partial string) string {
	return strings.TrimSuffix(strings.TrimPrefix(partial, "."), partialSuffix)
}

var errDanglingLink = errors.New("dangling symlink")

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the non-existent remainder.
func resolveExisting(p string) (string, error) {
	cur := p
	rest := ""
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// A link that exists but points nowhere could later be made to point
		// anywhere, so it is never followed.
		if st, lerr := os.Lstat(cur); lerr == nil && st.Mode()&fs.ModeSymlink != 0 {
			return "", errDanglingLink
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}
