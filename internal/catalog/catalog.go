// Package catalog lists, sizes, sorts and searches directory entries under
// the root. Nothing is cached: every call re-reads the filesystem.
//
// Symlinks: a link whose target stays inside the root is stat-ed through, so
// a link to a directory shows as a directory. A link that leaves the root or
// points nowhere is listed as itself (size 0, its own mtime) and reports
// nothing about its target. Recursive size walks and searches never descend
// through a link, so link cycles cannot loop.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"muttley/internal/apperr"
	"muttley/internal/fsutil"
)

// Entry is one listing or search row.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"` // root-relative, search results only
	IsDir bool   `json:"is_dir"`
	Size  uint64 `json:"size_bytes"`
	// SizeText is Size in human form, e.g. "1.50 MB".
	SizeText string `json:"size"`
	// LastModified is milliseconds since the Unix epoch.
	LastModified int64 `json:"last_modified"`
}

// SearchResult holds search hits in walk order.
type SearchResult struct {
	Entries   []Entry
	Truncated bool
}

// Catalog reads directories confined by a Guard.
type Catalog struct {
	guard      *fsutil.Guard
	maxResults int
}

func New(guard *fsutil.Guard, maxResults int) *Catalog {
	if maxResults <= 0 {
		maxResults = 1000
	}
	return &Catalog{guard: guard, maxResults: maxResults}
}

// List returns the immediate children of dir, directories first. dir must be
// a Guard-resolved path.
func (c *Catalog) List(ctx context.Context, dir string) ([]Entry, error) {
	rel := c.guard.Rel(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, apperr.FromFS(err, rel)
	}
	if !st.IsDir() {
		return nil, apperr.NotADirectory(displayName(rel))
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.FromFS(err, rel)
	}

	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if fsutil.IsPartialName(name) {
			continue
		}
		full := filepath.Join(dir, name)
		info, err := c.stat(full)
		if err != nil {
			// removed since ReadDir
			continue
		}
		it, err := c.entry(ctx, full, info)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	SortEntries(items)
	return items, nil
}

// Search walks the whole tree below the root and returns every entry whose
// name contains term, case-insensitively. Matching directories are still
// descended into. At most maxResults hits are returned.
func (c *Catalog) Search(ctx context.Context, term string) (SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return SearchResult{}, apperr.MissingField("query")
	}
	needle := strings.ToLower(term)
	root := c.guard.Root()

	res := SearchResult{Entries: make([]Entry, 0, 32)}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}
		name := d.Name()
		if fsutil.IsPartialName(name) {
			return nil
		}
		if !strings.Contains(strings.ToLower(name), needle) {
			return nil
		}
		if len(res.Entries) >= c.maxResults {
			res.Truncated = true
			return fs.SkipAll
		}
		info, err := c.stat(p)
		if err != nil {
			return nil
		}
		it, err := c.entry(ctx, p, info)
		if err != nil {
			return err
		}
		it.Path = c.guard.Rel(p)
		res.Entries = append(res.Entries, it)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return SearchResult{}, err
		}
		return SearchResult{}, apperr.FromFS(err, "")
	}
	return res, nil
}

// stat follows full only when it is a symlink whose target the Guard accepts.
func (c *Catalog) stat(full string) (fs.FileInfo, error) {
	info, err := os.Lstat(full)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return info, err
	}
	if _, err := c.guard.Resolve(full); err != nil {
		return info, nil
	}
	if target, err := os.Stat(full); err == nil {
		return target, nil
	}
	return info, nil
}

func (c *Catalog) entry(ctx context.Context, full string, info fs.FileInfo) (Entry, error) {
	it := Entry{
		Name:         info.Name(),
		IsDir:        info.IsDir(),
		LastModified: info.ModTime().UnixMilli(),
	}
	if it.IsDir {
		size, err := DirSize(ctx, full)
		if err != nil {
			return Entry{}, err
		}
		it.Size = size
	} else if info.Mode()&fs.ModeSymlink == 0 {
		it.Size = uint64(info.Size())
	}
	it.SizeText = FormatSize(it.Size)
	return it, nil
}

// DirSize sums the sizes of all regular files below dir. Symlinks are not
// followed and unreadable subtrees are skipped.
func DirSize(ctx context.Context, dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

// SortEntries orders directories before files, then by a language-neutral
// collation of the name with a byte-wise tie-break, so the order is total.
func SortEntries(items []Entry) {
	col := collate.New(language.Und)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		if c := col.CompareString(items[i].Name, items[j].Name); c != 0 {
			return c < 0
		}
		return items[i].Name < items[j].Name
	})
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders n bytes with two decimals in the largest unit that keeps
// the value below 1024 (capped at TB).
func FormatSize(n uint64) string {
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(sizeUnits)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, sizeUnits[i])
}

func displayName(rel string) string {
	if rel == "" {
		return "/"
	}
	return rel
}
