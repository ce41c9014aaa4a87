// Package deletion removes a batch of items from one directory in two
// phases: NewPlan checks the whole batch, Execute acts on it.
package deletion

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"muttley/internal/apperr"
	"muttley/internal/fsutil"
)

// ItemResult is the outcome for one item of an executed plan.
type ItemResult struct {
	Name    string `json:"name"`
	IsDir   bool   `json:"is_dir"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// BatchError is returned by Execute when at least one item failed. Items
// before and after the failure were still attempted.
type BatchError struct {
	Results []ItemResult
}

func (e *BatchError) Error() string {
	var failed []string
	for _, r := range e.Results {
		if !r.Deleted {
			failed = append(failed, r.Name)
		}
	}
	return fmt.Sprintf("failed to delete %d of %d items: %s", len(failed), len(e.Results), strings.Join(failed, ", "))
}

type target struct {
	name     string
	abs      string
	isDir    bool
	nonEmpty bool
}

// Plan is a validated deletion batch.
type Plan struct {
	targets []target
}

// NewPlan reduces each item to its base name inside dir and classifies it.
// dir must be Guard-resolved. Items are never resolved through a symlink, so a
// link is planned as the link itself wherever it points. Duplicate names
// collapse to one. If any item is missing, nothing is planned and the
// NotFound error names every missing item.
func NewPlan(guard *fsutil.Guard, dir string, items []string) (*Plan, error) {
	if len(items) == 0 {
		return nil, apperr.MissingField("items")
	}
	if !guard.Contains(dir) {
		return nil, apperr.PathEscape()
	}
	seen := make(map[string]bool, len(items))
	var (
		plan    Plan
		missing []string
	)
	for _, item := range items {
		name, err := fsutil.BaseName(item)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		abs := filepath.Join(dir, name)
		// Lstat: a symlink is deleted as a link, never followed.
		st, err := os.Lstat(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, name)
				continue
			}
			return nil, apperr.FromFS(err, name)
		}
		t := target{name: name, abs: abs, isDir: st.IsDir()}
		if t.isDir {
			empty, err := isEmptyDir(abs)
			if err != nil {
				return nil, apperr.FromFS(err, name)
			}
			t.nonEmpty = !empty
		}
		plan.targets = append(plan.targets, t)
	}
	if len(missing) > 0 {
		return nil, apperr.NotFound(missing...)
	}
	return &plan, nil
}

// NonEmptyDirs lists the planned directories that still have contents.
func (p *Plan) NonEmptyDirs() []string {
	var dirs []string
	for _, t := range p.targets {
		if t.nonEmpty {
			dirs = append(dirs, t.name)
		}
	}
	return dirs
}

// Execute deletes the planned items. Without force, non-empty directories
// fail the whole batch up front with DirectoriesNotEmpty and nothing is
// touched. Otherwise every item is attempted in order; there is no rollback.
func (p *Plan) Execute(force bool) ([]ItemResult, error) {
	if dirs := p.NonEmptyDirs(); len(dirs) > 0 && !force {
		return nil, apperr.DirectoriesNotEmpty(dirs)
	}

	results := make([]ItemResult, 0, len(p.targets))
	failed := false
	for _, t := range p.targets {
		res := ItemResult{Name: t.name, IsDir: t.isDir}
		var err error
		if t.isDir && force {
			err = os.RemoveAll(t.abs)
		} else {
			// os.Remove takes files, links and empty directories.
			err = os.Remove(t.abs)
		}
		if err != nil {
			res.Error = apperr.FromFS(err, t.name).Error()
			failed = true
		} else {
			res.Deleted = true
		}
		results = append(results, res)
	}
	if failed {
		return results, &BatchError{Results: results}
	}
	return results, nil
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Names returns the planned item names, deduplicated, in request order.
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.targets))
	for _, t := range p.targets {
		names = append(names, t.name)
	}
	return names
}
