// Package archive streams a directory tree as a zip archive.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"muttley/internal/apperr"
	"muttley/internal/fsutil"
)

// ExportZip writes every regular file below dir to w as a zip archive.
// Entry names are relative to dir, so dir/x.txt becomes "x.txt". Empty
// directories are kept as "name/" entries. Symlinks and partial upload
// artifacts are skipped. Entries are written in lexical walk order, so the
// same tree always produces the same entry sequence.
//
// An error after the first byte has been written leaves w holding a
// truncated archive; callers streaming to a client should abort the
// connection instead of trying to report it.
func ExportZip(ctx context.Context, w io.Writer, dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return apperr.FromFS(err, filepath.Base(dir))
	}
	if !st.IsDir() {
		return apperr.NotADirectory(filepath.Base(dir))
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if skip(d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := entryName(rel)

		if d.IsDir() {
			empty, err := exportsNothing(p)
			if err != nil || !empty {
				return err
			}
			_, err = zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: modTime(d)})
			return err
		}
		return addFile(zw, p, name, d)
	})
	if err != nil {
		return fmt.Errorf("zip %s: %w", filepath.Base(dir), err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip %s: finish: %w", filepath.Base(dir), err)
	}
	return nil
}

// Name returns the download file name for an export of dir.
func Name(dir string) string {
	base := filepath.Base(filepath.Clean(dir))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "root"
	}
	return base + ".zip"
}

func addFile(zw *zip.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	h, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	h.Name = name
	h.Method = zip.Deflate

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}

// skip reports whether d is left out of archives entirely.
func skip(d fs.DirEntry) bool {
	if fsutil.IsPartialName(d.Name()) {
		return true
	}
	return !d.IsDir() && !d.Type().IsRegular()
}

// exportsNothing reports whether no descendant of dir would be archived
// directly, i.e. dir needs its own entry to survive extraction.
func exportsNothing(dir string) (bool, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range ents {
		if !skip(e) {
			return false, nil
		}
	}
	return true, nil
}

func entryName(rel string) string {
	name := path.Clean(filepath.ToSlash(rel))
	return strings.TrimPrefix(name, "/")
}

func modTime(d fs.DirEntry) time.Time {
	if info, err := d.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
