package httpserver

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"muttley/internal/apperr"
	"muttley/internal/fsutil"
	"muttley/internal/logging"
	"muttley/internal/metrics"
)

func (s *Server) davHandler() http.Handler {
	return &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: &guardFS{guard: s.guard},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}
}

// guardFS is a webdav.FileSystem confined by a Guard. Partial upload
// artifacts are invisible and the root itself cannot be removed or renamed.
type guardFS struct {
	guard *fsutil.Guard
}

func (g *guardFS) resolve(name string) (string, error) {
	name = path.Clean("/" + name)
	if fsutil.IsPartialName(path.Base(name)) {
		return "", os.ErrNotExist
	}
	p, err := g.guard.Resolve(strings.TrimPrefix(name, "/"))
	if err != nil {
		switch {
		case apperr.Is(err, apperr.KindPathEscape):
			metrics.RecordPathEscape()
			return "", os.ErrPermission
		case apperr.Is(err, apperr.KindNotFound):
			return "", os.ErrNotExist
		case apperr.Is(err, apperr.KindAccess):
			return "", os.ErrPermission
		}
		return "", err
	}
	return p, nil
}

// resolveChild is resolve for operations that must not target the root.
func (g *guardFS) resolveChild(name string) (string, error) {
	p, err := g.resolve(name)
	if err != nil {
		return "", err
	}
	if p == g.guard.Root() {
		return "", os.ErrPermission
	}
	return p, nil
}

func (g *guardFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	p, err := g.resolveChild(name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, perm)
}

func (g *guardFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := g.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flag, perm)
	if err != nil {
		return nil, err
	}
	return davFile{f}, nil
}

func (g *guardFS) RemoveAll(ctx context.Context, name string) error {
	p, err := g.resolveChild(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (g *guardFS) Rename(ctx context.Context, oldName, newName string) error {
	from, err := g.resolveChild(oldName)
	if err != nil {
		return err
	}
	to, err := g.resolveChild(newName)
	if err != nil {
		return err
	}
	return os.Rename(from, to)
}

func (g *guardFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p, err := g.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// davFile hides partial upload artifacts from directory listings.
type davFile struct {
	*os.File
}

func (f davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if !fsutil.IsPartialName(fi.Name()) {
			out = append(out, fi)
		}
	}
	return out, err
}
