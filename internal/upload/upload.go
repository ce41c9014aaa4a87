package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"muttley/internal/apperr"
	"muttley/internal/fsutil"
	"muttley/internal/logging"
)

// Chunked upload protocol:
// - a file is sent as chunks 0..total-1, each as its own request
// - chunks accumulate in <dir>/.<name>.muttley.part
// - the last chunk renames the partial artifact over <dir>/<name>
//
// Sessions are keyed by (real dir, name), so a directory reached through a
// symlink shares its session with the link target. All requests for one key
// are serialized, and chunks must arrive in order. A chunk that fails, the
// final rename included, leaves the artifact as it was before the chunk, so
// the same index can be retried.

// Chunk is one piece of an upload. Dir must be a Guard-resolved directory.
type Chunk struct {
	Dir      string
	Filename string
	Index    int
	Total    int
	Body     io.Reader
}

// Result describes what a chunk did.
type Result struct {
	Index     int
	Completed bool
	// FinalPath is set once the file has been materialized.
	FinalPath string
	Written   int64
}

// Assembler reassembles chunked uploads and performs whole-file writes.
type Assembler struct {
	guard    *fsutil.Guard
	sessions *xsync.Map[string, *session]
	now      func() time.Time
}

type session struct {
	mu      sync.Mutex
	dir     string
	name    string
	total   int // 0 until chunk 0 (or an adopted artifact) starts the session
	next    int
	updated time.Time
	gone    bool // removed from the table; holders must re-acquire
}

func (s *session) started() bool { return s.total > 0 }

func (s *session) partial() string {
	return filepath.Join(s.dir, fsutil.PartialName(s.name))
}

func New(guard *fsutil.Guard) *Assembler {
	return &Assembler{
		guard:    guard,
		sessions: xsync.NewMap[string, *session](),
		now:      time.Now,
	}
}

func sessionKey(dir, name string) string {
	return dir + "\x00" + name
}

// acquire returns the locked session for (dir, name), creating it if needed.
func (a *Assembler) acquire(dir, name string) *session {
	key := sessionKey(dir, name)
	for {
		s, _ := a.sessions.LoadOrStore(key, &session{dir: dir, name: name})
		s.mu.Lock()
		if !s.gone {
			return s
		}
		s.mu.Unlock()
	}
}

// release unlocks s, dropping it from the table if it never started.
func (a *Assembler) release(s *session) {
	if !s.started() && !s.gone {
		a.drop(s)
	}
	s.mu.Unlock()
}

// drop removes s from the table. Caller holds s.mu.
func (a *Assembler) drop(s *session) {
	s.gone = true
	a.sessions.Delete(sessionKey(s.dir, s.name))
}

// Active returns the number of uploads in progress.
func (a *Assembler) Active() int {
	return a.sessions.Size()
}

// Receive appends one chunk and finalizes the file on the last chunk.
func (a *Assembler) Receive(ctx context.Context, c Chunk) (Result, error) {
	if err := fsutil.CleanName(c.Filename); err != nil {
		return Result{}, err
	}
	if c.Total < 1 || c.Index < 0 || c.Index >= c.Total {
		return Result{}, apperr.InvalidChunk(c.Index, c.Total)
	}
	finalPath, err := a.guard.Join(c.Dir, c.Filename)
	if err != nil {
		return Result{}, err
	}
	rel := a.guard.Rel(finalPath)
	dir, err := a.realDir(c.Dir)
	if err != nil {
		return Result{}, err
	}
	log := logging.WithContext(ctx)

	s := a.acquire(dir, c.Filename)
	defer a.release(s)

	flags := os.O_WRONLY | os.O_APPEND
	switch {
	case c.Index == 0:
		if s.started() {
			log.Info("upload restarted", zap.String("path", rel), zap.Int("abandoned_at", s.next))
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		s.total, s.next = c.Total, 0
	case !s.started():
		// No session in memory (e.g. after a restart): continue an existing
		// partial artifact, otherwise the upload never began.
		if _, err := os.Stat(s.partial()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Result{}, apperr.ChunkOrder("no upload in progress for %s, expected chunk 0", c.Filename)
			}
			return Result{}, apperr.FromFS(err, rel)
		}
		log.Info("adopting partial upload", zap.String("path", rel), zap.Int("chunk", c.Index))
		s.total, s.next = c.Total, c.Index
	case c.Total != s.total:
		return Result{}, apperr.ChunkOrder("total chunks changed from %d to %d", s.total, c.Total)
	case c.Index != s.next:
		return Result{}, apperr.ChunkOrder("expected chunk %d, got %d", s.next, c.Index)
	}

	written, prev, err := appendChunk(s.partial(), flags, c.Body)
	if err != nil {
		if c.Index == 0 {
			_ = os.Remove(s.partial())
			s.total = 0
		}
		return Result{}, apperr.FromFS(err, rel)
	}
	s.updated = a.now()

	res := Result{Index: c.Index, Written: written}
	if c.Index < c.Total-1 {
		s.next = c.Index + 1
		return res, nil
	}

	if err := os.Rename(s.partial(), finalPath); err != nil {
		if terr := os.Truncate(s.partial(), prev); terr != nil {
			log.Warn("roll back final chunk", zap.String("path", rel), zap.Error(terr))
		}
		return Result{}, apperr.FromFS(err, rel)
	}
	a.drop(s)
	log.Info("upload completed", zap.String("path", rel), zap.Int("chunks", c.Total))
	res.Completed = true
	res.FinalPath = finalPath
	return res, nil
}

// appendChunk copies body onto the artifact and returns the bytes written and
// the artifact's length before the chunk. A failed copy truncates the
// artifact back to that length so the chunk can be retried.
func appendChunk(path string, flags int, body io.Reader) (n, prev int64, err error) {
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, 0, err
	}
	prev = st.Size()

	n, err = io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Truncate(prev)
		_ = f.Close()
		return 0, prev, fmt.Errorf("write chunk: %w", err)
	}
	return n, prev, f.Close()
}

// realDir resolves the symlinks of a Guard-resolved directory so every path
// to the same directory maps to one session key.
func (a *Assembler) realDir(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", apperr.FromFS(err, a.guard.Rel(dir))
	}
	if !a.guard.Contains(resolved) {
		return "", apperr.PathEscape()
	}
	return resolved, nil
}

// WriteWhole replaces dir/filename with content in one step (text editor
// saves). The content is staged in a hidden temp file and renamed into place.
func (a *Assembler) WriteWhole(ctx context.Context, dir, filename string, content io.Reader) (string, int64, error) {
	finalPath, err := a.guard.Join(dir, filename)
	if err != nil {
		return "", 0, err
	}
	rel := a.guard.Rel(finalPath)
	canon, err := a.realDir(dir)
	if err != nil {
		return "", 0, err
	}

	s := a.acquire(canon, filename)
	defer a.release(s)

	tmp := filepath.Join(canon, fsutil.PartialName(filename+"."+uuid.NewString()[:8]))
	n, _, err := appendChunk(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, content)
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, apperr.FromFS(err, rel)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		_ = os.Remove(tmp)
		return "", 0, apperr.FromFS(err, rel)
	}
	logging.WithContext(ctx).Info("file written", zap.String("path", rel), zap.Int64("bytes", n))
	return finalPath, n, nil
}
