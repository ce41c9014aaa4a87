package upload

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"muttley/internal/fsutil"
	"muttley/internal/logging"
)

// Sweep removes upload sessions idle for longer than maxAge together with
// their partial artifacts, then deletes orphaned partial artifacts under the
// root (left by a previous process) whose mtime is older than maxAge. Only
// names carrying the reserved partial suffix are considered; clients cannot
// create such names, so user files are never swept.
// Sessions busy with a chunk are skipped. It returns how many artifacts were
// removed.
func (a *Assembler) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	log := logging.WithContext(ctx)
	cutoff := a.now().Add(-maxAge)
	removed := 0

	a.sessions.Range(func(_ string, s *session) bool {
		if !s.mu.TryLock() {
			return true
		}
		defer s.mu.Unlock()
		if s.gone || !s.started() || s.updated.After(cutoff) {
			return true
		}
		if err := os.Remove(s.partial()); err == nil || errors.Is(err, fs.ErrNotExist) {
			if err == nil {
				removed++
			}
			log.Info("stale upload dropped",
				zap.String("path", a.guard.Rel(filepath.Join(s.dir, s.name))),
				zap.Int("next_chunk", s.next),
				zap.Int("total_chunks", s.total))
			a.drop(s)
		} else {
			log.Warn("remove stale partial", zap.Error(err))
		}
		return ctx.Err() == nil
	})

	root := a.guard.Root()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !fsutil.IsPartialName(d.Name()) {
			return nil
		}
		dir := filepath.Dir(p)
		if _, active := a.sessions.Load(sessionKey(dir, fsutil.OriginalName(d.Name()))); active {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			log.Warn("remove orphaned partial", zap.String("path", a.guard.Rel(p)), zap.Error(err))
			return nil
		}
		removed++
		log.Info("orphaned partial removed", zap.String("path", a.guard.Rel(p)))
		return nil
	})
	return removed, err
}
