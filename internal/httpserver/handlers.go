package httpserver

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"muttley/internal/apperr"
	"muttley/internal/archive"
	"muttley/internal/catalog"
	"muttley/internal/deletion"
	"muttley/internal/fsutil"
	"muttley/internal/logging"
	"muttley/internal/metrics"
	"muttley/internal/upload"
)

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"base_dir": s.guard.Root()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentDir string `json:"current_dir"`
		Action     string `json:"action"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	dir, err := s.resolveDir(req.CurrentDir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch req.Action {
	case "go_back":
		dir = s.guard.Parent(dir)
	case "go_root":
		dir = s.guard.Root()
	}
	items, err := s.catalog.List(r.Context(), dir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_dir": dir,
		"items":       items,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.catalog.Search(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Truncated {
		w.Header().Set("X-Search-Truncated", "true")
		logging.WithContext(r.Context()).Info("search truncated",
			zap.String("query", req.Query), zap.Int("max_results", s.cfg.Search.MaxResults))
	}
	if res.Entries == nil {
		res.Entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, res.Entries)
}

// handleUpload accepts either one chunk of a multipart upload or a JSON
// whole-file write from the text editor.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		s.handleChunk(w, r)
		return
	}
	s.handleWriteWhole(w, r)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.Upload.MaxMemory); err != nil {
		writeError(w, r, &apperr.Error{Kind: apperr.KindMissingField, Message: "malformed multipart body", Err: err})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var missing []string
	field := func(name string) string {
		v := strings.TrimSpace(r.FormValue(name))
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}
	filename := field("original_filename")
	indexText := field("chunk_index")
	totalText := field("total_chunks")
	targetDir := r.FormValue("target_dir")
	file, _, ferr := r.FormFile("file")
	if ferr != nil {
		missing = append(missing, "file")
	} else {
		defer file.Close()
	}
	if len(missing) > 0 {
		writeError(w, r, apperr.MissingField(missing...))
		return
	}

	index, err := strconv.Atoi(indexText)
	if err != nil {
		writeError(w, r, notANumber("chunk_index", indexText))
		return
	}
	total, err := strconv.Atoi(totalText)
	if err != nil {
		writeError(w, r, notANumber("total_chunks", totalText))
		return
	}
	dir, err := s.resolveDir(targetDir)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.uploads.Receive(r.Context(), upload.Chunk{
		Dir:      dir,
		Filename: filename,
		Index:    index,
		Total:    total,
		Body:     file,
	})
	metrics.RecordChunk(res.Written, err == nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Chunk uploaded successfully"
	if res.Completed {
		metrics.RecordUploadCompleted("chunked", res.Written)
		msg = "File uploaded successfully"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     msg,
		"chunk_index": res.Index,
		"completed":   res.Completed,
	})
}

func notANumber(field, v string) error {
	return &apperr.Error{Kind: apperr.KindMissingField, Message: fmt.Sprintf("%s must be a number, got %q", field, v), Names: []string{field}}
}

func (s *Server) handleWriteWhole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName  string  `json:"file_name"`
		Content   *string `json:"content"`
		TargetDir string  `json:"target_dir"`
	}
	if err := decodeJSON(w, r, &req, s.cfg.Upload.MaxMemory); err != nil {
		writeError(w, r, err)
		return
	}
	var missing []string
	if req.FileName == "" {
		missing = append(missing, "file_name")
	}
	if req.Content == nil {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		writeError(w, r, apperr.MissingField(missing...))
		return
	}
	dir, err := s.resolveDir(req.TargetDir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, n, err := s.uploads.WriteWhole(r.Context(), dir, req.FileName, strings.NewReader(*req.Content))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.RecordUploadCompleted("whole", n)
	writeJSON(w, http.StatusOK, map[string]any{"message": "File updated successfully"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetDir string `json:"target_dir"`
		FileName  string `json:"file_name"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.resolveFile(req.TargetDir, req.FileName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveFile(w, r, p, "attachment", "")
}

func (s *Server) handleServePDF(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := s.resolveFile(q.Get("target_dir"), q.Get("file_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveFile(w, r, p, "inline", "application/pdf")
}

// serveFile streams a regular file with Range support. An empty contentType
// is sniffed from the file contents.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p, disposition, contentType string) {
	rel := s.guard.Rel(p)
	f, err := os.Open(p)
	if err != nil {
		writeError(w, r, apperr.FromFS(err, rel))
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeError(w, r, apperr.FromFS(err, rel))
		return
	}
	if !st.Mode().IsRegular() {
		writeError(w, r, apperr.NotFound(rel))
		return
	}

	if contentType == "" {
		mt, err := mimetype.DetectReader(f)
		if err == nil {
			contentType = mt.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			writeError(w, r, apperr.FromFS(err, rel))
			return
		}
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": st.Name()}))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetDir string `json:"target_dir"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TargetDir == "" {
		writeError(w, r, apperr.MissingField("target_dir"))
		return
	}
	dir, err := s.resolveDir(req.TargetDir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := os.Stat(dir)
	if err != nil {
		writeError(w, r, apperr.FromFS(err, s.guard.Rel(dir)))
		return
	}
	if !st.IsDir() {
		writeError(w, r, apperr.NotADirectory(s.guard.Rel(dir)))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": archive.Name(dir)}))
	if err := archive.ExportZip(r.Context(), w, dir); err != nil {
		metrics.RecordZipExport(false)
		logging.WithContext(r.Context()).Warn("zip export aborted",
			zap.String("dir", s.guard.Rel(dir)), zap.Error(err))
		// The status line is gone; cut the connection so the client sees a
		// truncated download rather than a valid-looking archive.
		panic(http.ErrAbortHandler)
	}
	metrics.RecordZipExport(true)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetDir string   `json:"target_dir"`
		Items     []string `json:"items"`
		Force     bool     `json:"force"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	dir, err := s.resolveDir(req.TargetDir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := deletion.NewPlan(s.guard, dir, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := plan.Execute(req.Force)
	for _, res := range results {
		if res.Deleted {
			metrics.RecordDeleted(res.IsDir)
		}
	}

	log := logging.WithContext(r.Context())
	var batch *deletion.BatchError
	switch {
	case errors.As(err, &batch):
		log.Error("delete partially failed", zap.String("dir", s.guard.Rel(dir)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"code":    apperr.CodeIO,
			"results": results,
		})
		return
	case err != nil:
		writeError(w, r, err)
		return
	}
	log.Info("items deleted",
		zap.String("dir", s.guard.Rel(dir)),
		zap.Strings("items", plan.Names()),
		zap.Bool("force", req.Force))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Selected items deleted successfully",
		"results": results,
	})
}

func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetDir string `json:"target_dir"`
		Dirname   string `json:"dirname"`
	}
	if err := decodeJSON(w, r, &req, maxJSONBody); err != nil {
		writeError(w, r, err)
		return
	}
	if err := fsutil.CleanName(req.Dirname); err != nil {
		writeError(w, r, err)
		return
	}
	dir, err := s.resolveDir(req.TargetDir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.guard.Join(dir, req.Dirname)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		writeError(w, r, apperr.FromFS(err, s.guard.Rel(p)))
		return
	}
	logging.WithContext(r.Context()).Info("directory created", zap.String("path", s.guard.Rel(p)))
	writeJSON(w, http.StatusOK, map[string]any{"message": "Directory created successfully"})
}
