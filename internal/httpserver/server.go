package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"muttley/internal/apperr"
	"muttley/internal/auth"
	"muttley/internal/catalog"
	"muttley/internal/config"
	"muttley/internal/fsutil"
	"muttley/internal/logging"
	"muttley/internal/metrics"
	"muttley/internal/upload"
)

// maxJSONBody bounds request bodies of the small JSON routes.
const maxJSONBody = 1 << 20

type Options struct {
	Config *config.Config
	Guard  *fsutil.Guard
	// Uploads is shared with the janitor; a fresh Assembler is created if nil.
	Uploads *upload.Assembler
	// Auth may be nil, which disables authentication.
	Auth *auth.Basic
}

type Server struct {
	cfg     *config.Config
	guard   *fsutil.Guard
	catalog *catalog.Catalog
	uploads *upload.Assembler
	auth    *auth.Basic
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Guard == nil {
		return nil, errors.New("httpserver: config and guard are required")
	}
	up := opts.Uploads
	if up == nil {
		up = upload.New(opts.Guard)
	}
	return &Server{
		cfg:     opts.Config,
		guard:   opts.Guard,
		catalog: catalog.New(opts.Guard, opts.Config.Search.MaxResults),
		uploads: up,
		auth:    opts.Auth,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /list", s.handleList)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("POST /download_zip", s.handleDownloadZip)
	mux.HandleFunc("POST /delete", s.handleDelete)
	mux.HandleFunc("POST /create_dir", s.handleCreateDir)
	mux.HandleFunc("GET /serve_pdf", s.handleServePDF)
	mux.HandleFunc("GET /thumb", s.handleThumb)

	if s.cfg.WebDAV.Enabled {
		mux.Handle("/dav/", s.davHandler())
	}

	// metrics.Middleware reads the matched pattern, so it must sit directly
	// on the mux.
	var h http.Handler = metrics.Middleware(mux)
	h = s.auth.Middleware(h)
	h = withHeaders(h)
	return logging.Middleware(h)
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeError renders err as {"error", "code"} with the status of its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.As(err)
	log := logging.WithContext(r.Context())
	switch status := ae.Status(); {
	case status >= 500:
		log.Error("request failed", zap.String("code", ae.Code()), zap.Error(err))
	case ae.Kind == apperr.KindPathEscape:
		metrics.RecordPathEscape()
		log.Warn("path escape rejected", zap.String("remote_addr", r.RemoteAddr))
	default:
		log.Debug("request rejected", zap.String("code", ae.Code()), zap.String("error", ae.Error()))
	}

	body := map[string]any{"error": ae.Error(), "code": ae.Code()}
	switch ae.Kind {
	case apperr.KindDirectoriesNotEmpty:
		body["dirs"] = ae.Names
	case apperr.KindNotFound:
		if len(ae.Names) > 0 {
			body["missing"] = ae.Names
		}
	case apperr.KindMissingField:
		if len(ae.Names) > 0 {
			body["fields"] = ae.Names
		}
	}
	writeJSON(w, ae.Status(), body)
}

func malformedBody() error {
	return &apperr.Error{Kind: apperr.KindMissingField, Message: "malformed JSON body"}
}

// decodeJSON reads a JSON object from the request body. An empty body leaves
// v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return malformedBody()
	}
	return nil
}

// resolveDir resolves a client directory path; empty means the root.
func (s *Server) resolveDir(candidate string) (string, error) {
	return s.guard.Resolve(candidate)
}

// resolveFile resolves file_name inside target_dir, requiring both.
func (s *Server) resolveFile(targetDir, fileName string) (string, error) {
	var missing []string
	if targetDir == "" {
		missing = append(missing, "target_dir")
	}
	if fileName == "" {
		missing = append(missing, "file_name")
	}
	if len(missing) > 0 {
		return "", apperr.MissingField(missing...)
	}
	dir, err := s.guard.Resolve(targetDir)
	if err != nil {
		return "", err
	}
	return s.guard.Join(dir, fileName)
}
