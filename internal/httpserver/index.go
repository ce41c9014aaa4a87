package httpserver

import (
	"html/template"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"muttley/internal/catalog"
	"muttley/internal/logging"
)

var indexTmpl = template.Must(template.New("index").
	Funcs(template.FuncMap{"pathEscape": url.PathEscape}).
	Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>muttley</title></head>
<body>
<h1>Directory Listing</h1>
<ul>
{{- range .Items}}
  <li>{{if $.DAV}}<a href="/dav/{{pathEscape .Name}}{{if .IsDir}}/{{end}}">{{.Name}}</a>{{else}}{{.Name}}{{end}}
  {{- if .IsDir}} (Folder){{else}} <small>{{.SizeText}}</small>{{end}}</li>
{{- end}}
</ul>
</body>
</html>
`))

// handleIndex renders a plain HTML listing of the root for clients without
// the JSON front end.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalog.List(r.Context(), s.guard.Root())
	if err != nil {
		logging.WithContext(r.Context()).Error("list root", zap.Error(err))
		http.Error(w, "Error listing directory contents.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = indexTmpl.Execute(w, struct {
		Items []catalog.Entry
		DAV   bool
	}{items, s.cfg.WebDAV.Enabled})
	if err != nil {
		logging.WithContext(r.Context()).Warn("render index", zap.Error(err))
	}
}
