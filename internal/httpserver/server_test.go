package httpserver

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muttley/internal/auth"
	"muttley/internal/config"
	"muttley/internal/fsutil"
)

type testEnv struct {
	srv  *httptest.Server
	root string
}

func newEnv(t *testing.T, mutate ...func(*config.Config, *Options)) *testEnv {
	t.Helper()
	g, err := fsutil.NewGuard(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Root:   g.Root(),
		Upload: config.Upload{MaxMemory: 1 << 20},
		Search: config.Search{MaxResults: 1000},
		WebDAV: config.WebDAV{Enabled: true},
		Thumbs: config.Thumbs{MaxPx: 64},
	}
	opts := Options{Config: cfg, Guard: g}
	for _, m := range mutate {
		m(cfg, &opts)
	}
	s, err := New(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, root: g.Root()}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) sendChunk(t *testing.T, dir, name string, index, total int, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "blob")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("chunk_index", strconv.Itoa(index)))
	require.NoError(t, mw.WriteField("total_chunks", strconv.Itoa(total)))
	require.NoError(t, mw.WriteField("original_filename", name))
	require.NoError(t, mw.WriteField("target_dir", dir))
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

type errBody struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Dirs    []string `json:"dirs"`
	Missing []string `json:"missing"`
	Fields  []string `json:"fields"`
}

func TestConfigAndHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp := e.get(t, "/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, e.root, decode[map[string]string](t, resp)["base_dir"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = e.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(readAll(t, resp)))
}

func TestList(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "A", "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.txt"), []byte("a"), 0o644))

	type listResp struct {
		CurrentDir string `json:"current_dir"`
		Items      []struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
			Size  string `json:"size"`
		} `json:"items"`
	}

	resp := e.post(t, "/list", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[listResp](t, resp)
	assert.Equal(t, e.root, got.CurrentDir)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "A", got.Items[0].Name)
	assert.Equal(t, "a.txt", got.Items[1].Name)
	assert.Equal(t, "2.00 B", got.Items[2].Size)

	resp = e.post(t, "/list", map[string]string{"current_dir": filepath.Join(e.root, "A", "inner"), "action": "go_back"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, filepath.Join(e.root, "A"), decode[listResp](t, resp).CurrentDir)

	resp = e.post(t, "/list", map[string]string{"current_dir": e.root, "action": "go_back"})
	assert.Equal(t, e.root, decode[listResp](t, resp).CurrentDir, "go_back clamps at the root")

	resp = e.post(t, "/list", map[string]string{"current_dir": "A", "action": "go_root"})
	assert.Equal(t, e.root, decode[listResp](t, resp).CurrentDir)
}

func TestPathEscapeRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, dir := range []string{"../../etc", "/etc", `..\..\windows`} {
		resp := e.post(t, "/list", map[string]string{"current_dir": dir})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, dir)
		body := decode[errBody](t, resp)
		assert.Equal(t, "PATH_ESCAPE", body.Code)
		assert.NotContains(t, body.Error, "etc")
	}

	resp := e.post(t, "/download", map[string]string{"target_dir": e.root, "file_name": "../secret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_NAME", decode[errBody](t, resp).Code)
}

func TestListErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "f"), nil, 0o644))

	resp := e.post(t, "/list", map[string]string{"current_dir": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.post(t, "/list", map[string]string{"current_dir": "f"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_A_DIRECTORY", decode[errBody](t, resp).Code)

	resp, err := http.Post(e.srv.URL+"/list", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := e.get(t, "/list")
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestWriteWholeThenDownload(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp := e.post(t, "/upload", map[string]string{"file_name": "notes.txt", "content": "hello world", "target_dir": e.root})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "File updated successfully", decode[map[string]string](t, resp)["message"])

	resp = e.post(t, "/download", map[string]string{"target_dir": e.root, "file_name": "notes.txt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(readAll(t, resp)))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp = e.post(t, "/upload", map[string]string{"file_name": "x.txt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []string{"content"}, decode[errBody](t, resp).Fields)
}

func TestDownloadMissing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp := e.post(t, "/download", map[string]string{"target_dir": e.root, "file_name": "ghost.bin"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.post(t, "/download", map[string]string{"file_name": "ghost.bin"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_FIELD", decode[errBody](t, resp).Code)
}

func TestChunkedUpload(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.Mkdir(filepath.Join(e.root, "in"), 0o755))

	parts := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	for i, p := range parts {
		resp := e.sendChunk(t, "in", "big.bin", i, len(parts), p)
		require.Equal(t, http.StatusOK, resp.StatusCode, "chunk %d", i)
		body := decode[map[string]any](t, resp)
		assert.Equal(t, float64(i), body["chunk_index"])
		assert.Equal(t, i == len(parts)-1, body["completed"])
	}

	got, err := os.ReadFile(filepath.Join(e.root, "in", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, "first-second-third", string(got))
	assert.NoFileExists(t, filepath.Join(e.root, "in", fsutil.PartialName("big.bin")))
}

func TestChunkedUploadErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp := e.sendChunk(t, e.root, "o.bin", 0, 3, []byte("a"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.sendChunk(t, e.root, "o.bin", 2, 3, []byte("c"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CHUNK_ORDER", decode[errBody](t, resp).Code)

	resp = e.sendChunk(t, "../outside", "o.bin", 0, 1, []byte("x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.sendChunk(t, e.root, "o.bin", 3, 3, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CHUNK", decode[errBody](t, resp).Code)

	resp = e.sendChunk(t, e.root, fsutil.PartialName("o.bin"), 0, 1, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_NAME", decode[errBody](t, resp).Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunk_index", "0"))
	require.NoError(t, mw.Close())
	r, err := http.Post(e.srv.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	assert.ElementsMatch(t, []string{"original_filename", "total_chunks", "file"}, decode[errBody](t, r).Fields)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.Mkdir(filepath.Join(e.root, "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "full"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "full", "f"), nil, 0o644))

	req := map[string]any{"target_dir": e.root, "items": []string{"empty", "full"}}
	resp := e.post(t, "/delete", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errBody](t, resp)
	assert.Equal(t, "DIRECTORIES_NOT_EMPTY", body.Error)
	assert.Equal(t, []string{"full"}, body.Dirs)
	assert.DirExists(t, filepath.Join(e.root, "empty"))

	req["force"] = true
	resp = e.post(t, "/delete", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Selected items deleted successfully", decode[map[string]any](t, resp)["message"])
	assert.NoDirExists(t, filepath.Join(e.root, "empty"))
	assert.NoDirExists(t, filepath.Join(e.root, "full"))

	resp = e.post(t, "/delete", map[string]any{"target_dir": e.root, "items": []string{"a", "b"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, decode[errBody](t, resp).Missing)
}

func TestDeleteLinkLeavingRoot(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(e.root, "out")))

	resp := e.post(t, "/list", map[string]string{"current_dir": e.root})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.post(t, "/delete", map[string]any{"target_dir": e.root, "items": []string{"out"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := os.Lstat(filepath.Join(e.root, "out"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, outside)
}

func TestCreateDir(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp := e.post(t, "/create_dir", map[string]string{"target_dir": e.root, "dirname": "new"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.DirExists(t, filepath.Join(e.root, "new"))

	resp = e.post(t, "/create_dir", map[string]string{"target_dir": e.root, "dirname": "new"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ALREADY_EXISTS", decode[errBody](t, resp).Code)

	for _, bad := range []string{"", "a/b", `a\b`, ".."} {
		resp = e.post(t, "/create_dir", map[string]string{"target_dir": e.root, "dirname": bad})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		assert.Equal(t, "INVALID_NAME", decode[errBody](t, resp).Code, bad)
	}
}

func TestDownloadZip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	dir := filepath.Join(e.root, "d")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("zipped"), 0o644))

	resp := e.post(t, "/download_zip", map[string]string{"target_dir": dir})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "d.zip")

	b := readAll(t, resp)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "x.txt", zr.File[0].Name)

	resp = e.post(t, "/download_zip", map[string]string{"target_dir": filepath.Join(dir, "x.txt")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_A_DIRECTORY", decode[errBody](t, resp).Code)
}

func TestSearchTruncation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *config.Config, _ *Options) { c.Search.MaxResults = 1 })
	for _, n := range []string{"log1", "log2"} {
		require.NoError(t, os.WriteFile(filepath.Join(e.root, n), nil, 0o644))
	}

	resp := e.post(t, "/search", map[string]string{"query": "LOG"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Search-Truncated"))
	assert.Len(t, decode[[]map[string]any](t, resp), 1)

	resp = e.post(t, "/search", map[string]string{"query": "zzz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Search-Truncated"))
	assert.Equal(t, "[]\n", string(readAll(t, resp)))

	resp = e.post(t, "/search", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServePDF(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "doc.pdf"), []byte("%PDF-1.4"), 0o644))

	resp := e.get(t, "/serve_pdf?target_dir="+e.root+"&file_name=doc.pdf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "inline")

	resp = e.get(t, "/serve_pdf?file_name=doc.pdf")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.get(t, "/serve_pdf?target_dir="+e.root+"&file_name=none.pdf")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThumb(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for x := 0; x < 200; x++ {
		img.Set(x, 50, color.RGBA{R: 255, A: 255})
	}
	f, err := os.Create(filepath.Join(e.root, "pic.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "plain.txt"), []byte("not an image"), 0o644))

	resp := e.get(t, "/thumb?target_dir="+e.root+"&file_name=pic.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	cfg, _, err := image.DecodeConfig(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 32, cfg.Height)

	resp = e.get(t, "/thumb?target_dir="+e.root+"&file_name=plain.txt")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.Mkdir(filepath.Join(e.root, "photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "<b>.txt"), nil, 0o644))

	resp := e.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := string(readAll(t, resp))
	assert.Contains(t, page, ">photos</a> (Folder)")
	assert.Contains(t, page, "&lt;b&gt;.txt")
	assert.NotContains(t, page, "<b>.txt")
}

func TestWebDAV(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "file.txt"), []byte("dav"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, fsutil.PartialName("up.bin")), []byte("p"), 0o644))

	resp := e.get(t, "/dav/file.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dav", string(readAll(t, resp)))

	resp = e.get(t, "/dav/"+fsutil.PartialName("up.bin"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, e.srv.URL+"/dav/new.txt", bytes.NewReader([]byte("put")))
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusCreated, r.StatusCode)
	got, err := os.ReadFile(filepath.Join(e.root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "put", string(got))

	req, err = http.NewRequest(http.MethodPut, e.srv.URL+"/dav/"+fsutil.PartialName("sneaky"), bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	r3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r3.Body.Close()
	assert.GreaterOrEqual(t, r3.StatusCode, 400, "reserved partial names cannot be created")
	assert.NoFileExists(t, filepath.Join(e.root, fsutil.PartialName("sneaky")))

	req, err = http.NewRequest(http.MethodDelete, e.srv.URL+"/dav/", nil)
	require.NoError(t, err)
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()
	assert.GreaterOrEqual(t, r2.StatusCode, 400, "the root cannot be deleted")
	assert.DirExists(t, e.root)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *config.Config, o *Options) {
		b, err := auth.NewBasic("admin", "pw", "/healthz")
		require.NoError(t, err)
		o.Auth = b
	})

	assert.Equal(t, http.StatusUnauthorized, e.get(t, "/config").StatusCode)
	assert.Equal(t, http.StatusOK, e.get(t, "/healthz").StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/config", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMakeThumbKeepsSmallImages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 10, 20))))
	out, err := makeThumb(bytes.NewReader(buf.Bytes()), 256)
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 20, cfg.Height)
}
