package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"muttley/internal/apperr"
)

// maxThumbSourcePixels rejects sources that would need excessive memory to
// decode.
const maxThumbSourcePixels = 64 << 20

var thumbTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var errNotImage = errors.New("not a supported image")

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := s.resolveFile(q.Get("target_dir"), q.Get("file_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		writeError(w, r, apperr.FromFS(err, s.guard.Rel(p)))
		return
	}
	defer f.Close()

	out, err := makeThumb(f, s.cfg.Thumbs.MaxPx)
	if errors.Is(err, errNotImage) {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		writeError(w, r, apperr.IO("thumbnail", err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(out)
}

// makeThumb scales the image in src to fit a max x max box and encodes it as
// JPEG. Images already inside the box keep their size.
func makeThumb(src io.ReadSeeker, max int) ([]byte, error) {
	mt, err := mimetype.DetectReader(src)
	if err != nil {
		return nil, err
	}
	if !thumbTypes[mt.String()] {
		return nil, errNotImage
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotImage, err)
	}
	if cfg.Width*cfg.Height > maxThumbSourcePixels {
		return nil, fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(src)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = 256
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	nw = maxInt(nw, 1)
	nh = maxInt(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
