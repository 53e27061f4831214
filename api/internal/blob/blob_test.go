package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFetch_Sources(t *testing.T) {
	pic := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sheet":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pic)
		case "/typed":
			w.Header().Set("Content-Type", "image/webp; charset=binary")
			_, _ = w.Write([]byte("not really webp"))
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, 0)
	ctx := context.Background()

	img, err := f.Fetch(ctx, srv.URL+"/sheet", "")
	require.NoError(t, err)
	assert.Equal(t, pic, img.Data)
	assert.Equal(t, "image/png", img.MIME)

	img, err = f.Fetch(ctx, srv.URL+"/typed", "")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", img.MIME)

	_, err = f.Fetch(ctx, srv.URL+"/gone", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	enc := base64.StdEncoding.EncodeToString(pic)
	img, err = f.Fetch(ctx, "data:image/x-custom;base64,"+enc, "")
	require.NoError(t, err)
	assert.Equal(t, "image/x-custom", img.MIME)

	img, err = f.Fetch(ctx, enc, "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIME)

	img, err = f.Fetch(ctx, enc, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIME, "explicit mime wins")
}

func TestFetch_Rejects(t *testing.T) {
	f := NewFetcher(time.Second, 8)
	ctx := context.Background()

	_, err := f.Fetch(ctx, "  ", "")
	assert.ErrorIs(t, err, ErrEmptyRef)

	_, err = f.Fetch(ctx, "%%%not base64%%%", "")
	require.Error(t, err)

	_, err = f.Fetch(ctx, base64.StdEncoding.EncodeToString(make([]byte, 64)), "")
	assert.ErrorIs(t, err, ErrTooLarge)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()
	_, err = f.Fetch(ctx, srv.URL, "")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCombine(t *testing.T) {
	out, err := Combine([][]byte{pngBytes(t, 10, 20), pngBytes(t, 6, 10)})
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 30, cfg.Height)

	_, err = Combine(nil)
	assert.ErrorIs(t, err, ErrNoPages)

	_, err = Combine([][]byte{[]byte("garbage")})
	require.Error(t, err)
}

func TestDownscale(t *testing.T) {
	big := pngBytes(t, 100, 100)
	out, ok := Downscale(big, 2500)
	require.True(t, ok)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 50, cfg.Height)

	out, ok = Downscale(big, 20000)
	assert.False(t, ok)
	assert.Equal(t, big, out)

	pdf := []byte("%PDF-1.4 ...")
	out, ok = Downscale(pdf, 10)
	assert.False(t, ok)
	assert.Equal(t, pdf, out)
}
