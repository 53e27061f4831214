package blob

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxPixels keeps uploads within what vision models accept without server-side resizing.
const MaxPixels = 12_000_000

var ErrNoPages = errors.New("no pages to combine")

// Combine stacks several photos of one worksheet vertically on a white canvas and returns a JPEG.
// Pages are centred horizontally; the result is scaled down when it exceeds MaxPixels.
func Combine(pages [][]byte) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	decoded := make([]image.Image, 0, len(pages))
	maxW, sumH := 0, 0
	for _, b := range pages {
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, img)
		if w := img.Bounds().Dx(); w > maxW {
			maxW = w
		}
		sumH += img.Bounds().Dy()
	}
	if maxW == 0 || sumH == 0 {
		return nil, errors.New("empty images")
	}

	dst := image.NewRGBA(image.Rect(0, 0, maxW, sumH))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	y := 0
	for _, img := range decoded {
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		x := (maxW - w) / 2
		draw.Draw(dst, image.Rect(x, y, x+w, y+h), img, img.Bounds().Min, draw.Over)
		y += h
	}
	return encodeJPEG(fit(dst, MaxPixels))
}

// Downscale re-encodes data as JPEG when it decodes as an image larger than maxPixels.
// Anything else (small images, PDFs, unknown formats) is returned untouched with ok=false.
func Downscale(data []byte, maxPixels int) (out []byte, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width*cfg.Height <= maxPixels {
		return data, false
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, false
	}
	b, err := encodeJPEG(fit(img, maxPixels))
	if err != nil {
		return data, false
	}
	return b, true
}

func fit(src image.Image, maxPixels int) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w*h <= maxPixels {
		return src
	}
	scale := math.Sqrt(float64(maxPixels) / float64(w*h))
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
