package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffMime(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		http string
		ocr  string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg", "JPEG"},
		{"png", []byte("\x89PNG\r\n\x1a\n...."), "image/png", "PNG"},
		{"pdf", []byte("%PDF-1.7"), "application/pdf", "PDF"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp", ""},
		{"riff without webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "application/octet-stream", ""},
		{"short", []byte{0xFF}, "application/octet-stream", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.http, SniffMimeHTTP(tc.in))
			assert.Equal(t, tc.ocr, SniffMimeForOCR(tc.in))
		})
	}
}

func TestDecodeBase64MaybeDataURL(t *testing.T) {
	b, hint, err := DecodeBase64MaybeDataURL(" data:image/png;base64,aGk= ")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
	assert.Equal(t, "image/png", hint)

	b, hint, err = DecodeBase64MaybeDataURL("aGk_")
	require.NoError(t, err, "url-safe alphabet is accepted")
	assert.Equal(t, []byte{0x68, 0x69, 0x3f}, b)
	assert.Empty(t, hint)

	_, _, err = DecodeBase64MaybeDataURL("not base64!")
	require.Error(t, err)
}

func TestPickMIME(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	assert.Equal(t, "image/heic", PickMIME(" image/heic ", "image/png", png))
	assert.Equal(t, "image/png", PickMIME("", "image/png", nil))
	assert.Equal(t, "image/png", PickMIME("", "", png))
	assert.Equal(t, "text/plain; charset=utf-8", PickMIME("", "", []byte("hello")))
	assert.Equal(t, "image/jpeg", PickMIME("", "", nil))
}
