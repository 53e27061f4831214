package yandex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"homework-grader/api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognize_RefreshesTokenOn401(t *testing.T) {
	var iamCalls, ocrCalls atomic.Int32
	iam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := iamCalls.Add(1)
		if n == 1 {
			_, _ = w.Write([]byte(`{"iamToken":"stale"}`))
			return
		}
		_, _ = w.Write([]byte(`{"iamToken":"fresh"}`))
	}))
	defer iam.Close()

	ocr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ocrCalls.Add(1)
		assert.Equal(t, "folder", r.Header.Get("x-folder-id"))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"textAnnotation":{"blocks":[{"lines":[{"text":"1) 12 - 5"},{"text":" 7 "}]}]}}}`))
	}))
	defer ocr.Close()

	e := New("oauth", "folder")
	e.URL = ocr.URL
	e.IAM().URL = iam.URL

	res, err := e.Recognize(context.Background(), provider.Image{Data: []byte{0xFF, 0xD8, 0xFF}})
	require.NoError(t, err)
	assert.Equal(t, "1) 12 - 5\n7", res.Text)
	assert.Equal(t, "yandex", res.Provider)
	assert.Equal(t, int32(2), iamCalls.Load())
	assert.Equal(t, int32(2), ocrCalls.Load())
}

func TestIamClient_CachesToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"iamToken":"t1"}`))
	}))
	defer srv.Close()

	c := NewIamClient("oauth")
	c.URL = srv.URL
	for i := 0; i < 3; i++ {
		tok, err := c.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "t1", tok)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecognize_NotConfigured(t *testing.T) {
	_, err := New("", "").Recognize(context.Background(), provider.Image{Data: []byte{1}})
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}
