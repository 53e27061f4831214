package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"homework-grader/api/internal/provider"
	"homework-grader/api/internal/util"
)

const DefaultMaxBytes = 20 << 20

var (
	ErrEmptyRef = errors.New("image reference is empty")
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Fetcher resolves a submission's image reference into bytes: http(s) URLs are downloaded,
// data URLs and raw base64 are decoded in place.
type Fetcher struct {
	httpc    *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{httpc: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *Fetcher) Fetch(ctx context.Context, ref, mimeHint string) (provider.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return provider.Image{}, ErrEmptyRef
	}
	var (
		data []byte
		hint string
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, hint, err = f.download(ctx, ref)
	} else {
		data, hint, err = util.DecodeBase64MaybeDataURL(ref)
		if err != nil {
			err = fmt.Errorf("decode image: %w", err)
		}
	}
	if err != nil {
		return provider.Image{}, err
	}
	if len(data) == 0 {
		return provider.Image{}, ErrEmptyRef
	}
	if int64(len(data)) > f.maxBytes {
		return provider.Image{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return provider.Image{Data: data, MIME: util.PickMIME(mimeHint, hint, data)}, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("download status %d: %s", resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(b)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	// the server's content type is a hint only; octet-stream tells us nothing
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if !strings.HasPrefix(ct, "image/") && ct != "application/pdf" {
		ct = ""
	}
	return b, ct, nil
}
