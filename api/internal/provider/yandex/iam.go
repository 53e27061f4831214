package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"homework-grader/api/internal/provider"
)

const defaultIAMURL = "https://iam.api.cloud.yandex.net/iam/v1/tokens"

// IamClient exchanges the OAuth token for an IAM token and caches it until shortly before expiry.
type IamClient struct {
	URL    string
	httpc  *http.Client
	oauth  string
	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func NewIamClient(oauth string) *IamClient {
	return &IamClient{
		URL:   defaultIAMURL,
		httpc: &http.Client{Timeout: 20 * time.Second},
		oauth: oauth,
		now:   time.Now,
	}
}

func (c *IamClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry.Add(-time.Minute)) {
		return c.token, nil
	}

	b, _ := json.Marshal(map[string]string{"yandexPassportOauthToken": c.oauth})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", provider.FromTransport("yandex-iam", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", provider.FromStatus("yandex-iam", resp.StatusCode, nil)
	}

	var out struct {
		IamToken  string    `json:"iamToken"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	c.token = out.IamToken
	c.expiry = out.ExpiresAt
	if c.expiry.IsZero() {
		c.expiry = c.now().Add(11 * time.Hour)
	}
	return c.token, nil
}

// Invalidate drops the cached token after a 401.
func (c *IamClient) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
