package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPConfig configures the REST client. Either AccessToken or the client
// credentials triple must be set.
type HTTPConfig struct {
	BaseURL      string
	AccessToken  string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

func (c HTTPConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("crm base URL is required")
	}
	if c.AccessToken == "" && (c.ClientID == "" || c.ClientSecret == "" || c.TokenURL == "") {
		return errors.New("crm access token or client credentials are required")
	}
	return nil
}

// HTTPCreator posts records to {BaseURL}/v1/records/{kind}.
type HTTPCreator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCreator builds an oauth2-authenticated client. ctx bounds token
// refreshes for client credentials.
func NewHTTPCreator(ctx context.Context, cfg HTTPConfig) (*HTTPCreator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var ts oauth2.TokenSource
	if cfg.AccessToken != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	} else {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ts = cc.TokenSource(ctx)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = timeout

	return &HTTPCreator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

type createRequest struct {
	Kind       string         `json:"kind"`
	Properties map[string]any `json:"properties"`
}

type createResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *HTTPCreator) CreateRecord(ctx context.Context, kind string, payload map[string]any, idempotencyHint string) (Record, error) {
	body, err := json.Marshal(createRequest{Kind: kind, Properties: payload})
	if err != nil {
		return Record{}, NewError(store.CategoryValidation, fmt.Errorf("failed to encode payload: %w", err))
	}

	url := fmt.Sprintf("%s/v1/records/%s", h.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Record{}, NewError(store.CategoryValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyHint != "" {
		req.Header.Set("Idempotency-Key", idempotencyHint)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		cat, _ := Classify(err)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			cat = store.CategoryAuth
		}
		return Record{}, &Error{Category: cat, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Record{}, NewError(store.CategoryNetwork, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Record{}, &Error{
			Category:   CategoryForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        errors.New(summarize(respBody)),
		}
	}

	var out createResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Record{}, NewError(store.CategoryUnknown, fmt.Errorf("failed to decode response: %w", err))
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return Record{ID: out.ID, Kind: kind, CreatedAt: out.CreatedAt}, nil
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response body"
	}
	return store.TruncateText(s, 256)
}
