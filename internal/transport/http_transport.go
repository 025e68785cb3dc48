package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type providerRequest struct {
	To          string            `json:"to"`
	Body        string            `json:"body,omitempty"`
	TemplateRef string            `json:"template_ref,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

type providerResponse struct {
	ID      string `json:"id"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPTransport posts each message to a provider endpoint.
type HTTPTransport struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPTransport(cfg Config) *HTTPTransport {
	return &HTTPTransport{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Deliver returns the provider id on 2xx. Otherwise the provider's own error
// text is returned so the sender can classify it.
func (t *HTTPTransport) Deliver(ctx context.Context, out model.Outbound) (string, error) {
	payload, err := json.Marshal(providerRequest{
		To:          out.Phone,
		Body:        out.Body,
		TemplateRef: out.TemplateRef,
		Variables:   out.Variables,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}

	var body providerResponse
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body.ID, nil
	}
	switch {
	case body.Error != "":
		return "", errors.New(body.Error)
	case body.Message != "":
		return "", errors.New(body.Message)
	}
	return "", fmt.Errorf("provider status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
