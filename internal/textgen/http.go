package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Endpoints maps provider names to their chat endpoints. Google's contains a
// {model} placeholder.
var Endpoints = map[string]string{
	"anthropic": "https://api.anthropic.com/v1/messages",
	"openai":    "https://api.openai.com/v1/chat/completions",
	"google":    "https://generativelanguage.googleapis.com/v1beta/models/{model}:generateContent",
	// OpenAI-compatible providers.
	"glm":      "https://open.bigmodel.cn/api/paas/v4/chat/completions",
	"deepseek": "https://api.deepseek.com/v1/chat/completions",
}

const (
	maxRetries     = 3
	requestTimeout = 120 * time.Second
)

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 529:
		return true
	}
	return false
}

// HTTPError is a non-retryable-exhausted HTTP failure from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s error (status=%d): %s", e.Provider, e.StatusCode, strings.TrimSpace(e.Message))
}

func (e *HTTPError) Retryable() bool { return retryableStatus(e.StatusCode) }

// HTTPTextGen talks to one provider endpoint. The zero Client gets a
// 120-second per-request timeout.
type HTTPTextGen struct {
	Provider string
	Model    string
	APIKey   string

	// Endpoint overrides the default endpoint for the provider. Tests point
	// it at a local server.
	Endpoint string

	Client *http.Client
}

func NewHTTPTextGen(provider, model, apiKey string) *HTTPTextGen {
	return &HTTPTextGen{Provider: provider, Model: model, APIKey: apiKey}
}

func (g *HTTPTextGen) Chat(ctx context.Context, system, user string) (string, error) {
	switch g.Provider {
	case "anthropic":
		return g.chatAnthropic(ctx, system, user)
	case "google":
		return g.chatGoogle(ctx, system, user)
	default:
		url, ok := Endpoints[g.Provider]
		if g.Endpoint != "" {
			url, ok = g.Endpoint, true
		}
		if !ok {
			return "", fmt.Errorf("unknown provider: %s", g.Provider)
		}
		return g.chatOpenAICompat(ctx, system, user, url)
	}
}

func (g *HTTPTextGen) endpoint(provider string) string {
	if g.Endpoint != "" {
		return g.Endpoint
	}
	return Endpoints[provider]
}

func (g *HTTPTextGen) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: requestTimeout}
}

// doWithRetry posts the payload with exponential backoff (1s, 2s, 4s) on
// transient statuses and connect/read timeouts, up to 4 attempts total.
func (g *HTTPTextGen) doWithRetry(ctx context.Context, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := g.client().Do(req)
		if err != nil {
			lastErr = err
			if transientNetErr(err) {
				continue
			}
			return nil, err
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if retryableStatus(resp.StatusCode) {
			lastErr = &HTTPError{Provider: g.Provider, StatusCode: resp.StatusCode, Message: excerpt(raw)}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{Provider: g.Provider, StatusCode: resp.StatusCode, Message: excerpt(raw)}
		}
		return raw, nil
	}
	return nil, lastErr
}

// transientNetErr reports connect/read-timeout style transport failures.
func transientNetErr(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	// Connection refused/reset and friends surface as *net.OpError.
	var op *net.OpError
	return errors.As(err, &op)
}

func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func (g *HTTPTextGen) chatAnthropic(ctx context.Context, system, user string) (string, error) {
	raw, err := g.doWithRetry(ctx, g.endpoint("anthropic"), map[string]string{
		"x-api-key":         g.APIKey,
		"anthropic-version": "2023-06-01",
	}, map[string]any{
		"model":      g.Model,
		"max_tokens": 4096,
		"system":     system,
		"messages":   []map[string]any{{"role": "user", "content": user}},
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("anthropic response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic response: empty content")
	}
	return resp.Content[0].Text, nil
}

func (g *HTTPTextGen) chatOpenAICompat(ctx context.Context, system, user, url string) (string, error) {
	raw, err := g.doWithRetry(ctx, url, map[string]string{
		"Authorization": "Bearer " + g.APIKey,
	}, map[string]any{
		"model": g.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%s response: %w", g.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s response: empty choices", g.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *HTTPTextGen) chatGoogle(ctx context.Context, system, user string) (string, error) {
	url := strings.Replace(g.endpoint("google"), "{model}", g.Model, 1)
	url += "?key=" + g.APIKey
	raw, err := g.doWithRetry(ctx, url, nil, map[string]any{
		"system_instruction": map[string]any{"parts": []map[string]any{{"text": system}}},
		"contents":           []map[string]any{{"parts": []map[string]any{{"text": user}}}},
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("google response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("google response: empty candidates")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
