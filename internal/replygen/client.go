// Package replygen is the client for the external language-model backend
// that writes bot utterances. The backend is treated as unreliable: callers
// retry with backoff and never invoke it from a human-facing request path.
package replygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/detective-arena/api/internal/model"
)

// ErrGenerationFailed wraps any backend failure so callers can treat all of
// them as one retryable class.
var ErrGenerationFailed = errors.New("reply generation failed")

// Persona is the impersonation brief sent with each generation request.
type Persona struct {
	DisplayName string               `json:"display_name"`
	Bio         string               `json:"bio,omitempty"`
	Style       model.StyleSignature `json:"style"`
}

// Turn is one prior message in the conversation, from the bot's perspective.
type Turn struct {
	FromBot bool   `json:"from_bot"`
	Text    string `json:"text"`
}

// Generator produces a natural-language utterance for a persona given the
// conversation so far. Implemented by Client; mocked in tests.
type Generator interface {
	Generate(ctx context.Context, persona Persona, history []Turn) (string, error)
}

// Client calls the reply backend over HTTP. When token-endpoint credentials
// are configured the client authenticates via OAuth2 client credentials;
// otherwise requests go out bare (local development backend).
type Client struct {
	baseURL string
	httpC   *http.Client
}

// NewClient creates a reply generator client.
func NewClient(baseURL, clientID, clientSecret, tokenURL string) *Client {
	httpC := &http.Client{Timeout: 20 * time.Second}
	if tokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		httpC = cc.Client(context.Background())
		httpC.Timeout = 20 * time.Second
	}
	return &Client{baseURL: baseURL, httpC: httpC}
}

// Generate requests one utterance. Any transport or backend error is wrapped
// in ErrGenerationFailed; the caller owns retry policy.
func (c *Client) Generate(ctx context.Context, persona Persona, history []Turn) (string, error) {
	payload, err := json.Marshal(struct {
		Persona Persona `json:"persona"`
		History []Turn  `json:"history"`
	}{persona, history})
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/replies", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpC.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrGenerationFailed, resp.StatusCode, body)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}
	return out.Text, nil
}
