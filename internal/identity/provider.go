// Package identity talks to the external profile provider. It is consumed
// once per registration and never sits on the hot path.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode"

	"github.com/detective-arena/api/internal/model"
)

// Profile is the provider's view of a user: display fields plus a sample of
// recent posts used to derive the persona style signature.
type Profile struct {
	Fid         string   `json:"fid"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	AvatarURL   string   `json:"avatar_url"`
	Bio         string   `json:"bio"`
	Casts       []string `json:"casts"`
}

// Client fetches profiles over HTTP with an API key.
type Client struct {
	baseURL string
	apiKey  string
	httpC   *http.Client
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpC:   &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchProfile retrieves a user's profile and recent content by fid.
func (c *Client) FetchProfile(ctx context.Context, fid string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/users/"+url.PathEscape(fid)+"?casts=25", nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpC.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("profile %s: %w", fid, ErrUnknownFid)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("profile status %d: %s", resp.StatusCode, body)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.Fid == "" {
		p.Fid = fid
	}
	return &p, nil
}

// ErrUnknownFid is returned when the provider has no user for the fid.
var ErrUnknownFid = fmt.Errorf("unknown fid")

// Comm-style boundaries in average characters per cast.
const (
	terseMaxLen          = 40
	conversationalMaxLen = 120
)

// DeriveStyle distills a style signature from a profile's content sample.
// The bot impersonating this player inherits the signature, and the reply
// delay model reads the comm style off it.
func DeriveStyle(p *Profile) model.StyleSignature {
	sig := model.StyleSignature{Comm: model.StyleConversational}
	if len(p.Casts) == 0 {
		return sig
	}

	totalLen := 0
	emojiCount := 0
	for _, cast := range p.Casts {
		totalLen += len([]rune(cast))
		emojiCount += countEmoji(cast)
	}
	sig.AvgCastLength = totalLen / len(p.Casts)
	sig.EmojiRate = float64(emojiCount) / float64(len(p.Casts))

	switch {
	case sig.AvgCastLength <= terseMaxLen:
		sig.Comm = model.StyleTerse
	case sig.AvgCastLength <= conversationalMaxLen:
		sig.Comm = model.StyleConversational
	default:
		sig.Comm = model.StyleVerbose
	}

	// Keep a few representative casts for the reply generator prompt.
	n := len(p.Casts)
	if n > 5 {
		n = 5
	}
	sig.SampleCasts = append(sig.SampleCasts, p.Casts[:n]...)
	return sig
}

// countEmoji counts runes in the common emoji blocks.
func countEmoji(s string) int {
	n := 0
	for _, r := range s {
		if unicode.In(r, unicode.So, unicode.Sk) || (r >= 0x1F300 && r <= 0x1FAFF) {
			n++
		}
	}
	return n
}
