// Package imageclf calls a hosted image classification endpoint to label a
// single still image as real or fake.
package imageclf

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

	"github.com/andresmejia3/deepscan/internal/types"
)

const (
	emojiReal = "🟢"
	emojiFake = "🔴"
)

// ErrModelLoading is returned while the hosted model is still warming up.
var ErrModelLoading = errors.New("image model is loading")

type Client struct {
	url   string
	token string
	http  *http.Client
}

func New(url, token string, timeout time.Duration) *Client {
	return &Client{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type apiPrediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type apiError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// Classify posts the raw image bytes and returns every label the model
// reports, in the order it reports them.
func (c *Client) Classify(ctx context.Context, image []byte, contentType string) ([]types.ImagePrediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image classifier request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if resp.StatusCode == http.StatusServiceUnavailable && apiErr.EstimatedTime > 0 {
			return nil, fmt.Errorf("%w (ready in ~%.0fs)", ErrModelLoading, apiErr.EstimatedTime)
		}
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("image classifier: %s: %s", resp.Status, msg)
	}

	var preds []apiPrediction
	if err := json.Unmarshal(body, &preds); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	out := make([]types.ImagePrediction, 0, len(preds))
	for _, p := range preds {
		out = append(out, types.ImagePrediction{Label: p.Label, Score: p.Score, Emoji: Emoji(p.Label)})
	}
	return out, nil
}

// Emoji marks labels mentioning "real" green and everything else red.
func Emoji(label string) string {
	if strings.Contains(strings.ToLower(label), "real") {
		return emojiReal
	}
	return emojiFake
}
