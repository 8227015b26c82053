package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lexiqai/livecaption/internal/resilience"
)

// GoogleTranslator calls the Cloud Translation v2 REST API
type GoogleTranslator struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

type googleResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGoogleTranslator creates a client for apiURL authenticated by apiKey
func NewGoogleTranslator(apiKey, apiURL string, httpClient *http.Client) *GoogleTranslator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleTranslator{apiKey: apiKey, apiURL: apiURL, httpClient: httpClient}
}

// Name implements Translator
func (g *GoogleTranslator) Name() string { return "google" }

// Translate implements Translator
func (g *GoogleTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	form := url.Values{}
	form.Set("q", text)
	form.Set("target", target)
	form.Set("format", "text")
	form.Set("key", g.apiKey)
	if source != "" {
		form.Set("source", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", resilience.NewPermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", resilience.NewRetryableError(fmt.Errorf("translate request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resilience.NewRetryableError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("google translate returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		return "", classifyStatus(resp.StatusCode, err)
	}

	var parsed googleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", resilience.NewPermanentError(fmt.Errorf("failed to decode response: %w", err))
	}
	if parsed.Error != nil {
		return "", classifyStatus(parsed.Error.Code, fmt.Errorf("google translate error: %s", parsed.Error.Message))
	}
	if len(parsed.Data.Translations) == 0 {
		return "", errors.New("google translate returned no translations")
	}
	return html.UnescapeString(parsed.Data.Translations[0].TranslatedText), nil
}

// classifyStatus maps an HTTP status onto the retry taxonomy
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return resilience.NewRetryableError(err)
	case status >= 400:
		return resilience.NewPermanentError(err)
	}
	return err
}
