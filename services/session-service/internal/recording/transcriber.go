package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transcriber turns a recording into text. Implementations may take a while;
// the pipeline runs them off the request path.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// HTTPTranscriber posts the media URL to a transcription API and returns the
// transcript text.
type HTTPTranscriber struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewHTTPTranscriber(endpoint, apiKey string) *HTTPTranscriber {
	return &HTTPTranscriber{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 2 * time.Minute},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"media_url": mediaURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/v1/transcripts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("transcriber returned %d: %s", res.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Text, nil
}
