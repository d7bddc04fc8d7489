package video

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

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

var _ Provider = (*Client)(nil)

type createMeetingRequest struct {
	Reference       string `json:"reference"`
	Topic           string `json:"topic"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	AutoRecording   bool   `json:"auto_recording"`
}

type createMeetingResponse struct {
	ID      string `json:"id"`
	JoinURL string `json:"join_url"`
}

func (c *Client) CreateMeeting(ctx context.Context, reference, topic string, startAt time.Time, duration time.Duration) (Meeting, error) {
	body, err := json.Marshal(createMeetingRequest{
		Reference:       reference,
		Topic:           topic,
		StartTime:       startAt.UTC().Format(time.RFC3339),
		DurationMinutes: int(duration / time.Minute),
		AutoRecording:   true,
	})
	if err != nil {
		return Meeting{}, err
	}

	var resp createMeetingResponse
	if err := c.do(ctx, http.MethodPost, "/v1/meetings", body, &resp); err != nil {
		return Meeting{}, fmt.Errorf("create meeting: %w", err)
	}
	if resp.ID == "" || resp.JoinURL == "" {
		return Meeting{}, fmt.Errorf("create meeting: provider returned incomplete room %+v", resp)
	}
	return Meeting{ID: resp.ID, JoinURL: resp.JoinURL}, nil
}

func (c *Client) EndMeeting(ctx context.Context, meetingID string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/meetings/"+meetingID+"/end", nil, nil); err != nil {
		return fmt.Errorf("end meeting %s: %w", meetingID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", res.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
