package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
)

// Config holds transcript fetcher configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Fetcher retrieves raw transcripts from the source platform through an
// assigned egress circuit. It never retries internally: retry policy
// belongs to the worker so attempt counts and circuit rotation stay
// centrally governed.
type Fetcher struct {
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher creates a transcript fetcher.
func NewFetcher(cfg *Config, logger *slog.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		logger:  logger,
	}
}

// timedTextResponse is the source platform's transcript track payload.
type timedTextResponse struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Events   []struct {
		StartMs    float64 `json:"tStartMs"`
		DurationMs float64 `json:"dDurationMs"`
		Segs       []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// Fetch retrieves the transcript for a video through the given circuit.
// Errors are classified, never retried here:
//   - RateLimited when the platform signals throttling (429/403)
//   - NotFound when the video has no transcript (404 or empty track)
//   - Transient on network-level and server-side errors
func (f *Fetcher) Fetch(ctx context.Context, videoID string, circuit *proxy.Circuit) (*domain.Transcript, error) {
	client := &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(circuit.Endpoint),
		},
	}

	reqURL := fmt.Sprintf("%s/api/timedtext?v=%s&fmt=json3", f.baseURL, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("failed to build transcript request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	f.logger.Debug("Fetching transcript",
		slog.String("video_id", videoID),
		slog.String("circuit_id", circuit.ID),
	)

	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("transcript request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return nil, domain.RateLimited(fmt.Errorf("source platform throttled circuit (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NotFound(fmt.Errorf("video %s has no transcript", videoID))
	case resp.StatusCode >= 500:
		return nil, domain.Transient(fmt.Errorf("source platform returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.Unsupported(fmt.Errorf("unexpected status %d fetching transcript", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("failed to read transcript body: %w", err))
	}

	var payload timedTextResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.Unsupported(fmt.Errorf("malformed transcript payload: %w", err))
	}

	transcript := &domain.Transcript{
		VideoID:  videoID,
		Title:    payload.Title,
		Language: payload.Language,
	}

	for _, event := range payload.Events {
		var text string
		for _, seg := range event.Segs {
			text += seg.UTF8
		}
		if text == "" {
			continue
		}
		transcript.Segments = append(transcript.Segments, domain.Segment{
			Start:    event.StartMs / 1000,
			Duration: event.DurationMs / 1000,
			Text:     text,
		})
	}

	if len(transcript.Segments) == 0 {
		return nil, domain.NotFound(fmt.Errorf("video %s transcript track is empty", videoID))
	}

	f.logger.Debug("Transcript fetched",
		slog.String("video_id", videoID),
		slog.Int("segments", len(transcript.Segments)),
	)

	return transcript, nil
}
