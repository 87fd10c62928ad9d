package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRotator requests a new egress identity from a proxy control
// endpoint. The endpoint receives the slot number and responds with the
// replacement proxy address, or an empty body to signal that the current
// address was rotated in place.
type HTTPRotator struct {
	controlURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPRotator creates a rotator against the given control URL.
func NewHTTPRotator(controlURL string, timeout time.Duration, logger *slog.Logger) *HTTPRotator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRotator{
		controlURL: controlURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Rotate asks the control endpoint for a fresh identity on the slot.
func (r *HTTPRotator) Rotate(ctx context.Context, slot int, current *url.URL) (*url.URL, error) {
	reqURL := fmt.Sprintf("%s?slot=%d", r.controlURL, slot)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build rotation request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rotation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rotation request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read rotation response: %w", err)
	}

	addr := strings.TrimSpace(string(body))
	if addr == "" {
		// Identity rotated in place, address unchanged.
		r.logger.Debug("Circuit identity rotated in place",
			slog.Int("slot", slot),
		)
		return current, nil
	}

	endpoint, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement endpoint %q: %w", addr, err)
	}

	return endpoint, nil
}
