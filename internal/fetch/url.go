package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,16}$`)

// ParseVideoID validates that a submitted URL belongs to the supported
// source platform and extracts its video identifier.
func ParseVideoID(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnsupportedURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", domain.ErrUnsupportedURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	var videoID string
	switch host {
	case "youtube.com":
		switch {
		case parsed.Path == "/watch":
			videoID = parsed.Query().Get("v")
		case strings.HasPrefix(parsed.Path, "/shorts/"):
			videoID = strings.TrimPrefix(parsed.Path, "/shorts/")
		case strings.HasPrefix(parsed.Path, "/embed/"):
			videoID = strings.TrimPrefix(parsed.Path, "/embed/")
		case strings.HasPrefix(parsed.Path, "/live/"):
			videoID = strings.TrimPrefix(parsed.Path, "/live/")
		}
	case "youtu.be":
		videoID = strings.TrimPrefix(parsed.Path, "/")
	default:
		return "", fmt.Errorf("%w: host %q", domain.ErrUnsupportedURL, parsed.Hostname())
	}

	videoID = strings.TrimSuffix(videoID, "/")
	if !videoIDPattern.MatchString(videoID) {
		return "", fmt.Errorf("%w: no video id in %q", domain.ErrUnsupportedURL, rawURL)
	}

	return videoID, nil
}
