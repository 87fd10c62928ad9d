package pipeline

import (
	"context"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
)

// TranscriptFetcher retrieves a raw transcript through an egress circuit.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID string, circuit *proxy.Circuit) (*domain.Transcript, error)
}

// FetchStage retrieves the raw transcript over the worker's bound
// circuit. Its errors arrive pre-classified from the fetcher and pass
// through the pipeline unchanged.
type FetchStage struct {
	fetcher TranscriptFetcher
}

// NewFetchStage creates the transcript extraction stage.
func NewFetchStage(fetcher TranscriptFetcher) *FetchStage {
	return &FetchStage{fetcher: fetcher}
}

func (s *FetchStage) Name() string { return "extracting-transcript" }

func (s *FetchStage) Span() (int, int) { return 0, 10 }

func (s *FetchStage) Run(ctx context.Context, ex *Exchange) error {
	transcript, err := s.fetcher.Fetch(ctx, ex.Job.VideoID, ex.Circuit)
	if err != nil {
		return err
	}
	ex.Transcript = transcript
	return nil
}
