package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipnotes/clipnotes-be/internal/artifact"
	"github.com/clipnotes/clipnotes-be/internal/domain"
)

type reportedStep struct {
	Stage   string
	Percent int
}

type recordingReporter struct {
	steps []reportedStep
}

func (r *recordingReporter) Report(_ context.Context, _ *domain.Job, stage string, percent int) {
	r.steps = append(r.steps, reportedStep{Stage: stage, Percent: percent})
}

type stubAborts struct {
	aborted bool
}

func (s *stubAborts) AbortRequested(context.Context, string) (bool, error) {
	return s.aborted, nil
}

type stubStage struct {
	name  string
	start int
	end   int
	run   func(ctx context.Context, ex *Exchange) error
	calls int
}

func (s *stubStage) Name() string     { return s.name }
func (s *stubStage) Span() (int, int) { return s.start, s.end }

func (s *stubStage) Run(ctx context.Context, ex *Exchange) error {
	s.calls++
	if s.run == nil {
		return nil
	}
	return s.run(ctx, ex)
}

func testExchange() *Exchange {
	return &Exchange{
		Job: &domain.Job{
			JobID:   "job-1",
			OwnerID: "owner-1",
			VideoID: "dQw4w9WgXcQ",
		},
	}
}

func testPipeline(reporter Reporter, aborts AbortChecker, timeout time.Duration, stages ...Stage) *Pipeline {
	return New(&Config{
		Reporter:     reporter,
		Aborts:       aborts,
		StageTimeout: timeout,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, stages...)
}

func TestPipeline_ReportsSpanBoundaries(t *testing.T) {
	reporter := &recordingReporter{}
	first := &stubStage{name: "extracting-transcript", start: 0, end: 10}
	second := &stubStage{name: "summarize", start: 10, end: 60}

	p := testPipeline(reporter, nil, time.Minute, first, second)
	err := p.Run(context.Background(), testExchange())
	require.NoError(t, err)

	expected := []reportedStep{
		{Stage: "extracting-transcript", Percent: 0},
		{Stage: "extracting-transcript", Percent: 10},
		{Stage: "summarize", Percent: 10},
		{Stage: "summarize", Percent: 60},
	}
	assert.Equal(t, expected, reporter.steps)

	for i := 1; i < len(reporter.steps); i++ {
		assert.GreaterOrEqual(t, reporter.steps[i].Percent, reporter.steps[i-1].Percent)
	}
}

func TestPipeline_StageFailureShortCircuits(t *testing.T) {
	reporter := &recordingReporter{}
	failing := &stubStage{
		name: "summarize", start: 10, end: 60,
		run: func(context.Context, *Exchange) error {
			return errors.New("model returned garbage")
		},
	}
	never := &stubStage{name: "auto-categorize", start: 60, end: 75}

	p := testPipeline(reporter, nil, time.Minute, failing, never)
	err := p.Run(context.Background(), testExchange())

	require.Error(t, err)
	assert.Equal(t, domain.KindStageFailure, domain.KindOf(err))
	assert.Equal(t, "summarize", domain.StageOf(err))
	assert.Zero(t, never.calls)

	// end-of-span percent for the failed stage is never reported
	assert.Equal(t, []reportedStep{{Stage: "summarize", Percent: 10}}, reporter.steps)
}

func TestPipeline_PreservesClassifiedErrors(t *testing.T) {
	failing := &stubStage{
		name: "extracting-transcript", start: 0, end: 10,
		run: func(context.Context, *Exchange) error {
			return domain.RateLimited(errors.New("429 from origin"))
		},
	}

	p := testPipeline(&recordingReporter{}, nil, time.Minute, failing)
	err := p.Run(context.Background(), testExchange())

	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))
}

func TestPipeline_StageTimeoutIsTransient(t *testing.T) {
	slow := &stubStage{
		name: "summarize", start: 10, end: 60,
		run: func(ctx context.Context, _ *Exchange) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	p := testPipeline(&recordingReporter{}, nil, 20*time.Millisecond, slow)
	err := p.Run(context.Background(), testExchange())

	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))
}

func TestPipeline_AbortBetweenStages(t *testing.T) {
	aborts := &stubAborts{}
	first := &stubStage{
		name: "extracting-transcript", start: 0, end: 10,
		run: func(context.Context, *Exchange) error {
			// owner cancels while the first stage is running
			aborts.aborted = true
			return nil
		},
	}
	second := &stubStage{name: "summarize", start: 10, end: 60}

	p := testPipeline(&recordingReporter{}, aborts, time.Minute, first, second)
	err := p.Run(context.Background(), testExchange())

	require.Error(t, err)
	assert.Equal(t, domain.KindAborted, domain.KindOf(err))
	assert.False(t, domain.Retryable(err))
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestParseNotes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "plain JSON",
			content: `{"summary":"s","key_points":["a"],"entities":["b"]}`,
		},
		{
			name:    "fenced JSON",
			content: "```json\n{\"summary\":\"s\",\"key_points\":[],\"entities\":[]}\n```",
		},
		{
			name:    "missing summary",
			content: `{"key_points":["a"]}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			content: "Here are your notes:",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes, err := parseNotes(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s", notes.Summary)
		})
	}
}

type memoryClusters struct {
	clusters []*domain.SubjectCluster
	merged   map[string]int
}

func newMemoryClusters() *memoryClusters {
	return &memoryClusters{merged: make(map[string]int)}
}

func (m *memoryClusters) ListClusters(_ context.Context, ownerID string) ([]*domain.SubjectCluster, error) {
	var out []*domain.SubjectCluster
	for _, c := range m.clusters {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryClusters) CreateCluster(_ context.Context, cluster *domain.SubjectCluster) error {
	m.clusters = append(m.clusters, cluster)
	return nil
}

func (m *memoryClusters) MergeClusterTerms(_ context.Context, clusterID string, terms map[string]float64) error {
	m.merged[clusterID]++
	for _, c := range m.clusters {
		if c.ClusterID == clusterID {
			for token, count := range terms {
				c.Terms[token] += count
			}
		}
	}
	return nil
}

func TestCategorizeStage_AssignsToExistingCluster(t *testing.T) {
	clusters := newMemoryClusters()
	clusters.clusters = append(clusters.clusters, &domain.SubjectCluster{
		ClusterID: "cluster-go",
		OwnerID:   "owner-1",
		Label:     "go concurrency",
		Terms:     termVector("goroutines channels and the go memory model explained"),
	})

	ex := testExchange()
	ex.Transcript = &domain.Transcript{Title: "Understanding goroutines and channels"}
	ex.Notes = &domain.Notes{
		Summary:  "A walkthrough of goroutines, channels and the go scheduler.",
		Entities: []string{"goroutines", "channels"},
	}

	stage := NewCategorizeStage(clusters, 0.2)
	require.NoError(t, stage.Run(context.Background(), ex))

	assert.Equal(t, "cluster-go", ex.ClusterID)
	assert.Equal(t, 1, clusters.merged["cluster-go"])
	assert.Len(t, clusters.clusters, 1)
}

func TestCategorizeStage_CreatesClusterWhenNothingMatches(t *testing.T) {
	clusters := newMemoryClusters()
	clusters.clusters = append(clusters.clusters, &domain.SubjectCluster{
		ClusterID: "cluster-cooking",
		OwnerID:   "owner-1",
		Label:     "cooking",
		Terms:     termVector("sourdough starter hydration baking"),
	})

	ex := testExchange()
	ex.Job.SubjectHint = "astronomy"
	ex.Transcript = &domain.Transcript{Title: "The lifecycle of massive stars"}
	ex.Notes = &domain.Notes{
		Summary:  "How supernovae form neutron stars and black holes.",
		Entities: []string{"supernova", "neutron star"},
	}

	stage := NewCategorizeStage(clusters, 0.2)
	require.NoError(t, stage.Run(context.Background(), ex))

	require.Len(t, clusters.clusters, 2)
	created := clusters.clusters[1]
	assert.Equal(t, ex.Job.JobID, created.ClusterID)
	assert.Equal(t, "astronomy", created.Label)
	assert.Equal(t, created.ClusterID, ex.ClusterID)
	assert.Zero(t, clusters.merged["cluster-cooking"])
}

func TestCrossrefStage_LinksSimilarArtifacts(t *testing.T) {
	store := artifact.NewMemoryStore()
	ctx := context.Background()

	related, err := store.Put(ctx, &domain.Artifact{
		OwnerID:  "owner-1",
		Title:    "Goroutines and channels in depth",
		Entities: []string{"goroutines", "channels", "scheduler"},
	})
	require.NoError(t, err)

	_, err = store.Put(ctx, &domain.Artifact{
		OwnerID:  "owner-1",
		Title:    "Sourdough baking basics",
		Entities: []string{"sourdough", "hydration"},
	})
	require.NoError(t, err)

	_, err = store.Put(ctx, &domain.Artifact{
		OwnerID:  "owner-2",
		Title:    "Goroutines and channels in depth",
		Entities: []string{"goroutines", "channels"},
	})
	require.NoError(t, err)

	ex := testExchange()
	ex.Transcript = &domain.Transcript{Title: "Advanced goroutines patterns"}
	ex.Notes = &domain.Notes{
		Entities:  []string{"goroutines", "channels", "scheduler"},
		KeyPoints: []string{"channels serialize access to shared state"},
	}

	stage := NewCrossrefStage(store, 0.3)
	require.NoError(t, stage.Run(context.Background(), ex))

	require.Len(t, ex.Links, 1, "only the same owner's related artifact should link")
	assert.Equal(t, related, ex.Links[0].Ref)
	assert.GreaterOrEqual(t, ex.Links[0].Score, 0.3)
}

func TestPersistStage_WritesArtifactAndLinks(t *testing.T) {
	store := artifact.NewMemoryStore()
	ctx := context.Background()

	existing, err := store.Put(ctx, &domain.Artifact{OwnerID: "owner-1", Title: "older notes"})
	require.NoError(t, err)

	ex := testExchange()
	ex.Transcript = &domain.Transcript{
		Title: "Advanced goroutines patterns",
		Segments: []domain.Segment{
			{Text: "hello"},
			{Text: "world"},
		},
	}
	ex.Notes = &domain.Notes{
		Summary:   "summary",
		KeyPoints: []string{"one"},
		Entities:  []string{"goroutines"},
	}
	ex.ClusterID = "cluster-go"
	ex.Links = []CandidateLink{{Ref: existing, Score: 0.8}}

	stage := NewPersistStage(store)
	require.NoError(t, stage.Run(ctx, ex))
	require.NotEmpty(t, ex.ResultRef)

	art, err := store.Get(ctx, ex.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "job-1", art.JobID)
	assert.Equal(t, "hello world", art.Transcript)
	assert.Equal(t, "cluster-go", art.ClusterID)

	links, err := store.Links(ctx, ex.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, []string{existing}, links)

	// link is bidirectional
	back, err := store.Links(ctx, existing)
	require.NoError(t, err)
	assert.Equal(t, []string{ex.ResultRef}, back)
}
