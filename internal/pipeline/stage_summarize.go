package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// SummarizerConfig holds the language-generation collaborator settings
type SummarizerConfig struct {
	Endpoint  string
	Model     string
	APIKeyEnv string
	Timeout   time.Duration
}

// Summarizer calls the external language-generation collaborator to turn
// a transcript into structured study notes.
type Summarizer struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewSummarizer creates a summarization client. The API key is read from
// the configured environment variable.
func NewSummarizer(cfg *SummarizerConfig, logger *slog.Logger) *Summarizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Summarizer{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   os.Getenv(cfg.APIKeyEnv),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

const notesPrompt = `Produce study notes for the following video transcript.
Respond with a single JSON object: {"summary": string, "key_points": [string], "entities": [string]}.
Key points are the 5-10 most important takeaways. Entities are the named
people, concepts and works the transcript discusses.`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize produces structured notes from the transcript.
func (s *Summarizer) Summarize(ctx context.Context, transcript *domain.Transcript, subjectHint string) (*domain.Notes, error) {
	var prompt strings.Builder
	prompt.WriteString(notesPrompt)
	if subjectHint != "" {
		fmt.Fprintf(&prompt, "\nThe owner filed this under: %s.", subjectHint)
	}
	fmt.Fprintf(&prompt, "\n\nTitle: %s\n\nTranscript:\n%s", transcript.Title, transcript.FullText())

	body, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode summarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summarize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("summarizer returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read summarizer response: %w", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("malformed summarizer response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("summarizer returned no choices")
	}

	notes, err := parseNotes(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Transcript summarized",
		slog.String("video_id", transcript.VideoID),
		slog.Int("key_points", len(notes.KeyPoints)),
	)

	return notes, nil
}

// parseNotes decodes the model's JSON answer, tolerating a surrounding
// markdown code fence.
func parseNotes(content string) (*domain.Notes, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var notes domain.Notes
	if err := json.Unmarshal([]byte(content), &notes); err != nil {
		return nil, fmt.Errorf("summarizer answer is not valid notes JSON: %w", err)
	}
	if notes.Summary == "" {
		return nil, fmt.Errorf("summarizer answer has no summary")
	}
	return &notes, nil
}

// NotesGenerator abstracts the summarization collaborator for testing.
type NotesGenerator interface {
	Summarize(ctx context.Context, transcript *domain.Transcript, subjectHint string) (*domain.Notes, error)
}

// SummarizeStage produces structured notes from the fetched transcript.
type SummarizeStage struct {
	generator NotesGenerator
}

// NewSummarizeStage creates the summarization stage.
func NewSummarizeStage(generator NotesGenerator) *SummarizeStage {
	return &SummarizeStage{generator: generator}
}

func (s *SummarizeStage) Name() string { return "summarize" }

func (s *SummarizeStage) Span() (int, int) { return 10, 60 }

func (s *SummarizeStage) Run(ctx context.Context, ex *Exchange) error {
	notes, err := s.generator.Summarize(ctx, ex.Transcript, ex.Job.SubjectHint)
	if err != nil {
		return err
	}
	ex.Notes = notes
	return nil
}
