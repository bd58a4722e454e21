// Package summary turns a finished transcript into a short meeting summary
// via an OpenAI-compatible chat completions endpoint. Summary state lives in
// its own columns and never touches the transcription status.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/meetscribe/meetscribe/internal/job"
)

const prompt = "Summarize the following meeting transcript. Keep the key " +
	"decisions, action items and who is responsible for them. Answer in the " +
	"language of the transcript.\n\n"

// Options configures a Generator.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int           // attempts per summary, default 3
	BaseDelay  time.Duration // backoff base, default 2s
	HTTPClient *http.Client
}

// Generator calls the summary model and persists the result.
type Generator struct {
	store      job.Store
	httpc      *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	baseDelay  time.Duration
}

func New(store job.Store, opts Options) *Generator {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	return &Generator{
		store:      store,
		httpc:      httpc,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
	}
}

// Generate summarizes the job's transcript. It runs in the calling goroutine;
// failures end up in the job's summary_status, never in an error return.
func (g *Generator) Generate(ctx context.Context, jobID, ownerID string) {
	log := slog.With("job_id", jobID)

	j, err := g.store.Get(ctx, jobID, ownerID)
	if err != nil {
		log.Error("summary: load job", "error", err)
		return
	}
	if strings.TrimSpace(j.ResultText) == "" {
		log.Warn("summary: no transcript text, skipping")
		g.setStatus(ctx, jobID, ownerID, job.SummaryError, "")
		return
	}

	g.setStatus(ctx, jobID, ownerID, job.SummaryProcessing, "")

	text, err := g.complete(ctx, j.ResultText)
	if err != nil {
		log.Error("summary: generation failed", "error", err)
		g.setStatus(ctx, jobID, ownerID, job.SummaryError, "")
		return
	}

	g.setStatus(ctx, jobID, ownerID, job.SummaryCompleted, text)
	log.Info("summary generated", "length", len(text))
}

// complete calls the chat completions endpoint, retrying transient failures
// with full-jitter backoff.
func (g *Generator) complete(ctx context.Context, transcript string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(rand.Int63n(int64(g.baseDelay) << (attempt - 1)))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}

		text, err := g.callOnce(ctx, transcript)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		slog.Warn("summary: attempt failed", "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("after %d attempts: %w", g.maxRetries, lastErr)
}

func (g *Generator) callOnce(ctx context.Context, transcript string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt + transcript},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("summary endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("summary endpoint returned no content")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (g *Generator) setStatus(ctx context.Context, jobID, ownerID, status, text string) {
	u := job.Update{SummaryStatus: &status}
	if text != "" {
		u.SummaryText = &text
	}
	if err := g.store.Update(ctx, jobID, ownerID, u); err != nil {
		slog.Error("summary: update status", "job_id", jobID, "status", status, "error", err)
	}
}
