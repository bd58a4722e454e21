// Package transcribe talks to the external speech-to-text provider. It is the
// only component aware of the provider's status vocabulary; everything it
// returns is already translated into the job state machine.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/transcript"
)

// Result is the outcome of a transcription, in job vocabulary. Status is one
// of completed, error or timeout.
type Result struct {
	Status          job.Status
	Text            string
	DurationSeconds int
	SpeakerCount    int
	ErrorMessage    string
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	Language     string
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	HTTPClient   *http.Client
}

// Client submits audio to the provider and polls for the result.
type Client struct {
	httpc        *http.Client
	baseURL      string
	apiKey       string
	language     string
	maxAttempts  int
	baseInterval time.Duration
	maxInterval  time.Duration
}

func New(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpc:        httpc,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		language:     opts.Language,
		maxAttempts:  opts.MaxAttempts,
		baseInterval: opts.BaseInterval,
		maxInterval:  opts.MaxInterval,
	}
}

// providerTranscript is the provider's poll response shape.
type providerTranscript struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Text          string  `json:"text"`
	Error         string  `json:"error"`
	AudioDuration float64 `json:"audio_duration"`
	Utterances    []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"utterances"`
	Words []struct {
		Text    string `json:"text"`
		Speaker string `json:"speaker"`
	} `json:"words"`
}

// Submit sends the audio source to the provider and returns the provider's
// transcription id. Local paths are streamed through the provider's upload
// endpoint first; remote URLs are passed through as-is.
func (c *Client) Submit(ctx context.Context, sourceRef string) (string, error) {
	audioURL := sourceRef
	if !isRemote(sourceRef) {
		uploaded, err := c.upload(ctx, sourceRef)
		if err != nil {
			return "", &SubmissionError{Err: err}
		}
		audioURL = uploaded
	}

	body, _ := json.Marshal(map[string]any{
		"audio_url":      audioURL,
		"speaker_labels": true,
		"language_code":  c.language,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SubmissionError{Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, readBody(resp.Body))}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if created.ID == "" {
		return "", &SubmissionError{Err: fmt.Errorf("provider returned no transcription id")}
	}
	return created.ID, nil
}

// upload streams a local file to the provider and returns the resulting URL.
func (c *Client) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	var uploaded struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.UploadURL == "" {
		return "", fmt.Errorf("upload returned no url")
	}
	return uploaded.UploadURL, nil
}

// poll performs a single status check.
func (c *Client) poll(ctx context.Context, providerJobID string) (*providerTranscript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/transcript/"+providerJobID, nil)
	if err != nil {
		return nil, &PollError{Err: err}
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &PollError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &PollError{Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, readBody(resp.Body))}
	}

	var tr providerTranscript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &PollError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return &tr, nil
}

// Await polls until the provider reports a terminal status or the attempt
// budget runs out. The wait between checks grows with the attempt number up
// to the configured cap. Transient poll failures are retried within the loop;
// only a failure on the final attempt surfaces as an error.
func (c *Client) Await(ctx context.Context, providerJobID string) (*Result, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		tr, err := c.poll(ctx, providerJobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if attempt == c.maxAttempts {
				return nil, err
			}
		} else {
			switch tr.Status {
			case "completed":
				return c.completedResult(tr), nil
			case "error":
				msg := tr.Error
				if msg == "" {
					msg = "unknown provider error"
				}
				return &Result{Status: job.StatusError, ErrorMessage: msg}, nil
			}
			// queued/processing: keep waiting.
		}

		if attempt < c.maxAttempts {
			if err := c.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return &Result{
		Status:       job.StatusTimeout,
		ErrorMessage: fmt.Sprintf("transcription did not finish within %d status checks", c.maxAttempts),
	}, nil
}

// wait sleeps min(baseInterval * attempt, maxInterval), honoring ctx.
func (c *Client) wait(ctx context.Context, attempt int) error {
	d := c.baseInterval * time.Duration(attempt)
	if d > c.maxInterval {
		d = c.maxInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) completedResult(tr *providerTranscript) *Result {
	segments := make([]transcript.Segment, 0, len(tr.Utterances))
	for _, u := range tr.Utterances {
		segments = append(segments, transcript.Segment{Speaker: u.Speaker, Text: u.Text})
	}
	wordSpeakers := make([]string, 0, len(tr.Words))
	for _, w := range tr.Words {
		wordSpeakers = append(wordSpeakers, w.Speaker)
	}

	return &Result{
		Status:          job.StatusCompleted,
		Text:            transcript.Normalize(tr.Text, segments),
		DurationSeconds: int(tr.AudioDuration),
		SpeakerCount:    transcript.CountSpeakers(segments, wordSpeakers),
	}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
