package job

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
)

// IsTerminal returns true for statuses that represent a final state.
// Terminal jobs are never mutated again except by an explicit re-submission.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusTimeout
}

// Summary generation is a downstream side process with its own lifecycle,
// independent of the transcription state machine.
const (
	SummaryPending    = "pending"
	SummaryProcessing = "processing"
	SummaryCompleted  = "completed"
	SummaryError      = "error"
)

// ErrNotFound is returned when no job matches an (id, owner) pair. An owner
// mismatch is indistinguishable from a missing id.
var ErrNotFound = errors.New("job not found")

type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Title           string     `json:"title"`
	SourceRef       string     `json:"source_ref"`
	Status          Status     `json:"status"`
	ProviderJobID   string     `json:"provider_job_id,omitempty"`
	ResultText      string     `json:"result_text,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	SpeakerCount    int        `json:"speaker_count,omitempty"`
	SummaryStatus   string     `json:"summary_status,omitempty"`
	SummaryText     string     `json:"summary_text,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Update is a partial, last-write-wins field merge. Nil fields are untouched.
type Update struct {
	Status          *Status
	ProviderJobID   *string
	ResultText      *string
	DurationSeconds *int
	SpeakerCount    *int
	SummaryStatus   *string
	SummaryText     *string
}

// CreateRequest is the payload used to submit a new transcription job.
type CreateRequest struct {
	Title     string `json:"title"`
	SourceRef string `json:"source_ref"`
}

func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title must not be empty")
	}
	if strings.TrimSpace(r.SourceRef) == "" {
		return errors.New("source_ref must not be empty")
	}
	return nil
}
