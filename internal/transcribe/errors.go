package transcribe

import "fmt"

// SubmissionError wraps any failure to get an audio source accepted by the
// provider: transport errors, provider-side rejections, upload failures.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("submit transcription: %v", e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError wraps a transient failure while checking transcription status.
// The poll loop retries these; they only surface once the attempt budget is
// exhausted.
type PollError struct {
	Err error
}

func (e *PollError) Error() string { return fmt.Sprintf("poll transcription: %v", e.Err) }
func (e *PollError) Unwrap() error { return e.Err }
