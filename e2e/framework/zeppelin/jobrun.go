package zeppelin

import (
	"errors"
	"sync"
)

// Status is a paragraph or job status reported by Zeppelin.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusAbort    Status = "ABORT"
)

// Active reports whether the status means work is queued or in progress.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status is FINISHED, ERROR or ABORT.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusAbort
}

// ErrTerminal is returned when a settled job run is observed going back to
// an active status.
var ErrTerminal = errors.New("job run already terminal")

// Aggregate folds paragraph statuses into a job status. RUNNING wins over
// PENDING, which wins over ERROR, then ABORT. Anything else, including an
// empty listing, is FINISHED.
func Aggregate(paragraphs []ParagraphStatus) Status {
	var pending, failed, aborted bool
	for _, p := range paragraphs {
		switch p.Status {
		case StatusRunning:
			return StatusRunning
		case StatusPending:
			pending = true
		case StatusError:
			failed = true
		case StatusAbort:
			aborted = true
		}
	}
	switch {
	case pending:
		return StatusPending
	case failed:
		return StatusError
	case aborted:
		return StatusAbort
	default:
		return StatusFinished
	}
}

// JobRun tracks one notebook execution. Once it reaches a terminal status
// its paragraph listing is frozen.
type JobRun struct {
	NotebookID string

	mu           sync.Mutex
	status       Status
	paragraphs   []ParagraphStatus
	observations int
}

// NewJobRun returns a PENDING run for notebookID.
func NewJobRun(notebookID string) *JobRun {
	return &JobRun{NotebookID: notebookID, status: StatusPending}
}

// Observe records a status listing. Observations after the run settled are
// ignored, and an active listing after settling returns ErrTerminal.
func (j *JobRun) Observe(paragraphs []ParagraphStatus) error {
	next := Aggregate(paragraphs)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		if next.Active() {
			return ErrTerminal
		}
		return nil
	}
	j.observations++
	j.status = next
	j.paragraphs = append([]ParagraphStatus(nil), paragraphs...)
	return nil
}

// Status returns the current aggregate status.
func (j *JobRun) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Settled reports whether the run reached a terminal status.
func (j *JobRun) Settled() bool {
	return j.Status().Terminal()
}

// Paragraphs returns a copy of the last accepted listing.
func (j *JobRun) Paragraphs() []ParagraphStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ParagraphStatus(nil), j.paragraphs...)
}

// ErrorParagraphs returns the ids of paragraphs that ended in ERROR.
func (j *JobRun) ErrorParagraphs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var ids []string
	for _, p := range j.paragraphs {
		if p.Status == StatusError {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Observations returns how many listings were accepted.
func (j *JobRun) Observations() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.observations
}
