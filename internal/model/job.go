package model

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobDraft           JobStatus = "draft"
	JobPendingReview   JobStatus = "pending_review"
	JobApproved        JobStatus = "approved"
	JobRejected        JobStatus = "rejected"
	JobPosted          JobStatus = "posted"
	JobPartiallyPosted JobStatus = "partially_posted"
	JobFailed          JobStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// transitions lists the only forward moves a job may make.
var transitions = map[JobStatus][]JobStatus{
	JobDraft:         {JobPendingReview, JobFailed},
	JobPendingReview: {JobApproved, JobRejected},
	JobApproved:      {JobPosted, JobPartiallyPosted, JobFailed},
}

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobDraft, JobPendingReview, JobApproved, JobRejected, JobPosted, JobPartiallyPosted, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobRejected || s == JobPosted || s == JobPartiallyPosted || s == JobFailed
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// PublishJob tracks one Event's distribution across channels.
type PublishJob struct {
	ID              string                   `json:"id" db:"id"`
	EventID         string                   `json:"event_id" db:"event_id"`
	Event           Event                    `json:"event"`
	Channels        []string                 `json:"channels"`
	Status          JobStatus                `json:"status" db:"status"`
	Reason          string                   `json:"reason,omitempty" db:"reason"`
	RenderedContent map[string]Content       `json:"rendered_content,omitempty"`
	Results         map[string]ChannelResult `json:"results"`
	CreatedAt       time.Time                `json:"created_at" db:"created_at"`
	ReviewedAt      *time.Time               `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty" db:"completed_at"`
}

// NewPublishJob returns a draft job for event.
func NewPublishJob(id string, ev Event, channels []string, now time.Time) *PublishJob {
	return &PublishJob{
		ID:              id,
		EventID:         ev.ID,
		Event:           ev,
		Channels:        append([]string(nil), channels...),
		Status:          JobDraft,
		RenderedContent: make(map[string]Content, len(channels)),
		Results:         make(map[string]ChannelResult, len(channels)),
		CreatedAt:       now,
	}
}

// Transition moves the job forward, stamping review/completion times.
func (j *PublishJob) Transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if next == JobApproved || next == JobRejected {
		t := now
		j.ReviewedAt = &t
	}
	if next.Terminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the orchestrator.
func (j *PublishJob) Clone() *PublishJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Channels = append([]string(nil), j.Channels...)
	c.RenderedContent = make(map[string]Content, len(j.RenderedContent))
	for k, v := range j.RenderedContent {
		c.RenderedContent[k] = v
	}
	c.Results = make(map[string]ChannelResult, len(j.Results))
	for k, v := range j.Results {
		c.Results[k] = v
	}
	return &c
}

// ClassifyResults derives the terminal status of an approved job.
func ClassifyResults(results map[string]ChannelResult) JobStatus {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case len(results) > 0 && ok == len(results):
		return JobPosted
	case ok > 0:
		return JobPartiallyPosted
	default:
		return JobFailed
	}
}
