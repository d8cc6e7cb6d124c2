package model

import (
	"errors"
	"testing"
	"time"
)

func TestJobTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := NewPublishJob("j1", Event{ID: "E1"}, []string{"a"}, now)

	for _, next := range []JobStatus{JobPendingReview, JobApproved, JobPosted} {
		if err := j.Transition(next, now); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if j.ReviewedAt == nil || j.CompletedAt == nil {
		t.Fatalf("expected review and completion times to be set")
	}
	if err := j.Transition(JobFailed, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from terminal state, got %v", err)
	}
}

func TestJobCannotGoBackwards(t *testing.T) {
	j := NewPublishJob("j1", Event{ID: "E1"}, nil, time.Now())
	if err := j.Transition(JobPendingReview, time.Now()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := j.Transition(JobDraft, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backwards transition to fail, got %v", err)
	}
}

func TestClassifyResults(t *testing.T) {
	cases := []struct {
		name    string
		results map[string]ChannelResult
		want    JobStatus
	}{
		{"all ok", map[string]ChannelResult{"a": {Success: true}, "b": {Success: true}}, JobPosted},
		{"partial", map[string]ChannelResult{"a": {Success: true}, "b": {}}, JobPartiallyPosted},
		{"none", map[string]ChannelResult{"a": {}, "b": {}}, JobFailed},
		{"empty", map[string]ChannelResult{}, JobFailed},
	}
	for _, tc := range cases {
		if got := ClassifyResults(tc.results); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ok := Event{ID: "x", Magnitude: 10, Timestamp: now}
	if err := ok.Validate(now, time.Minute); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	bad := []Event{
		{Magnitude: 1, Timestamp: now},
		{ID: "x", Magnitude: -1, Timestamp: now},
		{ID: "x", Magnitude: 1},
		{ID: "x", Magnitude: 1, Timestamp: now.Add(time.Hour)},
	}
	for i, ev := range bad {
		if err := ev.Validate(now, time.Minute); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("case %d: expected ErrMalformedRecord, got %v", i, err)
		}
	}
}
