package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/kafka"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/service/orchestrator"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, magnitude float64, ts time.Time) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"id":        id,
		"category":  "exploit",
		"chain":     "ethereum",
		"magnitude": magnitude,
		"timestamp": ts.Format(time.RFC3339),
	})
	return b
}

type fakeSource struct {
	mu      sync.Mutex
	records []json.RawMessage
	err     error
	sinces  []time.Time
}

func (s *fakeSource) Fetch(_ context.Context, since time.Time) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinces = append(s.sinces, since)
	if s.err != nil {
		return nil, s.err
	}
	return append([]json.RawMessage(nil), s.records...), nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	events   []model.Event
	failOnce map[string]bool // first submit of these ids fails
	failed   []string
}

func (f *fakeSubmitter) Submit(_ context.Context, ev model.Event, _ []string) (orchestrator.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[ev.ID] {
		delete(f.failOnce, ev.ID)
		f.failed = append(f.failed, ev.ID)
		return orchestrator.JobResult{}, errors.New("archive unavailable")
	}
	f.events = append(f.events, ev)
	return orchestrator.JobResult{EventID: ev.ID, Status: model.JobPosted}, nil
}

func (f *fakeSubmitter) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.ID)
	}
	return out
}

func newPollWatcher(t *testing.T, cfg config.WatcherConfig, src Source, sub Submitter) *Watcher {
	t.Helper()
	cfg.Mode = ModePoll
	w, err := New(Options{Config: cfg, Source: src, Submitter: sub, Targets: []string{"A", "B"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = func() time.Time { return base.Add(time.Hour) }
	return w
}

func TestHighWaterMarkAdvancesToNewest(t *testing.T) {
	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	src := &fakeSource{records: []json.RawMessage{rec("c", 10, t3), rec("a", 10, t1), rec("b", 10, t2)}}
	sub := &fakeSubmitter{}
	w := newPollWatcher(t, config.WatcherConfig{}, src, sub)

	w.PollOnce(context.Background())
	if !w.Mark().Equal(t3) {
		t.Fatalf("expected mark %s, got %s", t3, w.Mark())
	}
	if got := sub.ids(); fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("expected ascending submission order, got %v", got)
	}

	// same records again: all duplicates, mark unchanged
	w.PollOnce(context.Background())
	if !w.Mark().Equal(t3) || len(sub.ids()) != 3 {
		t.Fatalf("second poll changed state: mark=%s submitted=%v", w.Mark(), sub.ids())
	}
	if !src.sinces[1].Equal(t3) {
		t.Fatalf("second fetch should start at the mark, got %s", src.sinces[1])
	}

	// nothing new at all
	src.records = nil
	w.PollOnce(context.Background())
	if !w.Mark().Equal(t3) {
		t.Fatalf("empty poll moved the mark to %s", w.Mark())
	}
}

func TestMarkNeverRegresses(t *testing.T) {
	src := &fakeSource{records: []json.RawMessage{rec("old", 10, base)}}
	w := newPollWatcher(t, config.WatcherConfig{}, src, &fakeSubmitter{})
	later := base.Add(time.Hour)
	w.mark = later

	w.PollOnce(context.Background())
	if !w.Mark().Equal(later) {
		t.Fatalf("mark regressed to %s", w.Mark())
	}
}

func TestBelowMinimumMagnitudeIsNeverSubmitted(t *testing.T) {
	src := &fakeSource{records: []json.RawMessage{rec("E2", 50_000, base), rec("E1", 5_000_000, base.Add(time.Second))}}
	sub := &fakeSubmitter{}
	w := newPollWatcher(t, config.WatcherConfig{MinMagnitude: 1_000_000}, src, sub)

	w.PollOnce(context.Background())
	if got := sub.ids(); len(got) != 1 || got[0] != "E1" {
		t.Fatalf("expected only E1 submitted, got %v", got)
	}
	if seen, _ := w.dedup.Contains(context.Background(), "E2"); seen {
		t.Fatal("filtered events must not be marked seen")
	}
}

func TestAllowListsAreNormalised(t *testing.T) {
	raw := func(id, cat, chain string) json.RawMessage {
		b, _ := json.Marshal(map[string]any{"id": id, "category": cat, "chain": chain, "magnitude": 10, "timestamp": base.Format(time.RFC3339)})
		return b
	}
	src := &fakeSource{records: []json.RawMessage{
		raw("ok", "Flash-Loan", "ETH"),
		raw("bad-chain", "flash loan", "solana"),
		raw("bad-cat", "phishing", "ethereum"),
	}}
	sub := &fakeSubmitter{}
	w := newPollWatcher(t, config.WatcherConfig{AllowedCategories: []string{"flash loan"}, AllowedChains: []string{"Ethereum"}}, src, sub)

	w.PollOnce(context.Background())
	if got := sub.ids(); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("unexpected submissions %v", got)
	}
}

func TestCapDefersRemainingRecords(t *testing.T) {
	src := &fakeSource{records: []json.RawMessage{
		rec("a", 10, base),
		rec("b", 10, base.Add(time.Minute)),
		rec("c", 10, base.Add(2*time.Minute)),
	}}
	sub := &fakeSubmitter{}
	w := newPollWatcher(t, config.WatcherConfig{MaxSubmissionsPerCycle: 2}, src, sub)

	w.PollOnce(context.Background())
	if got := sub.ids(); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("expected a and b, got %v", got)
	}
	if !w.Mark().Equal(base.Add(time.Minute)) {
		t.Fatalf("mark must stop before the deferred record, got %s", w.Mark())
	}

	w.PollOnce(context.Background())
	if got := sub.ids(); fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("deferred record should be submitted next cycle, got %v", got)
	}
	if !w.Mark().Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected mark %s", w.Mark())
	}
}

func TestUpstreamRateLimitSuspendsPolling(t *testing.T) {
	src := &fakeSource{err: &RateLimitedError{Status: 429}}
	w := newPollWatcher(t, config.WatcherConfig{RateLimitBackoff: 15 * time.Minute}, src, &fakeSubmitter{})
	now := base
	w.now = func() time.Time { return now }

	w.PollOnce(context.Background())
	if want := base.Add(15 * time.Minute); !w.rateLimitedUntil.Equal(want) {
		t.Fatalf("expected backoff until %s, got %s", want, w.rateLimitedUntil)
	}

	now = base.Add(5 * time.Minute)
	w.PollOnce(context.Background())
	if len(src.sinces) != 1 {
		t.Fatalf("polled during backoff: %d fetches", len(src.sinces))
	}

	src.err = nil
	now = base.Add(16 * time.Minute)
	w.PollOnce(context.Background())
	if len(src.sinces) != 2 {
		t.Fatal("expected polling to resume after backoff")
	}
}

func TestRetryAfterHintOverridesDefaultBackoff(t *testing.T) {
	src := &fakeSource{err: &RateLimitedError{Status: 429, RetryAfter: time.Minute}}
	w := newPollWatcher(t, config.WatcherConfig{}, src, &fakeSubmitter{})
	w.now = func() time.Time { return base }

	w.PollOnce(context.Background())
	if !w.rateLimitedUntil.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected backoff deadline %s", w.rateLimitedUntil)
	}
}

func TestFetchErrorIsNotFatal(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	w := newPollWatcher(t, config.WatcherConfig{}, src, &fakeSubmitter{})

	w.PollOnce(context.Background())
	if !w.rateLimitedUntil.IsZero() {
		t.Fatal("plain errors must not trigger the rate-limit backoff")
	}
	w.PollOnce(context.Background())
	if len(src.sinces) != 2 {
		t.Fatal("next cycle should fetch again")
	}
}

func TestMalformedRecordsAreDropped(t *testing.T) {
	src := &fakeSource{records: []json.RawMessage{
		json.RawMessage(`{"id":"x","category":"exploit","chain":"ethereum","timestamp":"2024-05-01T12:05:00Z"}`), // no magnitude
		json.RawMessage(`not json`),
		rec("ok", 10, base),
	}}
	sub := &fakeSubmitter{}
	w := newPollWatcher(t, config.WatcherConfig{}, src, sub)

	w.PollOnce(context.Background())
	if got := sub.ids(); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("unexpected submissions %v", got)
	}
	if !w.Mark().Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("malformed record with a timestamp still counts as processed, mark=%s", w.Mark())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	w := newPollWatcher(t, config.WatcherConfig{Interval: time.Hour}, src, &fakeSubmitter{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

type fakeStream struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (s *fakeStream) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeStream) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	s.committed = append(s.committed, m.Offset)
	s.mu.Unlock()
	return nil
}

func TestStreamProcessesKnownTypes(t *testing.T) {
	env := func(typ string, data json.RawMessage) []byte {
		b, _ := json.Marshal(model.Envelope{Type: typ, Data: data})
		return b
	}
	stream := &fakeStream{msgs: []kafka.Message{
		{Offset: 1, Value: env("incident", rec("s1", 10, base))},
		{Offset: 2, Value: env("heartbeat", json.RawMessage(`{}`))},
		{Offset: 3, Value: env("hack", rec("s2", 10, base.Add(time.Minute)))},
		{Offset: 4, Value: []byte("garbage")},
	}}
	sub := &fakeSubmitter{}
	w, err := New(Options{Config: config.WatcherConfig{Mode: ModeStream}, Stream: stream, Submitter: sub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = func() time.Time { return base.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	deadline := time.After(time.Second)
	for {
		stream.mu.Lock()
		n := len(stream.committed)
		stream.mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d messages committed", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := sub.ids(); fmt.Sprint(got) != "[s1 s2]" {
		t.Fatalf("unexpected submissions %v", got)
	}
	if !w.Mark().Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected mark %s", w.Mark())
	}
}

func TestFailedSubmitIsRetriedNextCycle(t *testing.T) {
	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)
	src := &fakeSource{records: []json.RawMessage{rec("a", 10, t1), rec("b", 10, t2), rec("c", 10, t3)}}
	sub := &fakeSubmitter{failOnce: map[string]bool{"b": true}}
	w := newPollWatcher(t, config.WatcherConfig{}, src, sub)

	w.PollOnce(context.Background())
	if !w.Mark().Equal(t1) {
		t.Fatalf("mark moved past the failed record: %s", w.Mark())
	}
	if seen, _ := w.dedup.Contains(context.Background(), "b"); seen {
		t.Fatal("failed id should not stay marked as seen")
	}
	if got := sub.ids(); fmt.Sprint(got) != "[a c]" {
		t.Fatalf("unexpected submissions %v", got)
	}

	w.PollOnce(context.Background())
	if got := sub.ids(); fmt.Sprint(got) != "[a c b]" {
		t.Fatalf("failed record not retried, submissions %v", got)
	}
	if !w.Mark().Equal(t3) {
		t.Fatalf("expected mark %s after retry, got %s", t3, w.Mark())
	}
}

func TestStreamRetriesFailedSubmitBeforeCommit(t *testing.T) {
	b, _ := json.Marshal(model.Envelope{Type: "incident", Data: rec("s1", 10, base)})
	stream := &fakeStream{msgs: []kafka.Message{{Offset: 7, Value: b}}}
	sub := &fakeSubmitter{failOnce: map[string]bool{"s1": true}}
	w, err := New(Options{Config: config.WatcherConfig{Mode: ModeStream}, Stream: stream, Submitter: sub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = func() time.Time { return base.Add(time.Hour) }
	var sleeps int
	w.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	deadline := time.After(time.Second)
	for {
		stream.mu.Lock()
		n := len(stream.committed)
		stream.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never committed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if fmt.Sprint(sub.failed) != "[s1]" || fmt.Sprint(sub.ids()) != "[s1]" || sleeps != 1 {
		t.Fatalf("failed=%v submitted=%v sleeps=%d", sub.failed, sub.ids(), sleeps)
	}
}
