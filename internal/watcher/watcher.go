// Package watcher discovers incidents upstream and hands new ones to the
// orchestrator.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/dedup"
	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/service/orchestrator"
	"go.uber.org/zap"
)

const (
	ModePoll   = "poll"
	ModeStream = "stream"
)

// Submitter is the orchestrator entry point.
type Submitter interface {
	Submit(ctx context.Context, ev model.Event, targets []string) (orchestrator.JobResult, error)
}

type Options struct {
	Config    config.WatcherConfig
	Source    Source // poll mode
	Stream    Stream // stream mode
	Dedup     dedup.Store
	Marks     MarkStore
	Submitter Submitter
	Targets   []string
	Logger    *zap.Logger
}

// outcome of handling one record, also the watcher_records_total label
type outcome string

const (
	outSubmitted   outcome = "submitted"
	outFiltered    outcome = "filtered"
	outDuplicate   outcome = "duplicate"
	outMalformed   outcome = "malformed"
	outDeferred    outcome = "deferred"
	outIgnored     outcome = "ignored"
	outSubmitError outcome = "submit_error" // job never ran; retried later
)

// Watcher runs one logical loop; cycles never overlap.
type Watcher struct {
	cfg       config.WatcherConfig
	source    Source
	stream    Stream
	dedup     dedup.Store
	marks     MarkStore
	submitter Submitter
	targets   []string
	filter    Filter
	types     map[string]struct{}
	log       *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mark             time.Time
	rateLimitedUntil time.Time
}

func New(o Options) (*Watcher, error) {
	cfg := o.Config
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	switch cfg.Mode {
	case ModePoll:
		if o.Source == nil {
			return nil, errors.New("watcher: poll mode needs a source")
		}
	case ModeStream:
		if o.Stream == nil {
			return nil, errors.New("watcher: stream mode needs a stream")
		}
	default:
		return nil, fmt.Errorf("watcher: unknown mode %q", cfg.Mode)
	}
	if o.Submitter == nil {
		return nil, errors.New("watcher: submitter is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 15 * time.Minute
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = model.DefaultFutureTolerance
	}
	if len(cfg.MessageTypes) == 0 {
		cfg.MessageTypes = []string{"incident", "hack"}
	}
	if o.Dedup == nil {
		o.Dedup = dedup.NewMemory(0)
	}
	if o.Marks == nil {
		o.Marks = &MemoryMarks{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	types := make(map[string]struct{}, len(cfg.MessageTypes))
	for _, t := range cfg.MessageTypes {
		types[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	return &Watcher{
		cfg:       cfg,
		source:    o.Source,
		stream:    o.Stream,
		dedup:     o.Dedup,
		marks:     o.Marks,
		submitter: o.Submitter,
		targets:   append([]string(nil), o.Targets...),
		filter:    NewFilter(cfg),
		types:     types,
		log:       o.Logger.Named("watcher"),
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Mark returns the current high-water mark.
func (w *Watcher) Mark() time.Time { return w.mark }

// Run blocks until ctx is cancelled. Errors inside a cycle are logged and
// never end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	mark, err := w.marks.Load(ctx)
	if err != nil {
		w.log.Warn("load high-water mark, starting from scratch", zap.Error(err))
	}
	w.mark = mark
	w.log.Info("watcher started", zap.String("mode", w.cfg.Mode), zap.Time("mark", w.mark))

	if w.cfg.Mode == ModeStream {
		return w.runStream(ctx)
	}
	return w.runPoll(ctx)
}

func (w *Watcher) runPoll(ctx context.Context) error {
	w.PollOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopping", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single poll cycle.
func (w *Watcher) PollOnce(ctx context.Context) {
	now := w.now()
	if now.Before(w.rateLimitedUntil) {
		w.log.Debug("upstream backoff active, skipping cycle", zap.Time("until", w.rateLimitedUntil))
		return
	}

	raws, err := w.source.Fetch(ctx, w.mark)
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			backoff := rl.RetryAfter
			if backoff <= 0 {
				backoff = w.cfg.RateLimitBackoff
			}
			w.rateLimitedUntil = now.Add(backoff)
			metrics.WatcherFetchErrors.WithLabelValues("rate_limited").Inc()
			w.log.Warn("upstream rate limited, backing off", zap.Duration("backoff", backoff), zap.Time("until", w.rateLimitedUntil))
			return
		}
		metrics.WatcherFetchErrors.WithLabelValues("error").Inc()
		w.log.Error("fetch upstream", zap.Error(err))
		return
	}

	records := make([]decoded, 0, len(raws))
	for _, raw := range raws {
		records = append(records, toEvent(raw, now, w.cfg.FutureTolerance))
	}
	// records without a timestamp sort first and never move the mark
	sort.SliceStable(records, func(i, j int) bool { return records[i].ts.Before(records[j].ts) })

	mark := w.mark
	held := false // a failed submit pins the mark so the record is re-fetched
	submitted := 0
	counts := make(map[outcome]int)
	for i, rec := range records {
		if ctx.Err() != nil || (w.cfg.MaxSubmissionsPerCycle > 0 && submitted >= w.cfg.MaxSubmissionsPerCycle && w.wouldSubmit(ctx, rec)) {
			counts[outDeferred] += len(records) - i
			metrics.WatcherRecords.WithLabelValues(string(outDeferred)).Add(float64(len(records) - i))
			break
		}
		out := w.handle(ctx, rec)
		counts[out]++
		switch out {
		case outSubmitted:
			submitted++
		case outSubmitError:
			held = true
		}
		if !held && rec.ts.After(mark) {
			mark = rec.ts
		}
	}

	w.advance(ctx, mark)
	w.log.Info("poll cycle finished",
		zap.Int("fetched", len(raws)),
		zap.Int("submitted", counts[outSubmitted]),
		zap.Int("filtered", counts[outFiltered]),
		zap.Int("duplicate", counts[outDuplicate]),
		zap.Int("malformed", counts[outMalformed]),
		zap.Int("deferred", counts[outDeferred]),
		zap.Int("submit_errors", counts[outSubmitError]),
		zap.Time("mark", w.mark))
}

// wouldSubmit reports whether rec would reach the orchestrator; only such
// records count against the per-cycle cap.
func (w *Watcher) wouldSubmit(ctx context.Context, rec decoded) bool {
	if rec.err != nil {
		return false
	}
	if ok, _ := w.filter.Admit(rec.ev); !ok {
		return false
	}
	seen, err := w.dedup.Contains(ctx, rec.ev.ID)
	return err != nil || !seen
}

// handle runs one converted record through filters, dedup and submit.
func (w *Watcher) handle(ctx context.Context, rec decoded) outcome {
	out := w.classify(ctx, rec)
	metrics.WatcherRecords.WithLabelValues(string(out)).Inc()
	return out
}

func (w *Watcher) classify(ctx context.Context, rec decoded) outcome {
	if rec.err != nil {
		w.log.Warn("dropping malformed record", zap.Error(rec.err))
		return outMalformed
	}
	ev := rec.ev
	log := w.log.With(zap.String("event_id", ev.ID))

	if ok, rule := w.filter.Admit(ev); !ok {
		log.Debug("event filtered", zap.String("rule", rule), zap.Float64("magnitude", ev.Magnitude))
		return outFiltered
	}

	seen, err := w.dedup.Contains(ctx, ev.ID)
	if err != nil {
		log.Warn("dedup lookup failed, treating as new", zap.Error(err))
	}
	if seen {
		return outDuplicate
	}
	if err := w.dedup.MarkSeen(ctx, ev.ID); err != nil {
		log.Warn("dedup mark failed", zap.Error(err))
	}

	res, err := w.submitter.Submit(ctx, ev, w.targets)
	if err != nil {
		log.Error("submit event, will retry", zap.Error(err))
		if ferr := w.dedup.Forget(ctx, ev.ID); ferr != nil {
			log.Warn("dedup forget failed", zap.Error(ferr))
		}
		return outSubmitError
	}
	log.Info("event submitted", zap.String("job_id", res.JobID), zap.String("status", res.Status.String()), zap.Bool("replayed", res.Replayed))
	return outSubmitted
}

// advance moves the mark forward and persists it; it never moves back.
func (w *Watcher) advance(ctx context.Context, mark time.Time) {
	if !mark.After(w.mark) {
		return
	}
	w.mark = mark
	metrics.WatcherHighWaterMark.Set(float64(mark.Unix()))
	if err := w.marks.Save(ctx, mark); err != nil {
		w.log.Warn("persist high-water mark", zap.Error(err))
	}
}

func (w *Watcher) runStream(ctx context.Context) error {
	for {
		msg, err := w.stream.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("watcher stopping", zap.Error(ctx.Err()))
				return nil
			}
			metrics.WatcherFetchErrors.WithLabelValues("error").Inc()
			w.log.Error("fetch stream message", zap.Error(err))
			if err := w.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		for w.handleMessage(ctx, msg.Value) == outSubmitError {
			// leave the offset uncommitted until the job runs
			if err := w.sleep(ctx, time.Second); err != nil {
				return nil
			}
		}

		if err := w.stream.Commit(context.WithoutCancel(ctx), msg); err != nil {
			w.log.Warn("commit stream message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (w *Watcher) handleMessage(ctx context.Context, value []byte) outcome {
	var env model.Envelope
	if err := json.Unmarshal(value, &env); err != nil || len(env.Data) == 0 {
		metrics.WatcherRecords.WithLabelValues(string(outMalformed)).Inc()
		w.log.Warn("dropping undecodable stream message", zap.Error(err))
		return outMalformed
	}
	if _, ok := w.types[strings.ToLower(env.Type)]; !ok {
		metrics.WatcherRecords.WithLabelValues(string(outIgnored)).Inc()
		return outIgnored
	}

	rec := toEvent(env.Data, w.now(), w.cfg.FutureTolerance)
	out := w.handle(ctx, rec)
	if out != outSubmitError && rec.ts.After(w.mark) {
		w.advance(ctx, rec.ts)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
