package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/incident-relay/internal/metrics"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/util"
	"go.uber.org/zap"
)

const pipelineKey = "pipeline"

// JobResult is what Submit hands back to the caller.
type JobResult struct {
	JobID   string                         `json:"job_id"`
	EventID string                         `json:"event_id"`
	Status  model.JobStatus                `json:"status"`
	Reason  string                         `json:"reason,omitempty"`
	Results map[string]model.ChannelResult `json:"results"`
	// Replayed is set when an earlier job for the same event was returned
	// instead of publishing again.
	Replayed bool `json:"replayed"`
}

type Options struct {
	Renderer  Renderer
	Reviewer  Reviewer
	Publisher Publisher
	Alerts    Alerter
	Store     JobStore
	Recorder  ResultRecorder
	// Retention is how long finished jobs stay in memory.
	Retention time.Duration
	Logger    *zap.Logger
}

type entry struct {
	done       chan struct{}
	job        model.PublishJob
	finishedAt time.Time
}

// Service turns events into publish jobs and fans them out.
type Service struct {
	renderer  Renderer
	reviewer  Reviewer
	publisher Publisher
	alerts    Alerter
	store     JobStore
	recorder  ResultRecorder
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
	newID     func() string

	mu   sync.Mutex
	jobs map[string]*entry // by event id
}

func New(o Options) (*Service, error) {
	if o.Renderer == nil {
		return nil, errors.New("orchestrator: renderer is required")
	}
	if o.Publisher == nil {
		return nil, errors.New("orchestrator: publisher is required")
	}
	if o.Reviewer == nil {
		o.Reviewer = AutoApprove{}
	}
	if o.Alerts == nil {
		o.Alerts = noopAlerter{}
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return &Service{
		renderer:  o.Renderer,
		reviewer:  o.Reviewer,
		publisher: o.Publisher,
		alerts:    o.Alerts,
		store:     o.Store,
		recorder:  o.Recorder,
		retention: o.Retention,
		log:       o.Logger.Named("orchestrator"),
		now:       time.Now,
		newID:     util.NewID,
		jobs:      make(map[string]*entry),
	}, nil
}

// Submit publishes ev to targets at most once per event id. A second
// submission waits for the first (if still running) and returns its result.
// The error is non-nil only when no job could be run or awaited.
func (s *Service) Submit(ctx context.Context, ev model.Event, targets []string) (JobResult, error) {
	s.mu.Lock()
	s.pruneLocked(s.now())
	if e, ok := s.jobs[ev.ID]; ok {
		s.mu.Unlock()
		select {
		case <-e.done:
			if e.job.ID == "" {
				return JobResult{}, fmt.Errorf("earlier submission of %s did not run", ev.ID)
			}
			return resultOf(e.job, true), nil
		case <-ctx.Done():
			return JobResult{}, fmt.Errorf("waiting for in-flight job of %s: %w", ev.ID, ctx.Err())
		}
	}
	e := &entry{done: make(chan struct{})}
	s.jobs[ev.ID] = e
	s.mu.Unlock()

	if s.store != nil {
		prev, found, err := s.store.GetByEventID(ctx, ev.ID)
		if err != nil {
			s.forget(ev.ID, e)
			return JobResult{}, fmt.Errorf("lookup archived job for %s: %w", ev.ID, err)
		}
		if found && prev.Status.Terminal() {
			s.log.Info("event already published, skipping", zap.String("event_id", ev.ID), zap.String("status", prev.Status.String()))
			s.complete(e, prev)
			return resultOf(prev, true), nil
		}
	}

	// in-flight publishes finish even if the caller is shutting down
	job := s.run(context.WithoutCancel(ctx), ev, targets)
	s.complete(e, job)
	s.archive(context.WithoutCancel(ctx), job)
	return resultOf(job, false), nil
}

func (s *Service) run(ctx context.Context, ev model.Event, targets []string) model.PublishJob {
	job := model.NewPublishJob(s.newID(), ev, dedupTargets(targets), s.now())
	log := s.log.With(zap.String("job_id", job.ID), zap.String("event_id", ev.ID))

	if len(job.Channels) == 0 {
		job.Reason = "no target channels"
		s.must(job.Transition(model.JobFailed, s.now()))
		s.trackPipeline(ctx, job)
		return *job
	}

	if err := s.render(ctx, job); err != nil {
		log.Error("rendering failed", zap.Error(err))
		job.Reason = err.Error()
		for _, ch := range job.Channels {
			job.Results[ch] = model.Failed(ch, model.ErrKindRenderingFailed, err)
		}
		s.must(job.Transition(model.JobFailed, s.now()))
		s.trackPipeline(ctx, job)
		return *job
	}
	s.must(job.Transition(model.JobPendingReview, s.now()))

	approved, reason, err := s.reviewer.Review(ctx, *job.Clone())
	if err != nil {
		approved, reason = false, fmt.Sprintf("review failed: %v", err)
	}
	if !approved {
		job.Reason = reason
		s.must(job.Transition(model.JobRejected, s.now()))
		log.Info("job rejected", zap.String("reason", reason))
		return *job
	}
	s.must(job.Transition(model.JobApproved, s.now()))

	job.Results = s.fanOut(ctx, job)
	for ch, r := range job.Results {
		key := "channel:" + ch
		if r.Success {
			s.alerts.ResetFailureCount(key)
			continue
		}
		if r.ErrorKind == model.ErrKindChannelDisabled {
			continue
		}
		s.alerts.TrackFailure(ctx, key, map[string]any{
			"event_id":   ev.ID,
			"error_kind": r.ErrorKind.String(),
			"error":      r.Error,
		})
	}

	s.must(job.Transition(model.ClassifyResults(job.Results), s.now()))
	if job.Status == model.JobFailed {
		job.Reason = "all channels failed"
		s.trackPipeline(ctx, job)
	} else {
		s.alerts.ResetFailureCount(pipelineKey)
	}

	log.Info("job finished", zap.String("status", job.Status.String()), zap.Int("channels", len(job.Channels)))
	return *job
}

func (s *Service) render(ctx context.Context, job *model.PublishJob) error {
	start := time.Now()
	defer func() { metrics.RenderDuration.Observe(time.Since(start).Seconds()) }()

	for _, ch := range job.Channels {
		c, err := s.renderer.Render(ctx, job.Event, ch)
		if err != nil {
			return fmt.Errorf("%w for %s: %v", ErrRenderingFailed, ch, err)
		}
		job.RenderedContent[ch] = c
	}
	return nil
}

// fanOut publishes to every target concurrently, one goroutine per channel.
func (s *Service) fanOut(ctx context.Context, job *model.PublishJob) map[string]model.ChannelResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]model.ChannelResult, len(job.Channels))
	)
	for _, ch := range job.Channels {
		wg.Add(1)
		go func(ch string, c model.Content) {
			defer wg.Done()
			r := s.publisher.Publish(ctx, ch, c)
			r.Channel = ch
			mu.Lock()
			results[ch] = r
			mu.Unlock()
		}(ch, job.RenderedContent[ch])
	}
	wg.Wait()
	return results
}

func (s *Service) trackPipeline(ctx context.Context, job *model.PublishJob) {
	failed := make([]string, 0, len(job.Results))
	for ch, r := range job.Results {
		if !r.Success {
			failed = append(failed, fmt.Sprintf("%s: %s", ch, r.ErrorKind))
		}
	}
	sort.Strings(failed)
	s.alerts.TrackFailure(ctx, pipelineKey, map[string]any{
		"event_id": job.EventID,
		"reason":   job.Reason,
		"channels": failed,
	})
}

func (s *Service) archive(ctx context.Context, job model.PublishJob) {
	metrics.Jobs.WithLabelValues(job.Status.String()).Inc()
	if s.store != nil {
		if err := s.store.Save(ctx, job); err != nil {
			s.log.Error("archive job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if s.recorder != nil && len(job.Results) > 0 {
		if err := s.recorder.Record(ctx, job); err != nil {
			s.log.Error("record results", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (s *Service) complete(e *entry, job model.PublishJob) {
	s.mu.Lock()
	e.job = job
	e.finishedAt = s.now()
	s.mu.Unlock()
	close(e.done)
}

// forget drops a registration that never ran so a later submit can retry.
func (s *Service) forget(eventID string, e *entry) {
	s.mu.Lock()
	if s.jobs[eventID] == e {
		delete(s.jobs, eventID)
	}
	s.mu.Unlock()
	close(e.done)
}

func (s *Service) pruneLocked(now time.Time) {
	for id, e := range s.jobs {
		if !e.finishedAt.IsZero() && now.Sub(e.finishedAt) > s.retention {
			delete(s.jobs, id)
		}
	}
}

// must panics on an illegal transition, which only a bug in run can cause.
func (s *Service) must(err error) {
	if err != nil {
		panic(err)
	}
}

// Job returns the most recent job for eventID, in memory or archived.
func (s *Service) Job(ctx context.Context, eventID string) (model.PublishJob, bool, error) {
	s.mu.Lock()
	e, ok := s.jobs[eventID]
	s.mu.Unlock()
	if ok {
		select {
		case <-e.done:
			s.mu.Lock()
			job := *e.job.Clone()
			s.mu.Unlock()
			if job.ID != "" {
				return job, true, nil
			}
		default:
			return model.PublishJob{EventID: eventID, Status: model.JobDraft}, true, nil
		}
	}
	if s.store == nil {
		return model.PublishJob{}, false, nil
	}
	return s.store.GetByEventID(ctx, eventID)
}

// Jobs lists finished in-memory jobs, newest first.
func (s *Service) Jobs() []model.PublishJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PublishJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.finishedAt.IsZero() || e.job.ID == "" {
			continue
		}
		out = append(out, *e.job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func resultOf(job model.PublishJob, replayed bool) JobResult {
	results := make(map[string]model.ChannelResult, len(job.Results))
	for k, v := range job.Results {
		results[k] = v
	}
	return JobResult{
		JobID:    job.ID,
		EventID:  job.EventID,
		Status:   job.Status,
		Reason:   job.Reason,
		Results:  results,
		Replayed: replayed,
	}
}

func dedupTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
