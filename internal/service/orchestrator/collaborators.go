package orchestrator

import (
	"context"
	"errors"

	"github.com/jmehdipour/incident-relay/internal/model"
)

var ErrRenderingFailed = errors.New("rendering failed")

// Renderer produces channel-ready content for an event.
type Renderer interface {
	Render(ctx context.Context, ev model.Event, channel string) (model.Content, error)
}

// Reviewer decides whether a rendered job may be published. It may block.
type Reviewer interface {
	Review(ctx context.Context, job model.PublishJob) (approved bool, reason string, err error)
}

// AutoApprove approves every job.
type AutoApprove struct{}

func (AutoApprove) Review(context.Context, model.PublishJob) (bool, string, error) {
	return true, "", nil
}

// Publisher delivers content to a named channel; see dispatcher.Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, channel string, c model.Content) model.ChannelResult
}

// Alerter tracks failure streaks; see alert.Manager.
type Alerter interface {
	TrackFailure(ctx context.Context, key string, details map[string]any) bool
	ResetFailureCount(key string)
}

// JobStore archives terminal jobs and finds them again by event id.
type JobStore interface {
	Save(ctx context.Context, job model.PublishJob) error
	GetByEventID(ctx context.Context, eventID string) (model.PublishJob, bool, error)
}

// ResultRecorder stores per-channel outcomes for reporting.
type ResultRecorder interface {
	Record(ctx context.Context, job model.PublishJob) error
}

type noopAlerter struct{}

func (noopAlerter) TrackFailure(context.Context, string, map[string]any) bool { return false }
func (noopAlerter) ResetFailureCount(string)                                  {}
