package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/model"
)

type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	disabled    bool
	validateErr error
	errs        []error // consumed per call; nil entry or exhausted list = success
	calls       int
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) Kind() string                       { return "fake" }
func (f *fakeAdapter) Enabled() bool                      { return !f.disabled }
func (f *fakeAdapter) Authenticate(context.Context) error { return nil }
func (f *fakeAdapter) Validate(model.Content) error       { return f.validateErr }
func (f *fakeAdapter) Status() channel.HealthInfo {
	return channel.HealthInfo{Channel: f.name, Kind: "fake", Enabled: !f.disabled}
}

func (f *fakeAdapter) Publish(context.Context, model.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.name + "-ref", nil
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestPublisher(a channel.Adapter, limit int) (*Publisher, *sleepRecorder) {
	l, err := NewRateLimiter(limit)
	if err != nil {
		panic(err)
	}
	p := NewPublisher(a, l, config.PublisherConfig{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		AttemptTimeout: time.Second,
		RemoteCooldown: time.Minute,
	}, nil)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, rec
}
