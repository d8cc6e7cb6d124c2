package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/model"
)

var content = model.Content{Text: "incident"}

func TestPublishSuccessRecordsSlot(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	p, _ := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if !r.Success || r.ExternalReference != "a-ref" || r.Attempts != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	if got := p.limiter.Remaining(); got != 2 {
		t.Fatalf("expected one slot used, remaining=%d", got)
	}
}

func TestPublishDisabled(t *testing.T) {
	a := &fakeAdapter{name: "a", disabled: true}
	p, _ := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if r.Success || r.ErrorKind != model.ErrKindChannelDisabled || r.Attempts != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	if a.Calls() != 0 {
		t.Fatal("disabled channel must not be contacted")
	}
}

func TestPublishRateLimitExceededSkipsRemote(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	p, _ := newTestPublisher(a, 1)

	if r := p.Publish(context.Background(), content); !r.Success {
		t.Fatalf("first publish should succeed: %+v", r)
	}
	r := p.Publish(context.Background(), content)
	if r.ErrorKind != model.ErrKindRateLimitExceeded || r.Attempts != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	if a.Calls() != 1 {
		t.Fatalf("expected 1 remote call, got %d", a.Calls())
	}
}

func TestPublishInvalidContentNoAttempt(t *testing.T) {
	a := &fakeAdapter{name: "a", validateErr: channel.ErrInvalidContent}
	p, rec := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if r.ErrorKind != model.ErrKindInvalidContent || r.Attempts != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	if a.Calls() != 0 || len(rec.delays) != 0 {
		t.Fatal("invalid content must not be published or retried")
	}
	if p.limiter.Remaining() != 3 {
		t.Fatal("invalid content must not consume a slot")
	}
}

func TestPublishBackoffIsMonotonicAndBounded(t *testing.T) {
	boom := errors.New("502 bad gateway")
	a := &fakeAdapter{name: "a", errs: []error{boom, boom, boom, boom}}
	p, rec := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if r.Success || r.ErrorKind != model.ErrKindTransient {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Attempts != 3 || a.Calls() != 3 {
		t.Fatalf("expected exactly 3 attempts, result=%d calls=%d", r.Attempts, a.Calls())
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), rec.delays)
	}
	for i, d := range rec.delays {
		if d != want[i] {
			t.Fatalf("delay %d: got %s want %s", i, d, want[i])
		}
		if i > 0 && d < rec.delays[i-1] {
			t.Fatalf("backoff decreased: %v", rec.delays)
		}
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	a := &fakeAdapter{name: "a", errs: []error{errors.New("timeout"), nil}}
	p, rec := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if !r.Success || r.Attempts != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(rec.delays) != 1 {
		t.Fatalf("expected one backoff, got %v", rec.delays)
	}
}

func TestPublishRemoteRateLimitShortCircuits(t *testing.T) {
	a := &fakeAdapter{name: "a", errs: []error{
		&channel.RateLimitError{Channel: "a", RetryAfter: 30 * time.Second, Err: errors.New("429")},
	}}
	p, rec := newTestPublisher(a, 3)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.cooldown.now = func() time.Time { return now }

	r := p.Publish(context.Background(), content)
	if r.Success || !r.RateLimited || r.ErrorKind != model.ErrKindRemoteRateLimited {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Attempts != 1 || a.Calls() != 1 || len(rec.delays) != 0 {
		t.Fatalf("expected a single attempt and no retries, attempts=%d calls=%d sleeps=%v", r.Attempts, a.Calls(), rec.delays)
	}

	// the cooldown keeps the channel untouched until the hint expires
	r = p.Publish(context.Background(), content)
	if !r.RateLimited || r.Attempts != 0 || a.Calls() != 1 {
		t.Fatalf("cooldown not honoured: %+v calls=%d", r, a.Calls())
	}

	now = now.Add(31 * time.Second)
	r = p.Publish(context.Background(), content)
	if !r.Success || a.Calls() != 2 {
		t.Fatalf("expected trial after cooldown to succeed: %+v", r)
	}
	if !p.cooldown.Until().IsZero() {
		t.Fatal("successful trial should close the cooldown")
	}
}

func TestPublishPermanentStops(t *testing.T) {
	a := &fakeAdapter{name: "a", errs: []error{channel.Permanent(errors.New("chat not found"))}}
	p, rec := newTestPublisher(a, 3)

	r := p.Publish(context.Background(), content)
	if r.ErrorKind != model.ErrKindPermanent || r.Attempts != 1 || len(rec.delays) != 0 {
		t.Fatalf("unexpected result %+v sleeps=%v", r, rec.delays)
	}
}

func TestConcurrentPublishesRespectLimit(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	p, _ := newTestPublisher(a, 4)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Publish(context.Background(), content).Success {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 4 || a.Calls() != 4 {
		t.Fatalf("expected exactly 4 successes, got %d (calls %d)", ok, a.Calls())
	}
}

func TestDispatcherUnknownChannel(t *testing.T) {
	p, _ := newTestPublisher(&fakeAdapter{name: "a"}, 1)
	d := NewDispatcher(p)

	r := d.Publish(context.Background(), "missing", content)
	if r.ErrorKind != model.ErrKindChannelDisabled || r.Channel != "missing" {
		t.Fatalf("unexpected result %+v", r)
	}
	if got := d.Channels(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}
	if st := d.Status(); len(st) != 1 || st[0].Remaining != 1 || st[0].HourlyLimit != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}
