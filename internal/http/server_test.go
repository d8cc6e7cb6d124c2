package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmehdipour/incident-relay/internal/channel"
	"github.com/jmehdipour/incident-relay/internal/config"
	"github.com/jmehdipour/incident-relay/internal/dispatcher"
	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/repository"
)

type fakeChannels []dispatcher.ChannelStatus

func (f fakeChannels) Status() []dispatcher.ChannelStatus { return f }

type fakeJobs struct {
	jobs []model.PublishJob
	err  error
}

func (f *fakeJobs) Job(_ context.Context, id string) (model.PublishJob, bool, error) {
	if f.err != nil {
		return model.PublishJob{}, false, f.err
	}
	for _, j := range f.jobs {
		if j.EventID == id {
			return j, true, nil
		}
	}
	return model.PublishJob{}, false, nil
}

func (f *fakeJobs) Jobs() []model.PublishJob {
	return append([]model.PublishJob(nil), f.jobs...)
}

type fakeResults struct {
	rows    []repository.ResultRow
	channel string
	limit   int
}

func (f *fakeResults) Record(context.Context, model.PublishJob) error { return nil }

func (f *fakeResults) Summary(context.Context, time.Time) ([]repository.ChannelSummary, error) {
	return []repository.ChannelSummary{{Channel: "ops", Total: 3, Succeeded: 2}}, nil
}

func (f *fakeResults) ListByChannel(_ context.Context, ch string, limit, _ int) ([]repository.ResultRow, error) {
	f.channel, f.limit = ch, limit
	return f.rows, nil
}

func newTestServer(d Deps) *Server {
	return NewServer(config.HTTPConfig{APIKeys: []string{"k1"}}, d)
}

func do(t *testing.T, s *Server, path string, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if withKey {
		req.Header.Set("X-API-Key", "k1")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func jobsFixture() *fakeJobs {
	now := time.Now()
	return &fakeJobs{jobs: []model.PublishJob{
		{ID: "j2", EventID: "e2", Status: model.JobFailed, CreatedAt: now},
		{ID: "j1", EventID: "e1", Status: model.JobPosted, CreatedAt: now.Add(-time.Minute)},
	}}
}

func TestHealthzSkipsAuth(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), "/healthz", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestV1RequiresKey(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), "/v1/channels", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestListChannels(t *testing.T) {
	s := newTestServer(Deps{Channels: fakeChannels{{
		HealthInfo:  channel.HealthInfo{Channel: "ops", Kind: "webhook", Enabled: true},
		HourlyLimit: 10,
		Remaining:   7,
	}}})
	rec := do(t, s, "/v1/channels", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Channels []dispatcher.ChannelStatus `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Channels) != 1 || body.Channels[0].Remaining != 7 || body.Channels[0].Channel != "ops" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestListChannelsWithoutPipeline(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), "/v1/channels", true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestListJobsFromMemory(t *testing.T) {
	s := newTestServer(Deps{Jobs: jobsFixture()})

	rec := do(t, s, "/v1/jobs?status=posted", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body struct {
		Items  []model.PublishJob `json:"items"`
		Source string             `json:"source"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Source != "memory" || len(body.Items) != 1 || body.Items[0].ID != "j1" {
		t.Fatalf("unexpected body: %+v", body)
	}

	rec = do(t, s, "/v1/jobs?offset=1&limit=1", true)
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "j1" {
		t.Fatalf("paging: %+v", body.Items)
	}
}

func TestListJobsBadParams(t *testing.T) {
	s := newTestServer(Deps{Jobs: jobsFixture()})
	for _, path := range []string{"/v1/jobs?status=bogus", "/v1/jobs?limit=0", "/v1/jobs?offset=-1"} {
		if rec := do(t, s, path, true); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", path, rec.Code)
		}
	}
}

func TestGetJob(t *testing.T) {
	s := newTestServer(Deps{Jobs: jobsFixture()})

	rec := do(t, s, "/v1/jobs/e1", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var job model.PublishJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "j1" || job.Status != model.JobPosted {
		t.Fatalf("unexpected job: %+v", job)
	}

	if rec := do(t, s, "/v1/jobs/missing", true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: got %d", rec.Code)
	}
}

func TestGetJobStoreError(t *testing.T) {
	s := newTestServer(Deps{Jobs: &fakeJobs{err: errors.New("boom")}})
	if rec := do(t, s, "/v1/jobs/e1", true); rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestListResults(t *testing.T) {
	repo := &fakeResults{rows: []repository.ResultRow{{JobID: "j1", Channel: "ops", Success: 1}}}
	s := newTestServer(Deps{Results: repo})

	if rec := do(t, s, "/v1/reports/results", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing channel: got %d", rec.Code)
	}

	rec := do(t, s, "/v1/reports/results?channel=ops&limit=9999", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if repo.channel != "ops" || repo.limit != maxLimit {
		t.Fatalf("repo called with %q limit %d", repo.channel, repo.limit)
	}
}

func TestSummary(t *testing.T) {
	s := newTestServer(Deps{Results: &fakeResults{}})
	if rec := do(t, s, "/v1/reports/summary?window=nope", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad window: got %d", rec.Code)
	}
	rec := do(t, s, "/v1/reports/summary?window=1h", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body struct {
		Channels []repository.ChannelSummary `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Channels) != 1 || body.Channels[0].Total != 3 {
		t.Fatalf("unexpected summary: %+v", body)
	}
}
