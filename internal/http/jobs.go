package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/incident-relay/internal/model"
	"github.com/jmehdipour/incident-relay/internal/repository"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// listJobsHandler serves the archive when one is configured, otherwise the
// jobs still held in memory.
func listJobsHandler(live JobReader, archive repository.JobsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset, err := paging(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		status := model.JobStatus(strings.TrimSpace(c.QueryParam("status")))
		if status != "" && !status.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}

		var jobs []model.PublishJob
		source := "memory"
		switch {
		case archive != nil && c.QueryParam("source") != "memory":
			source = "archive"
			jobs, err = archive.List(c.Request().Context(), status, limit, offset)
			if err != nil {
				log.Errorf("list jobs: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
			}
		case live != nil:
			jobs = page(filterStatus(live.Jobs(), status), limit, offset)
		default:
			return unavailable(c, "no job source configured")
		}
		if jobs == nil {
			jobs = []model.PublishJob{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"items":  jobs,
			"limit":  limit,
			"offset": offset,
			"source": source,
		})
	}
}

func getJobHandler(live JobReader, archive repository.JobsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("event_id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_id required"})
		}
		ctx := c.Request().Context()

		var (
			job   model.PublishJob
			found bool
			err   error
		)
		switch {
		case live != nil:
			job, found, err = live.Job(ctx, id)
		case archive != nil:
			job, found, err = archive.GetByEventID(ctx, id)
		default:
			return unavailable(c, "no job source configured")
		}
		if err != nil {
			log.Errorf("get job %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		}
		if !found {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		return c.JSON(http.StatusOK, job)
	}
}

func filterStatus(jobs []model.PublishJob, status model.JobStatus) []model.PublishJob {
	if status == "" {
		return jobs
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
