package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/incident-relay/internal/repository"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func paging(c echo.Context) (limit, offset int, err error) {
	limit, offset = defaultLimit, 0
	if v := c.QueryParam("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := c.QueryParam("offset"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}

func listResultsHandler(repo repository.CHResultsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if repo == nil {
			return unavailable(c, "results store not configured")
		}
		ch := strings.TrimSpace(c.QueryParam("channel"))
		if ch == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "channel required"})
		}
		limit, offset, err := paging(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		rows, err := repo.ListByChannel(c.Request().Context(), ch, limit, offset)
		if err != nil {
			log.Errorf("list results for %s: %v", ch, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch results"})
		}
		if rows == nil {
			rows = []repository.ResultRow{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"items":  rows,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// summaryHandler aggregates outcomes over ?window= (default 24h).
func summaryHandler(repo repository.CHResultsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if repo == nil {
			return unavailable(c, "results store not configured")
		}
		window := 24 * time.Hour
		if v := c.QueryParam("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid window"})
			}
			window = d
		}
		since := time.Now().Add(-window).UTC()

		rows, err := repo.Summary(c.Request().Context(), since)
		if err != nil {
			log.Errorf("results summary: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to summarize results"})
		}
		if rows == nil {
			rows = []repository.ChannelSummary{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"since":    since,
			"channels": rows,
		})
	}
}
