package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func listChannelsHandler(ch ChannelLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ch == nil {
			return unavailable(c, "publishing pipeline not running in this process")
		}
		return c.JSON(http.StatusOK, map[string]any{"channels": ch.Status()})
	}
}

func unavailable(c echo.Context, msg string) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": msg})
}
