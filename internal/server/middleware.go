package server

import (
	"net/http"
	"time"

	"github.com/danmuck/syncctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no route.
const unmatchedRoute = "unmatched"

// accessLog meters every request under the daemon's name and logs it with
// the device state it was served against. Reads log at debug, control
// calls at info. A /ws request completes when its client goes away, so
// its duration is the length of the live feed.
func (s *Server) accessLog(base zerolog.Logger) gin.HandlerFunc {
	logger := base.With().Str("daemon", s.ID).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		took := time.Since(start)
		observability.RecordHTTPRequest(s.ID, c.Request.Method, route, status, took)

		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Error()
		case status >= http.StatusBadRequest:
			ev = logger.Warn()
		case c.Request.Method != http.MethodGet:
			ev = logger.Info()
		default:
			ev = logger.Debug()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("error", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", took).
			Str("device_state", s.ctrl.State().String()).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}
