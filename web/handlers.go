package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/dispatch"
	"github.com/stefanogebara/twin-connector/scheduler"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"queue_backend": s.sched.Healthy(c.Request().Context()),
	})
}

func (s *Server) listProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"providers": s.providers.Names(),
	})
}

// connect starts an authorization flow. The frontend fetches this and sends
// the browser to the returned consent URL itself.
func (s *Server) connect(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return s.jsonError(c, http.StatusBadRequest, "user_id is required")
	}

	authURL, err := s.manager.BuildAuthorizationURL(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		return s.mapError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"auth_url": authURL})
}

// callback finishes an authorization flow. The provider redirects the
// browser here with either a code or an error, so the response is another
// redirect back to the app rather than a JSON body. Failure reasons stay
// coarse in the redirect; the real cause goes to the log.
func (s *Server) callback(c echo.Context) error {
	if provErr := c.QueryParam("error"); provErr != "" {
		s.logger.Warn("provider denied authorization", zap.String("error", provErr))
		return s.redirectToApp(c, url.Values{"error": {"access_denied"}})
	}

	result, err := s.manager.HandleCallback(c.Request().Context(),
		c.QueryParam("state"), c.QueryParam("code"))
	if err != nil {
		s.logger.Warn("authorization callback failed", zap.Error(err))
		return s.redirectToApp(c, url.Values{"error": {"authorization_failed"}})
	}

	q := url.Values{"connected": {result.Record.Provider}}
	if result.Outcome.JobID != "" {
		q.Set("job_id", result.Outcome.JobID)
	}
	if result.Outcome.Degraded {
		q.Set("degraded", "true")
	}

	return s.redirectToApp(c, q)
}

func (s *Server) redirectToApp(c echo.Context, q url.Values) error {
	sep := "?"
	if strings.Contains(s.appURL, "?") {
		sep = "&"
	}
	return c.Redirect(http.StatusFound, s.appURL+sep+q.Encode())
}

func (s *Server) jobStatus(c echo.Context) error {
	snapshot, err := s.sched.Status(c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) jobStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sched.Stats(c.Param("provider")))
}

func (s *Server) pauseProvider(c echo.Context) error {
	s.sched.Pause(c.Param("provider"))
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeProvider(c echo.Context) error {
	s.sched.Resume(c.Param("provider"))
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

// syncConnector requests a manual re-extraction for one connector.
func (s *Server) syncConnector(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return s.jsonError(c, http.StatusBadRequest, "user_id is required")
	}

	outcome := s.dispatcher.RunOrEnqueue(c.Request().Context(), dispatch.Request{
		UserID:   userID,
		Provider: c.Param("provider"),
		Priority: scheduler.DefaultPriority,
	})
	if outcome.Err != nil {
		return s.mapError(c, outcome.Err)
	}

	if outcome.Degraded {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"result":   outcome.Result,
		})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"degraded": false,
		"job_id":   outcome.JobID,
	})
}

// disconnectConnector marks the connector disconnected and cancels its
// pending jobs. Active extractions drain.
func (s *Server) disconnectConnector(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return s.jsonError(c, http.StatusBadRequest, "user_id is required")
	}

	provider := c.Param("provider")
	if err := s.vault.Disconnect(c.Request().Context(), userID, provider); err != nil {
		return s.mapError(c, err)
	}

	cancelled := s.sched.CancelUser(userID, provider)

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "disconnected",
		"jobs_cancelled": cancelled,
	})
}
