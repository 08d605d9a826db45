package v1

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
)

// errorHandler renders every handler error in the taxonomy's body shape.
// Router-level misses (unknown path, wrong method) arrive as
// echo.HTTPError and get a code derived from the status text.
func (s *APIV1Service) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		body := apierr.Body{
			Success: false,
			Error:   statusCode(he.Code),
			Message: fmt.Sprintf("%v", he.Message),
		}
		if jsonErr := c.JSON(he.Code, body); jsonErr != nil {
			s.logger.Error("Failed to write error response", slog.Any("err", jsonErr))
		}
		return
	}

	ae := apierr.FromError(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Request().URL.Path),
			slog.Any("err", err),
		)
	}
	if jsonErr := c.JSON(status, ae.Body()); jsonErr != nil {
		s.logger.Error("Failed to write error response", slog.Any("err", jsonErr))
	}
}

func statusCode(status int) string {
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
