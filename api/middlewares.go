package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/bonserver/internal/jwt"
)

func (s *Server) statsdMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else {
				status = statusOf(err)
			}
		}
		tags := []string{"path:" + c.Path()}
		s.metrics.IncCounter("http.requests", tags)
		s.metrics.MeasureTime("http.response_time", start, tags)
		s.metrics.IncCounter("http.status."+fmt.Sprint(status), append(tags, "method:"+c.Request().Method))
		return err
	}
}

// operatorAuthMiddleware requires a bearer token signed with the configured
// secret. With no secret configured the routes are open.
func (s *Server) operatorAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.jwtSecret == "" {
			return next(c)
		}
		authHeader := c.Request().Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing token")
		}
		operator, err := jwt.ValidateToken(tokenStr, s.jwtSecret)
		if err != nil {
			s.logger.WithError(err).Warn("rejected operator token")
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}
		c.Set("operator", operator)
		return next(c)
	}
}
