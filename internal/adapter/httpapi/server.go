// Package httpapi exposes the search and admin operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/usecase"
)

// CodeNotFound is used for unknown routes and runs.
const CodeNotFound domain.ErrorCode = "NOT_FOUND"

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Server routes HTTP requests to the use cases.
type Server struct {
	echo  *echo.Echo
	query *usecase.RetrieveUseCase
	admin *usecase.AdminUseCase
	log   *slog.Logger
}

// Options configures a Server.
type Options struct {
	Metrics http.Handler // served at /metrics when set
	Logger  *slog.Logger
}

func New(query *usecase.RetrieveUseCase, admin *usecase.AdminUseCase, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, query: query, admin: admin, log: logging.Or(opts.Logger)}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.log.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	v1 := e.Group("/v1")
	v1.POST("/search", s.search)

	adm := v1.Group("/admin")
	adm.GET("/index", s.status)
	adm.POST("/reindex", s.reindex)
	adm.GET("/runs", s.listRuns)
	adm.GET("/runs/:id", s.getRun)
	adm.POST("/activate", s.activate)
	adm.POST("/compact", s.compact)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	st, err := s.admin.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"ready":         st.Index.ActiveVersion != 0,
		"activeVersion": st.Index.ActiveVersion,
	})
}

func (s *Server) search(c echo.Context) error {
	var req domain.SearchRequest
	if err := c.Bind(&req); err != nil {
		return domain.NewError(domain.CodeInvalidQuery, "malformed request body", err)
	}
	resp, err := s.query.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) status(c echo.Context) error {
	st, err := s.admin.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) reindex(c echo.Context) error {
	run, err := s.admin.Reindex(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	runs, err := s.admin.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []domain.IndexRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.admin.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

type activateRequest struct {
	Version domain.IndexVersion `json:"version"`
}

func (s *Server) activate(c echo.Context) error {
	var req activateRequest
	if err := c.Bind(&req); err != nil || req.Version == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be {\"version\": <positive integer>}")
	}
	if err := s.admin.Activate(c.Request().Context(), req.Version); err != nil {
		return err
	}
	return s.status(c)
}

type compactRequest struct {
	Retain []domain.IndexVersion `json:"retain,omitempty"`
}

func (s *Server) compact(c echo.Context) error {
	var req compactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed compact request")
	}
	res, err := s.admin.Compact(c.Request().Context(), req.Retain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleError writes the stable error payload for any handler error.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := http.StatusInternalServerError, ErrorBody{}
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		body.Error = ErrorDetail{Code: codeForStatus(he.Code), Message: httpErrorMessage(he)}
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body.Error = ErrorDetail{Code: CodeNotFound, Message: err.Error()}
	default:
		code := domain.CodeOf(err)
		status = StatusFor(code)
		body.Error = ErrorDetail{Code: code, Message: err.Error()}
		if status == http.StatusInternalServerError {
			s.log.Error("request failed", "path", c.Path(), "error", err)
		}
	}

	if after := domain.RetryAfterOf(err); after > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.log.Warn("failed to write error response", "error", werr)
	}
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidQuery:
		return http.StatusBadRequest
	case domain.CodeVersionConflict, domain.CodeNotConfigured:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeQueryTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeProviderUnavailable, domain.CodeProviderRejected, domain.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) domain.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status >= 400 && status < 500:
		return domain.CodeInvalidQuery
	default:
		return domain.CodeInternal
	}
}

func httpErrorMessage(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}
