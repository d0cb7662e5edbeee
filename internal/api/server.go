package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"meshbridge/internal/config"
	"meshbridge/internal/logging"
	"meshbridge/internal/pairing"
	"meshbridge/internal/project"
	"meshbridge/internal/session"
	"meshbridge/pkg/interfaces"
	"meshbridge/pkg/types"
)

// StatsProvider reports broadcast counters for the health endpoint.
type StatsProvider interface {
	Stats() map[string]int
}

// LinkGenerator renders the pairing deep link and its QR code.
type LinkGenerator interface {
	Generate() (*pairing.Link, error)
}

// Server provides the HTTP boundary for the mobile client and the dashboard
// ARCHITECTURAL DISCOVERY: Clean separation between HTTP transport and session
// logic; every handler is a thin translation onto one coordinator call
type Server struct {
	echo        *echo.Echo
	coordinator interfaces.SessionCoordinator
	observers   http.Handler
	stats       StatsProvider
	links       LinkGenerator
	cfg         *config.Config
	startTime   time.Time
}

// NewServer creates the HTTP server and registers every route.
func NewServer(cfg *config.Config, coordinator interfaces.SessionCoordinator, observers http.Handler, stats StatsProvider, links LinkGenerator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTP.WriteTimeout

	s := &Server{
		echo:        e,
		coordinator: coordinator,
		observers:   observers,
		stats:       stats,
		links:       links,
		cfg:         cfg,
		startTime:   time.Now(),
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				slog.Warn("HTTP request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("HTTP request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.CORS())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Observability
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Dashboard: session management and live events
	s.echo.GET("/projects", s.handleListProjects)
	s.echo.POST("/new_project", s.handleCreateProject)
	s.echo.POST("/select_project/:id", s.handleSelectProject)
	s.echo.POST("/rename_project", s.handleRenameProject)
	s.echo.DELETE("/delete_project/:id", s.handleDeleteProject)
	s.echo.GET("/current", s.handleCurrent)
	s.echo.GET("/qr", s.handleQR)
	s.echo.GET("/ws", echo.WrapHandler(s.observers))

	// Mobile client, rate limited per address
	// FUNCTIONAL DISCOVERY: The phone pings every few seconds and uploads in bursts;
	// the limit only exists to stop a runaway client from flooding the workstation
	limiter := s.rateLimiter()
	s.echo.GET("/ping", s.handlePing, limiter)
	s.echo.POST("/pair", s.handlePair, limiter)
	s.echo.POST("/upload", s.handleUpload, limiter,
		middleware.BodyLimit(fmt.Sprintf("%dB", s.cfg.HTTP.MaxUploadBytes)))
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.cfg.RateLimit.RequestsPerSecond),
		Burst:     s.cfg.RateLimit.Burst,
		ExpiresIn: 3 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return s.sendError(c, http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			slog.Warn("Rate limit exceeded", "remote_ip", identifier, "path", c.Path())
			return s.sendError(c, http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	slog.Info("Starting HTTP server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Request and response bodies

type CreateProjectRequest struct {
	ID string `json:"id"`
}

type RenameProjectRequest struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

type ListProjectsResponse struct {
	Projects []string `json:"projects"`
	Current  string   `json:"current"`
}

type PresenceResponse struct {
	Status     string `json:"status"`
	Paired     bool   `json:"paired"`
	TotalCount int    `json:"total_count"`
}

type QRResponse struct {
	Image string `json:"image"`
	URL   string `json:"url"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Project     string         `json:"project"`
	TotalImages int            `json:"total_images"`
	Paired      bool           `json:"paired"`
	Hub         map[string]int `json:"hub"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Session management handlers

func (s *Server) handleListProjects(c echo.Context) error {
	ids, err := s.coordinator.ListSessions()
	if err != nil {
		return s.sendDomainError(c, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, ListProjectsResponse{Projects: ids, Current: s.coordinator.Current()})
}

// FUNCTIONAL DISCOVERY: The body is optional; no body or an empty id creates a
// timestamped project
func (s *Server) handleCreateProject(c echo.Context) error {
	var req CreateProjectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return s.sendError(c, http.StatusBadRequest, "invalid JSON")
		}
	}

	id, err := s.coordinator.CreateSession(strings.TrimSpace(req.ID))
	if err != nil {
		return s.sendDomainError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "created", ID: id})
}

func (s *Server) handleSelectProject(c echo.Context) error {
	id := c.Param("id")
	if err := s.coordinator.SelectSession(id); err != nil {
		return s.sendDomainError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "selected", ID: id})
}

func (s *Server) handleRenameProject(c echo.Context) error {
	var req RenameProjectRequest
	if err := c.Bind(&req); err != nil {
		return s.sendError(c, http.StatusBadRequest, "invalid JSON")
	}
	if req.OldID == "" || req.NewID == "" {
		return s.sendError(c, http.StatusBadRequest, "old_id and new_id are required")
	}

	if err := s.coordinator.RenameSession(req.OldID, req.NewID); err != nil {
		return s.sendDomainError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "renamed", ID: req.NewID})
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	if err := s.coordinator.DeleteSession(c.Param("id")); err != nil {
		return s.sendDomainError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "deleted", ID: s.coordinator.Current()})
}

func (s *Server) handleCurrent(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coordinator.Snapshot())
}

func (s *Server) handleQR(c echo.Context) error {
	link, err := s.links.Generate()
	if err != nil {
		slog.Error("Failed to generate pairing QR code", "error", err)
		return s.sendError(c, http.StatusInternalServerError, "failed to generate pairing code")
	}
	return c.JSON(http.StatusOK, QRResponse{
		Image: base64.StdEncoding.EncodeToString(link.PNG),
		URL:   link.URL,
	})
}

// Mobile client handlers

func (s *Server) handlePing(c echo.Context) error {
	ack := s.coordinator.Heartbeat()
	return c.JSON(http.StatusOK, PresenceResponse{Status: "ok", Paired: ack.Paired, TotalCount: ack.TotalCount})
}

func (s *Server) handlePair(c echo.Context) error {
	ack := s.coordinator.Pair(c.RealIP())
	return c.JSON(http.StatusOK, PresenceResponse{Status: "paired", Paired: ack.Paired, TotalCount: ack.TotalCount})
}

// handleUpload maps the multipart form onto a capture request
// FUNCTIONAL DISCOVERY: Field names and defaults match what the mobile client
// already sends: altitude 50, lens 1, uncalibrated, client count 0
func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return s.sendError(c, http.StatusBadRequest, "image file is required")
	}

	lensIndex, err := formInt(c, "lens_idx", 1)
	if err != nil {
		return s.sendError(c, http.StatusBadRequest, err.Error())
	}
	clientCount, err := formInt(c, "client_count", 0)
	if err != nil {
		return s.sendError(c, http.StatusBadRequest, err.Error())
	}

	file, err := fileHeader.Open()
	if err != nil {
		return s.sendError(c, http.StatusBadRequest, "unreadable image upload")
	}
	defer file.Close()

	result, err := s.coordinator.IngestCapture(&types.CaptureRequest{
		Filename:    fileHeader.Filename,
		Body:        file,
		Azimuth:     c.FormValue("azimuth"),
		Diopter:     c.FormValue("diopter"),
		Altitude:    c.FormValue("altitude"),
		LensIndex:   lensIndex,
		Calibrated:  strings.EqualFold(strings.TrimSpace(c.FormValue("is_calibrated")), "true"),
		ClientCount: clientCount,
	})
	if err != nil {
		return s.sendDomainError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func formInt(c echo.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.FormValue(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// Observability

func (s *Server) handleHealth(c echo.Context) error {
	snapshot := s.coordinator.Snapshot()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Project:     snapshot.Project,
		TotalImages: snapshot.Total,
		Paired:      snapshot.Paired,
		Hub:         s.stats.Stats(),
	})
}

// Errors

// statusFor maps domain errors onto HTTP status codes
// ARCHITECTURAL DISCOVERY: errors.Is against package sentinels keeps the mapping
// stable while messages stay free to carry detail
func statusFor(err error) int {
	switch {
	case errors.Is(err, project.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, project.ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidProjectID),
		errors.Is(err, types.ErrInvalidFilename),
		errors.Is(err, session.ErrNilCapture):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendDomainError(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.WithError(err).Error("Request failed", "path", c.Path())
	}
	return s.sendError(c, status, err.Error())
}

func (s *Server) sendError(c echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}

// handleError renders framework errors (unknown route, body too large) in the same shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		message = fmt.Sprint(httpErr.Message)
	}

	if sendErr := s.sendError(c, status, message); sendErr != nil {
		slog.Debug("Failed to write error response", "error", sendErr)
	}
}
