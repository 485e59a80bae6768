// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"net/http"
	"regexp"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pocketcloud/pocketcloud/internal/account"
	"github.com/pocketcloud/pocketcloud/internal/upload"
)

// validAccountPattern matches valid account names: the user@host form plus
// alphanumerics, dots, hyphens, and underscores. Blocks path traversal and
// injection.
var validAccountPattern = regexp.MustCompile(`^[a-zA-Z0-9@._-]+$`)

// maxAccountLength is the maximum allowed length for account parameters.
const maxAccountLength = 256

// validateAccount checks that an account parameter is non-empty, reasonable
// length, and contains only safe characters.
func validateAccount(name string) error {
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account is required")
	}
	if len(name) > maxAccountLength {
		return echo.NewHTTPError(http.StatusBadRequest, "account too long")
	}
	if !validAccountPattern.MatchString(name) {
		return echo.NewHTTPError(http.StatusBadRequest, "account contains invalid characters")
	}
	return nil
}

// Server is the HTTP API server.
type Server struct {
	echo     *echo.Echo
	engine   *upload.Engine
	accounts *account.Registry
	logger   zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new API server.
func New(engine *upload.Engine, accounts *account.Registry, opts ...Option) *Server {
	s := &Server{
		echo:     echo.New(),
		engine:   engine,
		accounts: accounts,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
}

func (s *Server) setupRoutes() {
	// API routes
	api := s.echo.Group("/api")

	// Health check
	api.GET("/health", s.healthHandler)

	// Uploads
	api.POST("/uploads", s.submitHandler)
	api.GET("/uploads", s.listPendingHandler)
	api.GET("/uploads/pending", s.isPendingHandler)
	api.DELETE("/uploads", s.cancelHandler)

	// Accounts
	api.GET("/accounts", s.listAccountsHandler)
	api.POST("/accounts", s.registerAccountHandler)
	api.DELETE("/accounts/:account", s.removeAccountHandler)

	// Basic status page
	s.echo.GET("/", s.indexHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// submitRequest is the JSON shape of an upload submission.
type submitRequest struct {
	Account        string   `json:"account"`
	Type           string   `json:"type"`
	LocalPaths     []string `json:"local_paths"`
	RemotePaths    []string `json:"remote_paths"`
	MimeTypes      []string `json:"mime_types,omitempty"`
	ForceOverwrite bool     `json:"force_overwrite"`
	IsInstant      bool     `json:"is_instant"`
	LocalAction    string   `json:"local_action,omitempty"`
	CancelAll      bool     `json:"cancel_all"`
}

func (s *Server) submitHandler(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validateAccount(req.Account); err != nil {
		return err
	}

	err := s.engine.Submit(upload.Request{
		AccountName:    req.Account,
		Type:           upload.RequestType(req.Type),
		LocalPaths:     req.LocalPaths,
		RemotePaths:    req.RemotePaths,
		MimeTypes:      req.MimeTypes,
		ForceOverwrite: req.ForceOverwrite,
		IsInstant:      req.IsInstant,
		LocalAction:    upload.LocalAction(req.LocalAction),
		CancelAll:      req.CancelAll,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

func (s *Server) listPendingHandler(c echo.Context) error {
	type pendingResponse struct {
		Account    string `json:"account"`
		RemotePath string `json:"remote_path"`
		LocalPath  string `json:"local_path"`
		MimeType   string `json:"mime_type"`
		IsInstant  bool   `json:"is_instant"`
	}

	jobs := s.engine.Pending()
	pending := make([]pendingResponse, 0, len(jobs))
	for _, j := range jobs {
		pending = append(pending, pendingResponse{
			Account:    j.Account().Name,
			RemotePath: j.RemotePath(),
			LocalPath:  j.OriginalLocalPath(),
			MimeType:   j.File().MimeType,
			IsInstant:  j.IsInstant(),
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Account != pending[j].Account {
			return pending[i].Account < pending[j].Account
		}
		return pending[i].RemotePath < pending[j].RemotePath
	})

	return c.JSON(http.StatusOK, pending)
}

func (s *Server) isPendingHandler(c echo.Context) error {
	name := c.QueryParam("account")
	if err := validateAccount(name); err != nil {
		return err
	}
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"account": name,
		"path":    path,
		"pending": s.engine.IsPending(name, path),
	})
}

// cancelHandler cancels one path when "path" is given, or everything for the
// account otherwise.
func (s *Server) cancelHandler(c echo.Context) error {
	name := c.QueryParam("account")
	if err := validateAccount(name); err != nil {
		return err
	}

	if path := c.QueryParam("path"); path != "" {
		s.engine.CancelPath(name, path)
	} else {
		s.engine.Cancel(name)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "cancelled",
	})
}

func (s *Server) listAccountsHandler(c echo.Context) error {
	accounts := s.accounts.All()

	response := make([]map[string]string, 0, len(accounts))
	for _, a := range accounts {
		response = append(response, map[string]string{
			"name":           a.Name,
			"server_url":     a.ServerURL,
			"server_version": a.ServerVersion,
		})
	}

	sort.Slice(response, func(i, j int) bool {
		return response[i]["name"] < response[j]["name"]
	})

	return c.JSON(http.StatusOK, response)
}

// registerAccountRequest is the JSON shape of an account registration.
type registerAccountRequest struct {
	Name          string `json:"name"`
	ServerURL     string `json:"server_url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	ServerVersion string `json:"server_version,omitempty"`
}

func (s *Server) registerAccountHandler(c echo.Context) error {
	var req registerAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validateAccount(req.Name); err != nil {
		return err
	}
	if req.ServerURL == "" || req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server_url, username, and password are required")
	}

	s.accounts.Register(account.Account{
		Name:          req.Name,
		ServerURL:     req.ServerURL,
		Username:      req.Username,
		Password:      req.Password,
		ServerVersion: req.ServerVersion,
	})

	return c.JSON(http.StatusCreated, map[string]string{
		"status": "registered",
	})
}

func (s *Server) removeAccountHandler(c echo.Context) error {
	name := c.Param("account")
	if err := validateAccount(name); err != nil {
		return err
	}

	s.accounts.Remove(name)

	return c.JSON(http.StatusOK, map[string]string{
		"status": "removed",
	})
}

func (s *Server) indexHandler(c echo.Context) error {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>PocketCloud</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 40px; }
        h1 { color: #333; }
        .status { color: #28a745; }
        a { color: #007bff; }
    </style>
</head>
<body>
    <h1>PocketCloud</h1>
    <p class="status">Status: Running</p>
    <h2>API Endpoints</h2>
    <ul>
        <li><a href="/api/health">/api/health</a> - Health check</li>
        <li><a href="/api/uploads">/api/uploads</a> - List pending uploads</li>
        <li><a href="/api/accounts">/api/accounts</a> - List configured accounts</li>
    </ul>
</body>
</html>`
	return c.HTML(http.StatusOK, html)
}
