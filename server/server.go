// Package server is the worker's HTTP surface: liveness and readiness
// probes plus the webhook that ingests external communications.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/vinayprograms/taskengine/logging"
	"github.com/vinayprograms/taskengine/workspace"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

// Pinger checks a backing store. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	// Addr to listen on. Default: ":8080"
	Addr string

	// WebhookSecret, when set, must match the SecretHeader of every ingest.
	WebhookSecret string

	// ServiceName labels HTTP spans. Default: "taskengine"
	ServiceName string

	Workspace workspace.Store

	// DB is pinged by /ready. Nil means always ready.
	DB Pinger

	Logger *logging.Logger
}

// Server wraps an echo instance and its http.Server.
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	config Config
	logger *logging.Logger
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskengine"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	s := &Server{config: cfg, logger: logger.WithComponent("http")}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware(cfg.ServiceName))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health" || p == "/ready"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
				s.logger.Warn("request failed", fields)
				return nil
			}
			s.logger.Info("request", fields)
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.POST("/api/webhooks/ingest", s.handleIngest)

	s.echo = e
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.config.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		s.http.Close()
		return err
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if s.config.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.config.DB.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// IngestRequest is the webhook body.
type IngestRequest struct {
	Channel     string         `json:"channel"`
	Direction   string         `json:"direction"`
	FromEmail   string         `json:"from_email"`
	Subject     string         `json:"subject"`
	ContentText string         `json:"content_text"`
	RawPayload  map[string]any `json:"raw_payload"`
}

// IngestResponse acknowledges a stored communication. EntityID is null when
// the sender is unknown.
type IngestResponse struct {
	Status   string  `json:"status"`
	EntityID *string `json:"entity_id"`
}

func (s *Server) handleIngest(c echo.Context) error {
	if secret := s.config.WebhookSecret; secret != "" {
		got := c.Request().Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid webhook secret")
		}
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	if req.Channel == "" {
		req.Channel = "webhook"
	}
	if req.Direction == "" {
		req.Direction = "inbound"
	}
	if !workspace.ValidChannel(req.Channel) || !workspace.ValidDirection(req.Direction) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid channel or direction")
	}

	ctx := c.Request().Context()
	var entityID *string
	if email := strings.TrimSpace(req.FromEmail); email != "" {
		id, err := s.resolveSender(ctx, email)
		if err != nil {
			return err
		}
		entityID = &id
	}

	comm := workspace.Communication{
		Channel:     req.Channel,
		Direction:   req.Direction,
		Subject:     req.Subject,
		ContentText: req.ContentText,
		RawPayload:  req.RawPayload,
	}
	if entityID != nil {
		comm.FromEntityID = *entityID
	}
	if _, err := s.config.Workspace.InsertCommunication(ctx, comm); err != nil {
		return fmt.Errorf("insert communication: %w", err)
	}
	return c.JSON(http.StatusOK, IngestResponse{Status: "received", EntityID: entityID})
}

// resolveSender finds the entity whose resolution keys hold email or
// creates a person for it.
func (s *Server) resolveSender(ctx context.Context, email string) (string, error) {
	e, err := s.config.Workspace.EntityByResolutionKey(ctx, email)
	if err == nil {
		return e.ID, nil
	}
	if !errors.Is(err, workspace.ErrNotFound) {
		return "", fmt.Errorf("resolve sender: %w", err)
	}
	id, err := s.config.Workspace.CreateEntity(ctx, workspace.Entity{
		DisplayName:    email,
		Type:           workspace.EntityPerson,
		ResolutionKeys: []string{email},
	})
	if err != nil {
		return "", fmt.Errorf("create sender: %w", err)
	}
	s.logger.Info("created entity for webhook sender", map[string]interface{}{"entity_id": id})
	return id, nil
}
