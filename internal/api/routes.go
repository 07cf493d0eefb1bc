package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/internal/auth"
	"github.com/satriahrh/arunika/voiceagent/internal/metrics"
	"github.com/satriahrh/arunika/voiceagent/internal/session"
	"github.com/satriahrh/arunika/voiceagent/internal/websocket"
	"github.com/satriahrh/arunika/voiceagent/usecase"
)

// Control token roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

const (
	stopTimeout         = 10 * time.Second
	defaultHistoryLimit = 20
)

// VoiceService is the session control surface the routes drive
type VoiceService interface {
	StartSession(req usecase.StartRequest) (session.Snapshot, error)
	StopSession(ctx context.Context) error
	Snapshot() (session.Snapshot, bool)
	History(ctx context.Context, limit int) ([]*entities.SessionRecord, error)
	Record(ctx context.Context, localID string) (*entities.SessionRecord, error)
}

// HealthCheck reports on an optional dependency such as the event bus
type HealthCheck struct {
	Name    string
	Healthy func() bool
}

// InitRoutes initializes all API routes. Browser access is limited to the origins of the
// hub's origin policy.
func InitRoutes(e *echo.Echo, hub *websocket.Hub, service VoiceService, collector *metrics.Collector, controlAuth *auth.ControlAuth, logger *zap.Logger, checks ...HealthCheck) {
	if collector != nil {
		e.Use(metricsMiddleware(collector))
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	origins := hub.OriginPolicy()
	e.Use(originGuard(origins, logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return origins.AllowOrigin(origin), nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return health(c, service, checks)
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	viewer := requireControlToken(controlAuth, logger, RoleViewer, RoleOperator)
	operator := requireControlToken(controlAuth, logger, RoleOperator)

	v1.GET("/session", func(c echo.Context) error {
		snap, started := service.Snapshot()
		return c.JSON(http.StatusOK, SessionResponse{Session: snap, Started: started})
	}, viewer)

	v1.POST("/session/start", func(c echo.Context) error {
		return startSession(c, service, logger)
	}, operator)

	v1.POST("/session/stop", func(c echo.Context) error {
		return stopSession(c, service, logger)
	}, operator)

	v1.GET("/sessions", func(c echo.Context) error {
		return listSessions(c, service, logger)
	}, viewer)

	v1.GET("/sessions/:id", func(c echo.Context) error {
		return getSessionRecord(c, service, logger)
	}, viewer)

	// WebSocket endpoint streaming session events
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, controlAuth, logger)
	})
}

func health(c echo.Context, service VoiceService, checks []HealthCheck) error {
	snap, _ := service.Snapshot()
	resp := HealthResponse{
		Status:       "ok",
		Service:      "voice-agent",
		SessionState: snap.State,
		Time:         time.Now(),
	}
	for _, check := range checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(checks))
		}
		if check.Healthy() {
			resp.Checks[check.Name] = "ok"
			continue
		}
		resp.Checks[check.Name] = "unavailable"
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func startSession(c echo.Context, service VoiceService, logger *zap.Logger) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind start session request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	snap, err := service.StartSession(usecase.StartRequest{
		ChatID: req.ChatID,
		UserID: req.UserID,
		Token:  req.Token,
	})
	if err != nil {
		logger.Warn("Voice session not started", zap.Error(err))
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusAccepted, SessionResponse{Session: snap, Started: true})
}

func stopSession(c echo.Context, service VoiceService, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), stopTimeout)
	defer cancel()

	if err := service.StopSession(ctx); err != nil {
		logger.Warn("Voice session not stopped", zap.Error(err))
		return errorResponse(c, err)
	}

	snap, started := service.Snapshot()
	return c.JSON(http.StatusOK, SessionResponse{Session: snap, Started: started})
}

func listSessions(c echo.Context, service VoiceService, logger *zap.Logger) error {
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = n
	}

	records, err := service.History(c.Request().Context(), limit)
	if err != nil {
		logger.Error("Failed to list sessions", zap.Error(err))
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, SessionHistoryResponse{Sessions: records})
}

func getSessionRecord(c echo.Context, service VoiceService, logger *zap.Logger) error {
	record, err := service.Record(c.Request().Context(), c.Param("id"))
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			logger.Error("Failed to get session record", zap.Error(err))
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// errorResponse maps service errors to status codes
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, domain.ErrTokenExpired):
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "token_expired", Message: err.Error()})
	case errors.Is(err, domain.ErrSessionActive):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "session_active", Message: err.Error()})
	case errors.Is(err, domain.ErrNoSession):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "no_session", Message: err.Error()})
	case errors.Is(err, domain.ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "timeout", Message: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
}

// bearerToken extracts the token from the Authorization header only
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	return ""
}

// originGuard rejects requests, preflights included, sent by pages on foreign origins
func originGuard(origins *websocket.OriginPolicy, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if origins.Check(c.Request()) {
				return next(c)
			}
			logger.Warn("Request from foreign origin rejected",
				zap.String("origin", c.Request().Header.Get(echo.HeaderOrigin)),
				zap.String("path", c.Request().URL.Path))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "origin_not_allowed",
				Message: "Requests from this origin are not allowed",
			})
		}
	}
}

// requireControlToken rejects requests without a control token carrying one of roles.
// Nothing is checked when control auth is disabled.
func requireControlToken(controlAuth *auth.ControlAuth, logger *zap.Logger, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if controlAuth == nil || !controlAuth.Enabled() {
				return next(c)
			}

			claims, status, resp := authenticate(c, controlAuth, roles)
			if claims == nil {
				logger.Warn("Control request rejected",
					zap.String("path", c.Path()),
					zap.String("reason", resp.Error))
				return c.JSON(status, resp)
			}
			return next(c)
		}
	}
}

func authenticate(c echo.Context, controlAuth *auth.ControlAuth, roles []string) (*auth.JWTClaims, int, ErrorResponse) {
	token := bearerToken(c)
	if token == "" {
		return nil, http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		}
	}

	claims, err := controlAuth.ValidateToken(token)
	if err != nil {
		return nil, http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		}
	}

	for _, role := range roles {
		if claims.Role == role {
			return claims, http.StatusOK, ErrorResponse{}
		}
	}
	return nil, http.StatusForbidden, ErrorResponse{
		Error:   "invalid_role",
		Message: "Token role is not allowed for this endpoint",
	}
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, c echo.Context, controlAuth *auth.ControlAuth, logger *zap.Logger) error {
	subject := "local"
	if controlAuth != nil && controlAuth.Enabled() {
		claims, status, resp := authenticate(c, controlAuth, []string{RoleViewer, RoleOperator})
		if claims == nil {
			logger.Warn("WebSocket connection rejected", zap.String("reason", resp.Error))
			return c.JSON(status, resp)
		}
		subject = claims.Subject
	}

	logger.Info("WebSocket connection authenticated", zap.String("subject", subject))

	return websocket.HandleWebSocketWithAuth(hub, c, subject, logger)
}

// metricsMiddleware records every request against its route template
func metricsMiddleware(collector *metrics.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			collector.RecordHTTPRequest(c.Request().Method, path, c.Response().Status, time.Since(start))
			return nil
		}
	}
}
