package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zipsaai/zipsa/config"
	"github.com/zipsaai/zipsa/internal/agents"
	"github.com/zipsaai/zipsa/internal/retrieval"
	"github.com/zipsaai/zipsa/internal/session"
	"github.com/zipsaai/zipsa/internal/store"
	"github.com/zipsaai/zipsa/internal/telemetry"
	"github.com/zipsaai/zipsa/internal/tool"
	"github.com/zipsaai/zipsa/internal/turn"
	"github.com/zipsaai/zipsa/provider"
)

// Run builds the full pipeline and serves the HTTP API until the listener
// stops.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	redisClient, err := session.Conn(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	sessions := session.NewRedisStore(redisClient, 24*time.Hour)

	prov, err := provider.NewProvider(provider.OpenAI, cfg.LLM)
	if err != nil {
		return err
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	registry := tool.NewRegistry()
	retriever := retrieval.NewHybrid(st, st, prov, cfg.Retrieval.TopK)
	if err := agents.RegisterDefaults(registry, retriever); err != nil {
		return err
	}
	supervisor := turn.NewSupervisor(cfg, prov, registry, tele)

	h := &handlers{
		cfg:        cfg,
		supervisor: supervisor,
		sessions:   sessions,
		store:      st,
		provider:   prov,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	api := e.Group("/api")
	api.POST("/turn", h.runTurn)
	api.GET("/turn/:id/status", h.turnStatus)
	api.POST("/documents", h.ingestDocument)

	return e.Start(cfg.Server.Address)
}

type handlers struct {
	cfg        *config.Config
	supervisor *turn.Supervisor
	sessions   session.Store
	store      *store.Store
	provider   provider.Provider
	logger     *log.Logger
}

type turnRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func (h *handlers) runTurn(c echo.Context) error {
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := c.Request().Context()
	sessionCtx, err := h.sessions.Load(ctx, req.SessionID)
	if err != nil {
		h.logger.Printf("Loading session %s failed: %v", req.SessionID, err)
		sessionCtx.SessionID = req.SessionID
	}

	result, err := h.supervisor.RunTurn(ctx, req.Query, sessionCtx)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"turn":       result,
			"session_id": req.SessionID,
			"error":      err.Error(),
			"error_kind": string(turn.KindOf(err)),
		})
	}

	if err := h.sessions.Append(ctx, req.SessionID, req.Query, result.DirectAnswer); err != nil {
		h.logger.Printf("Saving session %s failed: %v", req.SessionID, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"turn":       result,
		"session_id": req.SessionID,
	})
}

func (h *handlers) turnStatus(c echo.Context) error {
	status, ok := h.supervisor.GetStatus(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "turn not found or already finished")
	}
	return c.JSON(http.StatusOK, status)
}

type documentRequest struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	DocType         string `json:"doc_type"`
	Category        string `json:"category"`
	Region          string `json:"region"`
	TenantProtected bool   `json:"tenant_protected"`
	EffectiveDate   string `json:"effective_date"`
}

// ingestDocument upserts a document and its embedding so it becomes visible
// to both retrieval paths.
func (h *handlers) ingestDocument(c echo.Context) error {
	var req documentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and content are required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	effectiveDate := time.Now()
	if req.EffectiveDate != "" {
		parsed, err := time.Parse("2006-01-02", req.EffectiveDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "effective_date must be YYYY-MM-DD")
		}
		effectiveDate = parsed
	}

	ctx := c.Request().Context()
	rec := store.DocumentRecord{
		ID:              req.ID,
		Title:           req.Title,
		Content:         req.Content,
		DocType:         req.DocType,
		Category:        req.Category,
		Region:          req.Region,
		TenantProtected: req.TenantProtected,
		EffectiveDate:   effectiveDate,
	}
	if err := h.store.UpsertDocument(ctx, rec); err != nil {
		return fmt.Errorf("storing document: %w", err)
	}

	vectors, err := h.provider.CreateEmbedding(ctx, []string{req.Title + "\n" + req.Content})
	if err != nil {
		return fmt.Errorf("embedding document: %w", err)
	}
	if len(vectors) > 0 {
		if err := h.store.UpsertEmbedding(ctx, req.ID, vectors[0]); err != nil {
			return fmt.Errorf("storing embedding: %w", err)
		}
	}

	return c.JSON(http.StatusCreated, map[string]string{"id": req.ID})
}
