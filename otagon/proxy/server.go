package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	internal "github.com/ZanzyTHEbar/otagon/otagon"
	"github.com/ZanzyTHEbar/otagon/otagon/config"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// Server is the HTTP front of the proxy.
type Server struct {
	cfg     config.ServerConfig
	model   llms.Model
	usage   UsageStore
	limiter ports.RateLimiter
	logger  zerolog.Logger
	engine  *gin.Engine
}

// NewServer wires the routes. limiter may be nil to disable per-user rate
// limiting.
func NewServer(cfg config.ServerConfig, model llms.Model, usage UsageStore, limiter ports.RateLimiter, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = internal.DefaultServerAddr
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = internal.DefaultModel
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		model:   model,
		usage:   usage,
		limiter: limiter,
		logger:  logger.With().Str("component", "proxy").Logger(),
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-Info", "Apikey"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	r.POST("/v1/ai", s.handleAI)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Error: "Route not found"})
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleAI(c *gin.Context) {
	ctx := c.Request.Context()

	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, Response{Error: "Unauthorized"})
		return
	}
	user, err := s.usage.UserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, Response{Error: "Invalid token"})
			return
		}
		s.logger.Error().Err(err).Msg("token lookup failed")
		c.JSON(http.StatusInternalServerError, Response{Error: "Internal server error"})
		return
	}

	if s.limiter != nil {
		release, err := s.limiter.Acquire(ctx, user.ID)
		if err != nil {
			c.JSON(http.StatusTooManyRequests, Response{Error: "Rate limit exceeded. Try again in 1 minute."})
			return
		}
		defer release()
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: "Invalid request body", Details: err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, Response{Error: "Prompt is required"})
		return
	}
	kind, ok := requestKind(req)
	if !ok {
		c.JSON(http.StatusBadRequest, Response{Error: fmt.Sprintf("Unknown requestType %q", req.RequestType)})
		return
	}

	current, err := s.usage.User(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, Response{Error: "User not found"})
			return
		}
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("usage lookup failed")
		c.JSON(http.StatusInternalServerError, Response{Error: "Internal server error"})
		return
	}
	if msg, limit, over := overQuota(current.Usage, kind); over {
		c.JSON(http.StatusForbidden, Response{Error: msg, Tier: string(current.Tier), Limit: limit})
		return
	}

	messages, err := buildMessages(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: "Invalid image data", Details: err.Error()})
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	if len(req.Tools) > 0 {
		s.logger.Debug().RawJSON("tools", req.Tools).Msg("tools requested; not forwarded upstream")
	}

	out, err := s.model.GenerateContent(ctx, messages, callOptions(req, model)...)
	if err != nil {
		if isSafetyStop(err.Error()) {
			c.JSON(http.StatusOK, Response{Blocked: true, Error: "Response blocked by safety filters", Model: model})
			return
		}
		s.logger.Error().Err(err).Str("model", model).Str("request_type", string(kind)).Msg("upstream model error")
		c.JSON(http.StatusInternalServerError, Response{Error: "AI service error", Details: err.Error()})
		return
	}
	if len(out.Choices) == 0 {
		c.JSON(http.StatusInternalServerError, Response{Error: "AI service error", Details: "no choices returned"})
		return
	}
	choice := out.Choices[0]
	if isSafetyStop(choice.StopReason) {
		c.JSON(http.StatusOK, Response{Blocked: true, Error: "Response blocked: " + choice.StopReason, Model: model})
		return
	}
	text := choice.Content
	if text == "" {
		text = "No response generated"
	}

	usage, err := s.usage.Increment(ctx, user.ID, kind)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to update usage")
		usage = current.Usage
		if kind == ports.RequestImage {
			usage.ImageCount++
		} else {
			usage.TextCount++
		}
	}

	c.JSON(http.StatusOK, Response{
		Response:          text,
		Success:           true,
		Usage:             &UsageInfo{TextCount: usage.TextCount, ImageCount: usage.ImageCount},
		Tokens:            tokenInfo(choice.GenerationInfo),
		GroundingMetadata: groundingMetadata(choice.GenerationInfo),
		Model:             model,
	})
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requestKind resolves the charged kind. Any request with an image is an
// image query.
func requestKind(req Request) (ports.RequestType, bool) {
	if req.Image != "" {
		return ports.RequestImage, true
	}
	switch req.RequestType {
	case "", RequestTypeText:
		return ports.RequestText, true
	case RequestTypeImage:
		return ports.RequestImage, true
	}
	return "", false
}

func overQuota(u ports.Usage, kind ports.RequestType) (string, int, bool) {
	if kind == ports.RequestImage {
		if u.ImageLimit > 0 && u.ImageCount >= u.ImageLimit {
			return "Image query limit reached. Upgrade to continue.", u.ImageLimit, true
		}
		return "", 0, false
	}
	if u.TextLimit > 0 && u.TextCount >= u.TextLimit {
		return "Text query limit reached. Upgrade to continue.", u.TextLimit, true
	}
	return "", 0, false
}

func buildMessages(req Request) ([]llms.MessageContent, error) {
	var messages []llms.MessageContent
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, req.SystemPrompt))
	}
	parts := []llms.ContentPart{llms.TextPart(req.Prompt)}
	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, llms.BinaryPart(mime, data))
	}
	messages = append(messages, llms.MessageContent{Role: schema.ChatMessageTypeHuman, Parts: parts})
	return messages, nil
}

func callOptions(req Request, model string) []llms.CallOption {
	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	opts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if len(req.ResponseFormat) > 0 {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func groundingMetadata(info map[string]any) json.RawMessage {
	v, ok := info["groundingMetadata"]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
