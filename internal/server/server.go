package server

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/m2tx/portfolio_lab/internal/knowledge"
	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/m2tx/portfolio_lab/internal/repository"
)

const shutdownTimeout = 5 * time.Second

// Gateway is the subset of *gateway.Gateway the HTTP layer drives.
type Gateway interface {
	SendChatMessage(ctx context.Context, history model.ConversationHistory, message string, attachment *model.Attachment) (*gateway.Stream, error)
	AskArchitect(ctx context.Context, prompt string) (*gateway.Stream, error)
	SearchMarketTrends(ctx context.Context, query string) (*model.Response, error)
	QueryLocationServices(ctx context.Context, query string, loc *model.LatLng) (*model.Response, error)
	GenerateHighFidelityImage(ctx context.Context, prompt string, size model.ImageSize) (*model.Response, error)
	EditImage(ctx context.Context, original []byte, prompt string, mimeType string) (*model.Response, error)
}

// KnowledgeSearcher ranks indexed portfolio documents against a query.
type KnowledgeSearcher interface {
	Search(query string, topK int) ([]knowledge.Document, error)
}

// Server exposes the gateway to the browser UI.
type Server struct {
	addr   string
	router *gin.Engine
}

type Config struct {
	Addr          string
	Gateway       Gateway
	Conversations repository.ConversationRepository
	// Knowledge is optional; without it the search route is not mounted.
	Knowledge KnowledgeSearcher
	Logger    *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server: gateway is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Conversations == nil {
		cfg.Conversations = repository.NewMemoryConversationRepository()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{
		gateway:       cfg.Gateway,
		conversations: cfg.Conversations,
		knowledge:     cfg.Knowledge,
		logger:        cfg.Logger,
	}
	h.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

// chunks adapts a gateway stream to a range-over-func sequence.
func chunks(stream *gateway.Stream) iter.Seq[*model.Response] {
	return func(yield func(*model.Response) bool) {
		for stream.Next() {
			if !yield(stream.Chunk()) {
				return
			}
		}
	}
}
