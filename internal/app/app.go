package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m2tx/portfolio_lab/internal/config"
	"github.com/m2tx/portfolio_lab/internal/gateway"
	"github.com/m2tx/portfolio_lab/internal/knowledge"
	"github.com/m2tx/portfolio_lab/internal/repository"
	"github.com/m2tx/portfolio_lab/internal/server"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

const mongoPingTimeout = 5 * time.Second

// App owns the long-lived dependencies shared by the server and the CLI.
type App struct {
	cfg           *config.Config
	logger        *slog.Logger
	Gateway       *gateway.Gateway
	Knowledge     *knowledge.Embedder
	Conversations repository.ConversationRepository
	mongoClient   *mongo.Client
}

// New validates cfg and builds the gateway, the knowledge index and the
// conversation store. Indexing and the MongoDB handshake run concurrently.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create genai client: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, Knowledge: knowledge.NewEmbedder(logger)}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.Knowledge.Index(cfg.DocsDir)
	})
	group.Go(func() error {
		return a.openConversations(gctx)
	})
	if err := group.Wait(); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	a.Gateway = gateway.New(client,
		gateway.WithModels(cfg.Models),
		gateway.WithChatInstruction(cfg.ChatInstruction),
		gateway.WithRetriever(a.Knowledge, cfg.KnowledgeTopK),
		gateway.WithLogger(logger),
	)
	return a, nil
}

func (a *App) openConversations(ctx context.Context) error {
	if a.cfg.MongoDB.URI == "" {
		a.logger.Info("conversations_store", "backend", "memory")
		a.Conversations = repository.NewMemoryConversationRepository()
		return nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.MongoDB.URI))
	if err != nil {
		return fmt.Errorf("app: connect mongodb: %w", err)
	}
	a.mongoClient = client

	pingCtx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return fmt.Errorf("app: ping mongodb: %w", err)
	}

	database := client.Database(a.cfg.MongoDB.Database)
	a.Conversations = repository.NewMongoConversationRepository(database, a.cfg.MongoDB.Collection)
	a.logger.Info("conversations_store", "backend", "mongodb", "database", a.cfg.MongoDB.Database)
	return nil
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	srv, err := server.NewServer(server.Config{
		Addr:          ":" + a.cfg.HTTPPort,
		Gateway:       a.Gateway,
		Conversations: a.Conversations,
		Knowledge:     a.Knowledge,
		Logger:        a.logger,
	})
	if err != nil {
		return err
	}

	a.logger.Info("http_listening", "addr", srv.Addr(), "documents", a.Knowledge.Len())
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("app: http server: %w", err)
	}
	return nil
}

// Close releases the MongoDB connection, if one was opened.
func (a *App) Close(ctx context.Context) error {
	if a.mongoClient == nil {
		return nil
	}
	if err := a.mongoClient.Disconnect(ctx); err != nil {
		return fmt.Errorf("app: disconnect mongodb: %w", err)
	}
	return nil
}
