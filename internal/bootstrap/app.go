package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docuchat/internal/ai"
	"docuchat/internal/app"
	"docuchat/internal/config"
	"docuchat/internal/model"
	mysqlClient "docuchat/internal/platform/mysql"
	rabbitmqClient "docuchat/internal/platform/rabbitmq"
	redisClient "docuchat/internal/platform/redis"
	"docuchat/internal/repository"
	"docuchat/internal/vectorindex"
	"docuchat/internal/worker"
)

type App struct {
	Config        *config.Config
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Index         *vectorindex.Index
	RAGService    *app.RAGService
	MessageWorker *worker.MessagePersistWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{}, &model.Session{}, &model.Message{},
		&model.Document{}, &model.Chunk{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	messageRepo := repository.NewMessageRepository(mysqlDB)
	messageWorker := worker.NewMessagePersistWorker(mqConn, messageRepo, cfg.RabbitMQ.MessagePersistQueue)
	if err := messageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}

	if dir := filepath.Dir(cfg.RAG.IndexPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory failed: %w", err)
		}
	}
	index, err := vectorindex.LoadSnapshot(cfg.RAG.IndexPath, cfg.RAG.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("load index snapshot failed: %w", err)
	}
	log.Printf("vector index loaded: %d vectors, dim %d", index.Len(), index.Dimension())

	llmClient := ai.NewOpenAICompatibleClient()
	ragService := app.NewRAGService(
		repository.NewDocumentRepository(mysqlDB),
		repository.NewChunkRepository(mysqlDB),
		index,
		llmClient,
		llmClient,
		ai.EmbeddingConfig{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.EmbeddingModel,
			Dimension: cfg.RAG.EmbeddingDim,
		},
		ai.ChatConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		app.RAGParams{
			ChunkSize:       cfg.RAG.ChunkSize,
			ChunkOverlap:    cfg.RAG.ChunkOverlap,
			TopK:            cfg.RAG.TopK,
			MaxContextChars: cfg.RAG.MaxContextChars,
		},
		cfg.RAG.IndexPath,
	)

	// The snapshot may be older than the document store, e.g. after a crash
	// between an index write and a status update.
	if err := ragService.Reconcile(); err != nil {
		return nil, fmt.Errorf("reconcile index failed: %w", err)
	}

	return &App{
		Config:        cfg,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		Index:         index,
		RAGService:    ragService,
		MessageWorker: messageWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Index != nil && a.Config != nil && a.Config.RAG.IndexPath != "" {
		if err := a.Index.SaveSnapshot(a.Config.RAG.IndexPath); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
