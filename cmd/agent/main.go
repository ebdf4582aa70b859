package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/agent"
	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/docstore"
	"github.com/finassist/ragagent/internal/embeddings"
	"github.com/finassist/ragagent/internal/external"
	"github.com/finassist/ragagent/internal/llm"
	"github.com/finassist/ragagent/internal/vectorstore"
)

func main() {
	var (
		query   = flag.String("query", "", "user query to answer (one-shot mode)")
		ownerID = flag.Int64("owner", 0, "document owner id")
		chatID  = flag.Int64("chat", 0, "chat id for history context (0 disables)")
		docIDs  = flag.String("docs", "", "comma-separated selected document ids")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the embedding and external-response caches. When it is
	// unreachable everything degrades to in-process caches.
	var redisClient *redis.Client
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rc.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, using in-process caches",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		_ = rc.Close()
	} else {
		redisClient = rc
		defer rc.Close()
	}
	cancel()

	store, err := docstore.Open(cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	var embedCache embeddings.Cache
	if redisClient != nil {
		embedCache = embeddings.NewRedisCache(redisClient)
	} else {
		embedCache = embeddings.NewLocalLRU(cfg.Embeddings.MaxLRU)
	}

	cbrCache, newsCache := responseCaches(redisClient)

	a := agent.New(
		cfg,
		llm.NewClient(cfg.LLM, logger),
		store,
		vectorstore.NewClient(cfg.Vector, logger),
		embeddings.NewService(cfg.Embeddings, embedCache, logger),
		external.NewCentralBankClient(cfg.CentralBank, cbrCache, logger),
		external.NewNewsClient(cfg.News, newsCache, logger),
		logger,
	)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	if *query == "" {
		logger.Fatal("No query provided, use -query")
	}

	selected, err := parseIDs(*docIDs)
	if err != nil {
		logger.Fatal("Invalid -docs value", zap.String("docs", *docIDs), zap.Error(err))
	}

	result, err := a.Run(ctx, agent.TurnInput{
		OwnerID:             *ownerID,
		ChatID:              *chatID,
		Query:               *query,
		SelectedDocumentIDs: selected,
	})
	if err != nil {
		logger.Fatal("Turn failed", zap.Error(err))
	}

	logger.Info("Turn completed",
		zap.Int("scenario", result.Scenario),
		zap.Int("used_results", len(result.UsedResults)),
	)
	fmt.Println(result.Answer)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func responseCaches(redisClient *redis.Client) (external.ResponseCache, external.ResponseCache) {
	if redisClient != nil {
		return external.NewRedisResponseCache(redisClient, "cbr"),
			external.NewRedisResponseCache(redisClient, "news")
	}
	return external.NewLocalCache(), external.NewLocalCache()
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", zap.Error(err))
	}
}

func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
