// Answerd is the retrieval-augmented answering daemon behind the agency
// website chat widget.
//
// It loads a YAML configuration, opens the persistent knowledge store and
// serves the chat and document admin API over HTTP.
//
// Usage:
//
//	# Start with the default config (~/.config/answerd/config.yaml)
//	answerd
//
//	# Explicit config file
//	answerd -config /etc/answerd/config.yaml
//
//	# Environment overrides
//	ANSWERD_SERVER_PORT=9090 answerd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qribar/answerd/internal/classifier"
	"github.com/qribar/answerd/internal/config"
	"github.com/qribar/answerd/internal/embeddings"
	"github.com/qribar/answerd/internal/generator"
	"github.com/qribar/answerd/internal/httpapi"
	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/llm"
	"github.com/qribar/answerd/internal/logging"
	"github.com/qribar/answerd/internal/pipeline"
	"github.com/qribar/answerd/internal/ratelimit"
	"github.com/qribar/answerd/internal/reranker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  answerd           Start the answering daemon\n")
			fmt.Fprintf(os.Stderr, "  answerd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("answerd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all services and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logCfg.Level = level
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info(ctx, "starting answerd", zap.String("version", version))

	// Embedding service with query cache.
	embedService, err := embeddings.NewService(embeddings.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout.Duration(),
	}, nil)
	if err != nil {
		return fmt.Errorf("initializing embeddings: %w", err)
	}
	cache := embeddings.NewCache(cfg.Embedding.CacheTTL.Duration(), cfg.Embedding.CacheMaxEntries)
	embedder := embeddings.NewCachedEmbedder(embedService, cache, nil)

	// Persistent knowledge store.
	store, err := knowledge.NewChromemStore(ctx, knowledge.ChromemConfig{
		Path:       cfg.Store.Path,
		Collection: cfg.Store.Collection,
		Dimensions: cfg.Embedding.Dimensions,
	}, embedService, logger)
	if err != nil {
		return fmt.Errorf("opening knowledge store: %w", err)
	}

	// Completion client shared by classifier, reranker and generator.
	llmClient, err := llm.NewAnthropicClient(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout.Duration(),
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Burst:             cfg.LLM.Burst,
		MaxRetries:        cfg.LLM.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}

	cls, err := classifier.NewLLMClassifier(llmClient, logger,
		classifier.WithTimeout(cfg.Pipeline.ClassifyTimeout.Duration()))
	if err != nil {
		return fmt.Errorf("initializing classifier: %w", err)
	}
	rr, err := reranker.NewLLMReranker(llmClient, reranker.Config{
		MaxCandidates: cfg.Pipeline.RerankCandidates,
		Cutoff:        cfg.Pipeline.RerankCutoff,
		Keep:          cfg.Pipeline.TopK,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing reranker: %w", err)
	}
	gen, err := generator.NewLLMGenerator(llmClient, logger,
		generator.WithTimeout(cfg.Pipeline.GenerateTimeout.Duration()),
		generator.WithHistoryLimit(cfg.Pipeline.HistoryTurns))
	if err != nil {
		return fmt.Errorf("initializing generator: %w", err)
	}

	registry := prometheus.NewRegistry()
	pipeMetrics := pipeline.NewMetrics(registry)

	pipe, err := pipeline.New(store, embedder, cls, rr, gen, pipeline.Config{
		SearchThreshold: cfg.Pipeline.SimilarityThreshold,
		SearchLimit:     cfg.Pipeline.RerankCandidates,
		FilterLimit:     cfg.Pipeline.FilterLimit,
		RerankKeep:      cfg.Pipeline.TopK,
	}, logger, pipeMetrics)
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Disabled:          !cfg.RateLimit.Enabled,
	})
	defer limiter.Close()

	server, err := httpapi.NewServer(pipe, store, limiter, registry, logger, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
