package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gochi "github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/config"
	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/metrics"
	"github.com/kailas-cloud/amcat/internal/repository/embcache"
	chiTransport "github.com/kailas-cloud/amcat/internal/transport/chi"
	openaiEmb "github.com/kailas-cloud/amcat/internal/transport/openai"
	"github.com/kailas-cloud/amcat/internal/usecase/access"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	embeddinguc "github.com/kailas-cloud/amcat/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/amcat/internal/usecase/health"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
	"github.com/kailas-cloud/amcat/internal/version"
)

func newServeCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *env)
		},
	}
}

func runServe(ctx context.Context, env string) error {
	a, err := newApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	logger.Info("Starting amcat API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.Int("http_port", cfg.HTTP.Port),
	)

	if cfg.Lifecycle.ResumeOnStart {
		n, err := a.lifecycle.ResumeAll(ctx)
		if err != nil {
			logger.Error("Some interrupted lifecycle sequences could not be resumed", zap.Int("resumed", n), zap.Error(err))
		} else if n > 0 {
			logger.Info("Resumed interrupted lifecycle sequences", zap.Int("resumed", n))
		}
	}

	limits := queryLimits(cfg.Query)
	auth := access.New(a.roles)

	indexSvc := indexuc.New(a.registry, a.lifecycle, auth, a.roles, a.engine)
	docSvc := documentuc.New(a.registry, a.registry, auth, a.engine, documentuc.Options{
		FieldPolicy:  documentuc.FieldPolicy(cfg.Documents.FieldPolicy),
		MaxBatchSize: cfg.Documents.MaxBatchSize,
		Limits:       limits,
	})
	querySvc := queryuc.New(a.registry, auth, a.engine, limits)

	var embedder domain.Embedder
	var embeddingHealth healthuc.EmbeddingChecker
	if cfg.Analysis.Enabled() {
		emb, err := buildEmbedder(cfg.Analysis, a.store, logger)
		if err != nil {
			return err
		}
		embedder, embeddingHealth = emb, emb
		logger.Info("Analysis enabled",
			zap.String("provider", cfg.Analysis.Provider),
			zap.String("model", cfg.Analysis.Model),
		)
	}
	analysisSvc := analysisuc.New(a.registry, auth, a.engine, embedder, analysisuc.Options{
		PageSize:     cfg.Analysis.PageSize,
		MaxDocuments: cfg.Analysis.MaxDocuments,
		Limits:       limits,
	})
	healthSvc := healthuc.New(a.store, a.engine, embeddingHealth)

	server := chiTransport.NewServer(chiTransport.Services{
		Indices:   indexSvc,
		Documents: docSvc,
		Query:     querySvc,
		Analysis:  analysisSvc,
		Health:    healthSvc,
	}, cfg.HTTP.MaxBodyBytes())

	r := gochi.NewRouter()
	r.Use(chiTransport.JSONRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(chiTransport.WideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(authTokens(cfg.Auth), cfg.Auth.AllowAnonymous))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func queryLimits(c config.QueryConfig) queryuc.Limits {
	return queryuc.Limits{
		DefaultPerPage:      c.DefaultPerPage,
		MaxPerPage:          c.MaxPerPage,
		MaxResultWindow:     c.MaxResultWindow,
		CursorPageThreshold: c.CursorPageThreshold,
		MaxAxes:             c.MaxAxes,
		MaxTermsSize:        c.MaxTermsSize,
		MaxBuckets:          c.MaxBuckets,
		Timeout:             time.Duration(c.TimeoutSec) * time.Second,
	}
}

// authTokens converts configured tokens; Validate has already checked the roles.
func authTokens(c config.AuthConfig) []chiTransport.Token {
	out := make([]chiTransport.Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		lvl, _ := role.Parse(t.GlobalRole)
		out = append(out, chiTransport.Token{Value: t.Value, Subject: t.Subject, GlobalRole: lvl})
	}
	return out
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instrumented.
func buildEmbedder(cfg config.AnalysisConfig, store db.Store, logger *zap.Logger) (*embeddinguc.InstrumentedEmbedder, error) {
	metrics.RegisterEmbeddingMetrics()

	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Provider:   cfg.Provider,
		Logger:     logger,
	})

	cached, err := embcache.New(base, store, embcache.Options{
		Model:         cfg.Model,
		MemoryEntries: cfg.Cache.MemoryEntries,
		TTL:           time.Duration(cfg.Cache.TTLHours) * time.Hour,
	}, metrics.EmbeddingCacheTotal, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	return embeddinguc.NewInstrumentedEmbedder(cached, embeddinguc.Options{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxBatchSize:      cfg.MaxBatchSize,
	}, logger), nil
}
