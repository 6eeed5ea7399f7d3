package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/resolvd/internal/circuit"
	"github.com/rcourtman/resolvd/internal/config"
	"github.com/rcourtman/resolvd/internal/dispatch"
	"github.com/rcourtman/resolvd/internal/embed"
	"github.com/rcourtman/resolvd/internal/logging"
	"github.com/rcourtman/resolvd/internal/notify"
	"github.com/rcourtman/resolvd/internal/providers"
	"github.com/rcourtman/resolvd/internal/resolver"
	"github.com/rcourtman/resolvd/internal/retrieve"
	"github.com/rcourtman/resolvd/internal/sanitize"
	"github.com/rcourtman/resolvd/internal/service"
	"github.com/rcourtman/resolvd/internal/store"
	"github.com/rcourtman/resolvd/pkg/audit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var metricsAddr string

var rootCmd = &cobra.Command{
	Use:     "resolvd",
	Short:   "resolvd - AI-assisted incident resolution core",
	Long:    `resolvd stores incidents and knowledge articles, retrieves similar cases, and generates auditable AI resolution proposals`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolution core",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("resolvd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9321", "Prometheus metrics listen address")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, reconfigured once config is loaded.
	logging.Init(logging.Config{Format: "json", Level: "info", Component: "resolvd"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "resolvd"})

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting resolvd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startMetricsServer(ctx, metricsAddr)

	core, err := buildCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize resolution core")
	}
	defer core.Close()

	_ = core.Service // callers attach here (embedding hosts, RPC layers)

	log.Info().
		Int("providers", len(cfg.Providers)).
		Str("completion_model", cfg.CompletionModel).
		Msg("Resolution core ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	cancel()
}

// Core bundles the composed components so the server can close them in order.
type Core struct {
	Service  *service.Service
	Store    *store.Store
	AuditLog *audit.Log
	Notifier *notify.Notifier
}

// Close tears the core down: notifier first so subscribers drain, then the
// durable stores.
func (c *Core) Close() {
	c.Notifier.Close()
	if err := c.AuditLog.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit log")
	}
	if err := c.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close entry store")
	}
}

// buildCore is the composition root: config in, wired service out.
func buildCore(cfg config.Config) (*Core, error) {
	st, err := store.New(store.Config{DataDir: cfg.DataDir, Dimension: cfg.EmbeddingDimension})
	if err != nil {
		return nil, fmt.Errorf("open entry store: %w", err)
	}

	auditLog, err := audit.New(audit.Config{
		DataDir:      cfg.DataDir,
		Retention:    auditRetention(cfg.AuditRetention),
		SoftDeadline: cfg.AuditSoftDeadline,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	pool := providers.NewPool(cfg.AcquireTimeout)
	registered := registerProviders(pool, cfg)
	if registered == 0 {
		// Zero-config runs still work: a deterministic local provider keeps
		// the pipeline exercisable without credentials.
		pool.Register("static", providers.NewStaticProvider("static", cfg.EmbeddingDimension),
			providers.PoolConfig{})
		log.Warn().Msg("No providers configured, registered the static fallback provider")
	}

	// Startup probe surfaces bad credentials before the first dispatch.
	// Failures are reported, not fatal: the breaker handles them at runtime.
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	for id, probeErr := range pool.Probe(probeCtx) {
		log.Warn().Str("provider", id).Err(probeErr).Msg("Provider probe failed")
	}
	cancelProbe()

	embedder := embed.New(pool, embed.Config{
		Model:         cfg.EmbeddingModel,
		Dimension:     cfg.EmbeddingDimension,
		CacheTTL:      cfg.EmbeddingCacheTTL,
		CacheMaxBytes: cfg.EmbeddingCacheMax,
	})
	retriever := retrieve.New(st, embedder, retrieve.Config{
		TopK:       cfg.RetrieverLimit,
		KVector:    cfg.RetrieverKVector,
		KText:      cfg.RetrieverKText,
		Threshold:  cfg.RetrieverThreshold,
		MinSources: cfg.RetrieverMinSources,
		Window:     cfg.RetrieverWindow,
	})
	sanitizer := sanitize.New(sanitize.WithMandatoryTypes(cfg.MandatoryTypes))
	dispatcher := dispatch.New(pool, dispatch.Config{
		DedupTTL: cfg.DedupTTL,
		Breaker: circuit.Config{
			WindowSize:       cfg.BreakerWindow,
			FailureThreshold: cfg.BreakerFailures,
			FailureRatio:     cfg.BreakerRatio,
			InitialCooldown:  cfg.BreakerCooldown,
			MaxCooldown:      cfg.BreakerCooldownMax,
		},
	})
	notifier := notify.New(notify.Config{
		DefaultBufferSize: cfg.NotifierBufferSize,
		BlockGrace:        cfg.NotifierGracePeriod,
	})
	rs := resolver.New(st, sanitizer, retriever, dispatcher, auditLog, notifier, resolver.Config{
		Model:           cfg.CompletionModel,
		MaxTokens:       cfg.MaxTokens,
		ProposeDeadline: cfg.ProposeDeadline,
	})

	return &Core{
		Service:  service.New(st, embedder, retriever, rs, sanitizer, auditLog, notifier),
		Store:    st,
		AuditLog: auditLog,
		Notifier: notifier,
	}, nil
}

// registerProviders adds configured providers to the pool in fallback order
// and returns how many were registered.
func registerProviders(pool *providers.Pool, cfg config.Config) int {
	byID := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		byID[p.ID] = p
	}

	registered := 0
	for _, id := range cfg.FallbackOrder {
		pc, ok := byID[id]
		if !ok {
			log.Warn().Str("provider", id).Msg("Fallback order names an unconfigured provider, skipping")
			continue
		}
		client, err := providers.NewProvider(providers.Settings{
			ID:        pc.ID,
			Type:      pc.Type,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Timeout:   pc.Timeout,
			Dimension: cfg.EmbeddingDimension,
		})
		if err != nil {
			log.Error().Str("provider", pc.ID).Err(err).Msg("Failed to construct provider, skipping")
			continue
		}
		pool.Register(pc.ID, client, providers.PoolConfig{
			Capacity:      pc.Capacity,
			RefillRate:    pc.RefillRate,
			MaxConcurrent: pc.MaxConcurrent,
			EmbedModels:   pc.EmbedModels,
		})
		registered++
	}
	return registered
}

// auditRetention maps configured kind names onto audit event kinds.
func auditRetention(in map[string]time.Duration) map[audit.EventKind]time.Duration {
	if len(in) == 0 {
		return nil
	}
	out := make(map[audit.EventKind]time.Duration, len(in))
	for kind, d := range in {
		out[audit.EventKind(kind)] = d
	}
	return out
}
