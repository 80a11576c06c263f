package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wmzpwnz/advakod-sub005/internal/logging"
	"github.com/wmzpwnz/advakod-sub005/internal/pipeline"
	"github.com/wmzpwnz/advakod-sub005/internal/rerank"
	"github.com/wmzpwnz/advakod-sub005/internal/server"
)

// NewServeCmd constructs the `advakod serve` command, which starts the HTTP
// server exposing the question-answering API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AdvaKod HTTP server",
		Long: `Start the AdvaKod HTTP server.

The server exposes POST /api/query (SSE token stream with citations),
GET /api/health, GET /api/ready, GET /api/status, and /metrics.

Examples:
  advakod serve
  advakod serve --port 9090
  ADVAKOD_API_KEY=s3cret advakod serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			reg := prometheus.NewRegistry()

			stack, err := buildRetrievalStack(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer stack.Close()

			answerCache, err := buildAnswerCache(cfg, log, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			sched, engine, err := buildScheduler(ctx, cfg, log, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := sched.Stop(stopCtx); err != nil {
					log.Warn("scheduler stop", slog.Any("error", err))
				}
			}()

			ranker, err := rerank.New(rerank.NewLexicalScorer())
			if err != nil {
				return fmt.Errorf("serve: build reranker: %w", err)
			}

			var pipeCache pipeline.AnswerCache
			if answerCache != nil {
				pipeCache = answerCache
			}

			svc, err := pipeline.New(stack.Hybrid, stack.Store, ranker, sched, pipeCache, pipeline.Options{
				RerankTopK:    cfg.Retrieval.RerankTopK,
				ContextTokens: cfg.Retrieval.ContextTokens,
			}, log)
			if err != nil {
				return fmt.Errorf("serve: build pipeline: %w", err)
			}

			pingers := []server.Pinger{
				server.NewDependencyPinger("sqlite", stack.Store),
				server.NewQdrantPinger(stack.Qdrant.Client()),
				server.NewDependencyPinger("embedder", stack.Embed),
				server.NewDependencyPinger("llm", engine),
			}
			if answerCache != nil {
				pingers = append(pingers, server.NewDependencyPinger("redis", answerCache))
			}

			if host == "" {
				host = cfg.Server.Host
			}
			if port == 0 {
				port = cfg.Server.Port
			}

			srv, err := server.New(svc, sched, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				RateLimit: cfg.Server.RateLimit,
				RateBurst: cfg.Server.RateBurst,
				APIKey:    cfg.Server.APIKey,
				Registry:  reg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (overrides config)")

	return cmd
}
