package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wmzpwnz/advakod-sub005/internal/logging"
	"github.com/wmzpwnz/advakod-sub005/internal/pipeline"
	"github.com/wmzpwnz/advakod-sub005/internal/rerank"
	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// NewAskCmd constructs the `advakod ask` command, which answers a single
// legal question and streams the response to stdout.
func NewAskCmd() *cobra.Command {
	var asOf string
	var docTypes []string
	var sources []string
	var priority string
	var maxTokens int
	var noCache bool

	cmd := &cobra.Command{
		Use:   "ask [вопрос]",
		Short: "Ask a question about Russian law",
		Long: `Ask AdvaKod a legal question in Russian.

The answer is grounded in the ingested corpus and cites its sources.
Use --as-of to get the law as it stood on a given date.

Examples:
  advakod ask "Каков общий срок исковой давности?"
  advakod ask --as-of 2020-03-15 "Какая ставка НДС применялась?"
  advakod ask --doc-type ruling "Как суды трактуют статью 333 ГК РФ?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			var filter retrieval.Filter
			if asOf != "" {
				d, err := retrieval.NormalizeDate(asOf)
				if err != nil {
					return fmt.Errorf("ask: --as-of: %w", err)
				}
				filter.AsOf = &d
			}
			for _, t := range docTypes {
				dt := retrieval.DocType(t)
				if !retrieval.ValidDocType(dt) {
					return fmt.Errorf("ask: unknown document type %q", t)
				}
				filter.DocTypes = append(filter.DocTypes, dt)
			}
			filter.Sources = sources

			prio, err := scheduler.ParsePriority(priority)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			reg := prometheus.NewRegistry()

			stack, err := buildRetrievalStack(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer stack.Close()

			answerCache, err := buildAnswerCache(cfg, log, reg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			sched, _, err := buildScheduler(ctx, cfg, log, reg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = sched.Stop(stopCtx)
			}()

			ranker, err := rerank.New(rerank.NewLexicalScorer())
			if err != nil {
				return fmt.Errorf("ask: build reranker: %w", err)
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
				return fmt.Errorf("ask: build pipeline: %w", err)
			}

			res, err := svc.Query(ctx, pipeline.Request{
				Question:  args[0],
				Filter:    filter,
				Priority:  prio,
				MaxTokens: maxTokens,
				Requester: "cli",
				SkipCache: noCache,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			for tok := range res.Tokens() {
				fmt.Print(tok)
			}
			fmt.Println()

			if err := res.Err(); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if len(res.Citations) > 0 {
				fmt.Fprintln(os.Stdout)
				fmt.Fprintln(os.Stdout, "Источники:")
				for i, c := range res.Citations {
					line := fmt.Sprintf("  [%d] %s", i+1, c.Source)
					if c.Article != "" {
						line += ", " + c.Article
					}
					if c.Edition != "" {
						line += fmt.Sprintf(" (ред. %s)", c.Edition)
					}
					fmt.Fprintln(os.Stdout, line)
				}
			}
			if res.Cached {
				fmt.Fprintln(os.Stderr, "(ответ из кэша)")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Answer using the law in force on this date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&docTypes, "doc-type", nil, "Restrict to a document type: code, federal_law, ruling, letter, other (repeatable)")
	cmd.Flags().StringArrayVar(&sources, "source", nil, "Restrict to an exact source document name")
	cmd.Flags().StringVar(&priority, "priority", "", "Request priority: low, normal, high, urgent (default: normal)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Cap the answer length in tokens (0 = backend default)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the result cache")

	return cmd
}
