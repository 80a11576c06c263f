package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wmzpwnz/advakod-sub005/internal/ingest"
	"github.com/wmzpwnz/advakod-sub005/internal/logging"
)

// NewIngestCmd constructs the `advakod ingest` command, which loads a legal
// corpus file into the document store and vector index.
func NewIngestCmd() *cobra.Command {
	var file string
	var deleteSource string
	var deleteEdition string
	var maxChunkRunes int
	var overlapRunes int

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest legal documents into the retrieval indexes",
		Long: `Load a corpus file of legal documents into the SQLite store and the
Qdrant vector index. The file is a JSON array or JSONL stream of documents:

  {"source": "ГК РФ часть 1", "article": "ст. 196", "edition": "2023-06-01",
   "doc_type": "code", "valid_from": "2013-09-01", "text": "..."}

Documents are split into overlapping chunks with deterministic IDs, so
re-ingesting the same edition is idempotent. Every successful run
invalidates the answer cache.

Use --delete-source (with optional --delete-edition) to remove a previously
ingested document from both indexes instead.

Examples:
  advakod ingest --file corpus.jsonl
  advakod ingest --delete-source "ГК РФ часть 1" --delete-edition 2019-10-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if file == "" && deleteSource == "" {
				return fmt.Errorf("ingest: either --file or --delete-source is required")
			}
			if file != "" && deleteSource != "" {
				return fmt.Errorf("ingest: --file and --delete-source are mutually exclusive")
			}

			reg := prometheus.NewRegistry()

			stack, err := buildRetrievalStack(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer stack.Close()

			answerCache, err := buildAnswerCache(cfg, log, reg)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			var invalidator ingest.Invalidator
			if answerCache != nil {
				invalidator = answerCache
			}

			ing, err := ingest.New(stack.Store, stack.Qdrant, stack.Embed, invalidator, ingest.Options{
				MaxChunkRunes: maxChunkRunes,
				OverlapRunes:  overlapRunes,
			}, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			if deleteSource != "" {
				removed, err := ing.Delete(ctx, deleteSource, deleteEdition)
				if err != nil {
					return fmt.Errorf("ingest: delete: %w", err)
				}
				log.Info("documents deleted",
					slog.String("source", deleteSource),
					slog.String("edition", deleteEdition),
					slog.Int("chunks_removed", removed),
				)
				return nil
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("ingest: open corpus: %w", err)
			}
			defer f.Close()

			docs, err := ingest.ReadCorpus(f)
			if err != nil {
				return fmt.Errorf("ingest: read corpus: %w", err)
			}
			log.Info("corpus loaded", slog.String("file", file), slog.Int("documents", len(docs)))

			stats, err := ing.IngestAll(ctx, docs)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			log.Info("ingestion complete",
				slog.Int("documents", stats.Documents),
				slog.Int("chunks", stats.Chunks),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Corpus file to ingest (JSON array or JSONL)")
	cmd.Flags().StringVar(&deleteSource, "delete-source", "", "Delete all chunks of this source instead of ingesting")
	cmd.Flags().StringVar(&deleteEdition, "delete-edition", "", "Restrict deletion to one edition (requires --delete-source)")
	cmd.Flags().IntVar(&maxChunkRunes, "max-chunk-runes", 0, "Chunk size bound in runes (0 = default)")
	cmd.Flags().IntVar(&overlapRunes, "overlap-runes", 0, "Inter-chunk overlap in runes (0 = default)")

	return cmd
}
