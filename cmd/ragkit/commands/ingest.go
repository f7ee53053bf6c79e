package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/ingestion"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/pipeline"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// ingestFlags are the ingest command's inputs and metadata overrides.
type ingestFlags struct {
	files    []string
	dirs     []string
	urls     []string
	text     string
	id       string
	source   string
	category string
	domain   string
	tags     []string
	exts     []string
	retry    []int
}

// NewIngestCmd constructs the `ragkit ingest` command, which loads documents
// from files, directories, URLs or inline text and indexes them.
func NewIngestCmd() *cobra.Command {
	var f ingestFlags

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and index documents",
		Long: `Load documents and index them in the configured vector store.

Sources may be mixed in one call. Re-ingesting a document under the same ID
replaces its previous chunks. Category and domain are inferred from the path
or URL (data/<domain>/<category>/<file>) unless given explicitly.

Relevant environment variables:
  EMBEDDING_PROVIDER   ollama, openai, azure, gemini (default: MODEL_PROVIDER)
  VECTOR_STORE         sqlite, qdrant, memory (default: sqlite)
  VECTOR_STORE_PATH    SQLite store directory (default: ~/.ragkit/store)
  CHUNK_SIZE           runes per chunk (default: 1000)
  CHUNK_OVERLAP        runes shared by neighbouring chunks (default: 100)

Examples:
  ragkit ingest --dir ./data
  ragkit ingest --file notes/turbine-7.md --category equipment_health --tag turbine
  ragkit ingest --url https://example.com/docs/maintenance
  ragkit ingest --text "Turbine 7 vibration exceeded 12mm/s." --id t7-alert
  ragkit ingest --file notes/turbine-7.md --retry-chunks 3,7

A document with failed chunks is still indexed; its failed chunk indices are
printed. Re-run with the same source and --retry-chunks to embed only those
chunks without touching the rest.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			if len(f.files)+len(f.dirs)+len(f.urls) == 0 && f.text == "" {
				return errors.New("ingest: one of --file, --dir, --url or --text is required")
			}

			docs, loadErr := loadDocuments(cmd, &f)
			if len(docs) == 0 {
				if loadErr != nil {
					return fmt.Errorf("ingest: %w", loadErr)
				}
				return errors.New("ingest: no documents found")
			}
			if loadErr != nil {
				log.Warn("ingest: some sources could not be loaded", slog.String("error", loadErr.Error()))
			}

			a, err := buildApp(ctx, log, prometheus.NewRegistry(), buildOptions{})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.close()

			if len(f.retry) > 0 {
				return retryChunks(cmd, a.pipeline, docs, f.retry)
			}

			log.Info("starting ingestion", slog.Int("documents", len(docs)))
			batch := a.pipeline.IngestAll(ctx, docs)

			out := cmd.OutOrStdout()
			var chunks, upserted int
			for i, r := range batch.Reports {
				if r == nil {
					continue
				}
				chunks += r.Chunks
				upserted += r.Upserted
				fmt.Fprintf(out, "%s  %s  chunks=%d upserted=%d%s\n", r.DocumentID, docs[i].Source, r.Chunks, r.Upserted, failedSuffix(r))
			}
			for _, id := range batch.Skipped {
				fmt.Fprintf(out, "%s  skipped\n", id)
			}
			for _, i := range sortedKeys(batch.Errors) {
				fmt.Fprintf(out, "%s  %s  error: %v\n", docs[i].ID, docs[i].Source, batch.Errors[i])
			}
			fmt.Fprintf(out, "ingested %d of %d documents (%d chunks, %d indexed)\n",
				len(docs)-len(batch.Errors)-len(batch.Skipped), len(docs), chunks, upserted)

			if batch.Failed() {
				return fmt.Errorf("ingest: %d of %d documents failed", len(batch.Errors), len(docs))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&f.files, "file", "f", nil, "File to ingest (.txt, .md, .csv; repeatable)")
	cmd.Flags().StringArrayVarP(&f.dirs, "dir", "d", nil, "Directory to ingest recursively (repeatable)")
	cmd.Flags().StringArrayVarP(&f.urls, "url", "u", nil, "Web page to fetch and ingest (repeatable)")
	cmd.Flags().StringVar(&f.text, "text", "", "Inline text to ingest as one document")
	cmd.Flags().StringVar(&f.id, "id", "", "Document ID for --text (default: derived from source or text)")
	cmd.Flags().StringVar(&f.source, "source", "", "Source label for --text")
	cmd.Flags().StringVar(&f.category, "category", "", "Category label (overrides inference)")
	cmd.Flags().StringVar(&f.domain, "domain", "", "Domain label (overrides inference)")
	cmd.Flags().StringArrayVar(&f.tags, "tag", nil, "Tag added to every document (repeatable)")
	cmd.Flags().IntSliceVar(&f.retry, "retry-chunks", nil, "Re-embed only these chunk indices of a single document")
	cmd.Flags().StringSliceVar(&f.exts, "ext", nil, "File extensions picked up by --dir (default: .txt,.md,.markdown,.csv)")

	return cmd
}

// retryChunks re-embeds the given chunks of the one loaded document.
func retryChunks(cmd *cobra.Command, p *pipeline.Pipeline, docs []rag.Document, indices []int) error {
	if len(docs) != 1 {
		return fmt.Errorf("ingest: --retry-chunks needs exactly one document, got %d", len(docs))
	}
	r, err := p.RetryChunks(cmd.Context(), docs[0], indices)
	if r != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  retried=%d upserted=%d%s\n",
			r.DocumentID, docs[0].Source, len(indices), r.Upserted, failedSuffix(r))
	}
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// failedSuffix formats the failed chunk indices of r for retry.
func failedSuffix(r *pipeline.IngestReport) string {
	if len(r.FailedChunks) == 0 {
		return ""
	}
	parts := make([]string, len(r.FailedChunks))
	for i, c := range r.FailedChunks {
		parts[i] = strconv.Itoa(c)
	}
	return " failed=" + strings.Join(parts, ",")
}

// loadDocuments gathers every requested source and applies the metadata
// overrides. Sources that fail to load are joined into the returned error
// while the rest are still returned.
func loadDocuments(cmd *cobra.Command, f *ingestFlags) ([]rag.Document, error) {
	var docs []rag.Document
	var errs []error

	for _, path := range f.files {
		doc, err := ingestion.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	for _, dir := range f.dirs {
		loaded, err := ingestion.LoadDir(dir, f.exts)
		if err != nil {
			errs = append(errs, err)
		}
		docs = append(docs, loaded...)
	}
	if len(f.urls) > 0 {
		fetcher := ingestion.NewFetcher(0)
		for _, u := range f.urls {
			doc, err := fetcher.Fetch(cmd.Context(), u)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			docs = append(docs, doc)
		}
	}
	if f.text != "" {
		doc, err := ingestion.LoadText(f.id, f.source, f.text, rag.Metadata{})
		if err != nil {
			errs = append(errs, err)
		} else {
			docs = append(docs, doc)
		}
	}

	categorySet := cmd.Flags().Changed("category")
	domainSet := cmd.Flags().Changed("domain")
	for i := range docs {
		m := &docs[i].Metadata
		if categorySet {
			m.Category = f.category
		}
		if domainSet {
			m.Domain = f.domain
		}
		for _, t := range f.tags {
			if !slices.Contains(m.Tags, t) {
				m.Tags = append(m.Tags, t)
			}
		}
	}
	return docs, errors.Join(errs...)
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
