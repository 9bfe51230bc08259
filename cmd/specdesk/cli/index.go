package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/chunker"
	"github.com/felixgeelhaar/specdesk/internal/corpus"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/ingest"
	"github.com/felixgeelhaar/specdesk/internal/rag"
	"github.com/spf13/cobra"
)

var (
	rebuildIndex bool
	corpusDir    string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and inspect the vector index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Chunk, embed and persist the document corpus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		obs := newObserver(cfg, cmd.ErrOrStderr())
		defer obs.Close()
		ctx := cmd.Context()

		dir := cfg.Corpus.Dir
		if corpusDir != "" {
			dir = corpusDir
		}

		opts := index.Options{Dimension: cfg.Embedding.Dimension, Model: cfg.Embedding.Model}
		target, err := index.NewBackend(cfg.Index.Backend, cfg.Index.Path)
		if err != nil {
			return err
		}
		existing, reopened, err := index.OpenOrCreate(ctx, target, opts)
		if err != nil && !rebuildIndex {
			return fmt.Errorf("%w; pass --rebuild to replace it", err)
		}
		if reopened {
			n := existing.Len()
			existing.Close()
			if !rebuildIndex {
				fmt.Fprintf(cmd.OutOrStdout(), "Index already built at %s (%d entries); pass --rebuild to replace it\n",
					cfg.Index.Path, n)
				return nil
			}
		}

		s, err := getStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		emb, err := rag.NewEmbedder(cfg, s.GetSecret, obs)
		if err != nil {
			return err
		}
		defer emb.Close()
		ch, err := chunker.New(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap, cfg.Chunker.Separators)
		if err != nil {
			return err
		}
		docs, err := corpus.Load(dir, cfg.Corpus.Include)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			obs.Log().Warn().Str("dir", dir).Msg("no documents matched; building an empty index")
		}

		staging := cfg.Index.Path + ".building"
		if err := removeIndex(staging); err != nil {
			return err
		}
		backend, err := index.NewBackend(cfg.Index.Backend, staging)
		if err != nil {
			return err
		}
		ix := index.New(backend, opts)
		defer ix.Close()

		bus := events.NewBus()
		bus.Subscribe(func(e events.Event) {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", e.Str("document"), e.Str("reason"))
		}, events.EventDocumentSkipped)

		report, err := ingest.New(ch, emb, ix, bus, obs).Run(ctx, docs)
		if err != nil {
			ix.Close()
			if rerr := removeIndex(staging); rerr != nil {
				obs.Log().Warn().Str("path", staging).Err(rerr).Msg("failed to clean up staging index")
			}
			return err
		}
		if err := ix.Close(); err != nil {
			return err
		}
		if err := replaceIndex(staging, cfg.Index.Path); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Indexed %d of %d documents into %d chunks (%s)\n",
			report.Indexed, report.Documents, report.Chunks, report.Elapsed.Round(time.Millisecond))
		if n := len(report.Skipped); n > 0 {
			fmt.Fprintf(out, "Skipped %d document(s)\n", n)
		}
		fmt.Fprintf(out, "Index written to %s\n", cfg.Index.Path)
		return nil
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show what the persisted index holds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := index.NewBackend(cfg.Index.Backend, cfg.Index.Path)
		if err != nil {
			return err
		}
		ix, err := index.Open(cmd.Context(), backend, index.Options{})
		if err != nil {
			return err
		}
		defer ix.Close()

		meta := ix.Meta()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Path:      %s (%s)\n", cfg.Index.Path, cfg.Index.Backend)
		fmt.Fprintf(out, "Entries:   %d\n", ix.Len())
		fmt.Fprintf(out, "Dimension: %d\n", meta.Dimension)
		fmt.Fprintf(out, "Metric:    %s\n", meta.Metric)
		fmt.Fprintf(out, "Model:     %s\n", meta.Model)
		fmt.Fprintf(out, "Updated:   %s\n", meta.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

// sidecars lists the suffixes SQLite may leave next to a database file.
var sidecars = []string{"-wal", "-shm", "-journal"}

// removeIndex deletes an index file and any SQLite sidecar files.
func removeIndex(path string) error {
	for _, suffix := range append([]string{""}, sidecars...) {
		p := path + suffix
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// replaceIndex moves a fully built index over the serving one. Stale sidecars
// of the old file are removed first so they are never applied to the new one.
func replaceIndex(src, dst string) error {
	for _, suffix := range sidecars {
		if err := os.Remove(dst + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", dst+suffix, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("install index: %w", err)
	}
	for _, suffix := range sidecars {
		if err := os.Rename(src+suffix, dst+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("install index: %w", err)
		}
	}
	return nil
}

func init() {
	RootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexStatsCmd)
	indexBuildCmd.Flags().BoolVar(&rebuildIndex, "rebuild", false, "Replace an existing index")
	indexBuildCmd.Flags().StringVar(&corpusDir, "dir", "", "Corpus directory (overrides corpus.dir)")
}
