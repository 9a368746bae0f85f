package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/camden-git/photofacets/config"
	"github.com/camden-git/photofacets/database"
	"github.com/camden-git/photofacets/media"
	"github.com/camden-git/photofacets/query"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/vectorindex"
)

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"db":            "paths.database",
	"source":        "paths.input_directory",
	"photo-details": "paths.photo_details",
	"log-level":     "log.level",
	"batch-size":    "processing.batch_size",
	"confidence":    "processing.confidence_threshold",
	"item-timeout":  "processing.item_timeout",
	"skip-empty":    "processing.skip_empty",
	"parallel":      "processing.parallel",
	"ann":           "search.ann",
	"port":          "server.port",
}

// app is the state shared by every command of one invocation.
type app struct {
	configFile string

	cfg config.Config
	log *logrus.Logger

	// textEmbedder overrides the configured query embedder in tests.
	textEmbedder media.EmbedsText
}

// NewRootCmd creates the photofacets command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photofacets",
		Short: "Incremental photo enrichment and multi-modal search",
		Long: `photofacets enriches a photo corpus one facet at a time (capture
metadata, GPS, detected objects, image embeddings, OCR text) and answers
queries that combine any of them.

Examples:
  photofacets process --stage exif --source ~/Pictures
  photofacets process --stage all
  photofacets search --object dog --location 37.77,-122.42 --radius 5
  photofacets search --semantic "sunset over water" --date-from 2024-06-01
  photofacets inspect --query coverage`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./config.yaml when present)")
	pf.String("db", "", "sqlite database file (default photo_archive.db)")
	pf.String("source", "", "photo directory scanned by the exif stage")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newProcessCmd(a),
		newSearchCmd(a),
		newInspectCmd(a),
		newStatusCmd(a),
		newServeCmd(a),
	)
	return cmd
}

// Execute runs the command tree with interrupt handling.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	flags := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}
	cfg, err := config.Load(config.LoadOptions{ConfigFile: a.configFile, Flags: flags})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = config.NewLogger(cfg)
	a.log.SetOutput(cmd.ErrOrStderr())
	if cfg.ConfigFile != "" {
		a.log.WithField("file", cfg.ConfigFile).Debug("config: loaded")
	}
	return nil
}

// openStore opens the database and brings its schema up to date.
func (a *app) openStore(ctx context.Context) (*database.Store, error) {
	store, err := database.Open(a.cfg.Paths.Database, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", a.cfg.Paths.Database, err)
	}
	if err := database.EnsureSchema(ctx, store); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *app) queryEmbedder() media.EmbedsText {
	if a.textEmbedder != nil {
		return a.textEmbedder
	}
	if a.cfg.Models.TextEmbedderURL == "" {
		return nil
	}
	return media.NewOpenAITextEmbedder(a.cfg.Models.APIKey, a.cfg.Models.TextEmbedderURL, a.cfg.Models.EmbeddingVersion)
}

// newExecutor wires a query executor over store.
func (a *app) newExecutor(store *database.Store) (*query.Executor, *repository.FacetRepository) {
	repo := repository.NewFacetRepository(store)
	index := vectorindex.New(repo.Embeddings, vectorindex.Options{ANN: a.cfg.Search.ANN, Log: a.log})
	exec := query.NewExecutor(query.SourcesFrom(repo, index), query.Options{
		Embedder:         a.queryEmbedder(),
		EmbeddingVersion: a.cfg.Models.EmbeddingVersion,
		DefaultTopK:      a.cfg.Search.DefaultTopK,
		Log:              a.log,
	})
	return exec, repo
}
