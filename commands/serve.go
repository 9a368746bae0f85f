package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camden-git/photofacets/handlers"
	"github.com/camden-git/photofacets/models"
	"github.com/camden-git/photofacets/realtime"
	"github.com/camden-git/photofacets/repository"
	"github.com/camden-git/photofacets/workers"
)

func newServeCmd(a *app) *cobra.Command {
	var process bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only search API",
		Long: `Serve the search API over HTTP. Stage progress is streamed to
websocket clients on /api/events; with --process the server also runs
every enrichment stage in the background.

Endpoints:
  GET /api/search?object=dog&lat=..&lon=..&radius=..
  GET /api/items/{id}
  GET /api/stats
  GET /api/events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context(), process)
		},
	}
	cmd.Flags().Int("port", 8080, "http listen port")
	cmd.Flags().BoolVar(&process, "process", false, "run all enrichment stages in the background")
	return cmd
}

func (a *app) runServe(ctx context.Context, process bool) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	exec, repo := a.newExecutor(store)
	hub := realtime.NewHub(a.log)

	router := handlers.NewRouter(handlers.RouterDeps{
		Searcher:       exec,
		Items:          repo,
		Stats:          repository.NewStatsRepository(store),
		Events:         hub.ServeWS,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Log:            a.log,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.log.WithField("addr", addr).Info("serve: listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if process {
		g.Go(func() error {
			return a.processInBackground(gctx, repo, hub)
		})
	}
	return g.Wait()
}

// processInBackground runs every facet stage once, publishing progress to
// obs. Failures are logged; they do not stop the server.
func (a *app) processInBackground(ctx context.Context, repo *repository.FacetRepository, obs workers.Observer) error {
	stages, closeStages, err := a.buildStages(models.AllFacets)
	if err != nil {
		a.log.WithError(err).Error("serve: background processing disabled")
		return nil
	}
	defer closeStages()

	runner := workers.NewStageRunner(repo, repository.NewRunRepository(repo.Store), a.log)
	runner.SetObserver(obs)
	reports, err := runner.RunStages(ctx, stages, workers.OptionsFromConfig(a.cfg.Processing))
	for _, r := range reports {
		a.log.WithField("facet", r.Facet).WithField("processed", r.Processed).WithField("failed", r.Failed).Info("serve: background stage finished")
	}
	if err != nil && ctx.Err() == nil {
		a.log.WithError(err).Error("serve: background processing stopped")
	}
	return nil
}
