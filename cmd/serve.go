package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/health"
	"github.com/spigell/posting-matcher/internal/scheduler"
	"github.com/spigell/posting-matcher/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search and indexing over HTTP",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("addr", "a", "", "listen address (default is server.addr)")
	serveCmd.Flags().Duration("reindex-interval", 0, "force a reindex this often, zero disables it")

	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("server.reindex-interval", serveCmd.Flags().Lookup("reindex-interval"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the posting-matcher server", zap.String("version", version))

	c, err := setup(ctx, config, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("preparing components", zap.Error(err))
	}
	defer c.close()

	// Searches are served while the first run goes on; until then they see
	// whatever the store already holds.
	if _, err := c.reloader.Reindex(ctx, false); err != nil {
		logger.Warn("initial indexing did not start", zap.Error(err))
	}

	checker := health.NewChecker(logger)
	checker.Register("index", health.ReadinessCheck(c.index.IsReady, c.index.Indexing))
	if c.cache != nil {
		checker.Register("cache", health.PingCheck(c.cache))
	}

	if interval := config.Server.ReindexInterval; interval > 0 {
		sched := scheduler.New(c.reloader, logger)
		if err := sched.ScheduleReindex(interval); err != nil {
			logger.Fatal("scheduling reindex", zap.Error(err))
		}
		sched.Start()
		defer sched.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(config.Server.Addr, server.Deps{
		Index:     c.index,
		Reindexer: c.reloader,
		Searcher:  c.pipeline,
		Health:    checker,
		Metrics:   c.metrics,
		Logger:    logger,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
