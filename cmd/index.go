package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Chunk, embed and store the posting corpus",
	Run: func(cmd *cobra.Command, _ []string) {
		force, _ := cmd.Flags().GetBool("force")
		runIndex(force)
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)

	indexCmd.Flags().BoolP("force", "f", false, "rebuild the index even if it already holds postings")
}

func runIndex(force bool) {
	ctx := context.Background()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	c, err := setup(ctx, config, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Fatal("preparing components", zap.Error(err))
	}
	defer c.close()

	report, err := c.index.Index(ctx, c.postings, force)
	if err != nil {
		logger.Error("indexing failed", zap.Error(err))
		return
	}

	pretty, _ := json.MarshalIndent(report, "", "  ")
	logger.Info(fmt.Sprintf("index report: \n %s", pretty))
}
