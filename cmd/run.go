package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/pipeline"
)

var (
	runDryRun   bool
	runFromFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one triage pass",
	Long:  "Fetches every enabled source (or replays items from a file), filters, dedups, scores, clusters and reviews them, then prints the run result as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mode := "run"
		if runDryRun {
			mode = "dry-run"
		}

		var fetcher pipeline.Fetcher
		if runFromFile != "" {
			items, err := pipeline.LoadItemsFile(runFromFile)
			if err != nil {
				return err
			}
			zap.L().Info("replaying items from file",
				zap.String("path", runFromFile),
				zap.Int("items", len(items)),
			)
			fetcher = pipeline.StaticFetcher{Items: items}
		}

		env, err := initPipeline(ctx, mode, fetcher)
		if err != nil {
			return err
		}
		defer env.Close()

		result, runErr := env.Pipeline.Run(ctx, pipeline.RunOptions{DryRun: runDryRun})
		if result != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result.WithoutSnapshots()); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "stop after pre-filter and dedup; no oracle calls, no writes")
	runCmd.Flags().StringVar(&runFromFile, "from-file", "", "read raw items from a JSON file instead of fetching")
	rootCmd.AddCommand(runCmd)
}
