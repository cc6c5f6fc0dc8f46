package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// reprocessCmd retries a job by hand
var reprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id>",
	Short: "Retry a download job",
	Long: `Retry a job. Jobs that never reached the download client, or whose torrent
has disappeared from it, are queued for download again. Otherwise
post-processing runs immediately against the torrent in the client.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := newManager(db)
	found, err := manager.Reprocess(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to reprocess job: %w", err)
	}
	if !found {
		return fmt.Errorf("job %s not found", args[0])
	}

	job, err := db.Jobs.Get(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job %s is %s: %s\n", job.ID, job.Status, job.Message)
	return nil
}
