package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/store"
)

var (
	jobStatuses []string
	jobLimit    int
	jobVerbose  bool
)

// jobsCmd lists download jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List download jobs",
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().StringSliceVarP(&jobStatuses, "status", "s", nil, "only show jobs in these states")
	jobsCmd.Flags().IntVarP(&jobLimit, "limit", "n", 50, "maximum number of jobs to show")
	jobsCmd.Flags().BoolVarP(&jobVerbose, "verbose", "v", false, "show hash, destination and message")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var jobs []*store.Job
	if len(jobStatuses) > 0 {
		statuses := make([]store.Status, 0, len(jobStatuses))
		for _, s := range jobStatuses {
			status := store.Status(strings.ToLower(strings.TrimSpace(s)))
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			statuses = append(statuses, status)
		}
		jobs, err = db.Jobs.ListByStatuses(ctx, statuses...)
		if len(jobs) > jobLimit {
			jobs = jobs[:jobLimit]
		}
	} else {
		jobs, err = db.Jobs.List(ctx, jobLimit)
	}
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	fmt.Println(strings.Repeat("━", 100))
	fmt.Printf("%-36s  %-11s  %-9s  %-8s  %s\n", "ID", "STATUS", "SEEDED", "TORRENT", "TITLE")
	fmt.Println(strings.Repeat("━", 100))

	for _, job := range jobs {
		title := job.Title
		if len(title) > 30 {
			title = title[:27] + "..."
		}
		fmt.Printf("%-36s  %-11s  %-9s  %-8s  %s\n",
			job.ID, job.Status, formatHours(job.SeedSeconds), job.TorrentID, title)

		if jobVerbose {
			if job.ClientHash != "" {
				fmt.Printf("  Hash: %s (%s)\n", job.ClientHash, job.Provider)
			}
			if job.DestinationPath != "" {
				fmt.Printf("  Destination: %s\n", job.DestinationPath)
			}
			if job.Message != "" {
				fmt.Printf("  Message: %s\n", job.Message)
			}
			fmt.Printf("  Updated: %s\n", job.UpdatedAt.Format("2006-01-02 15:04"))
		}
	}
	fmt.Println(strings.Repeat("━", 100))

	jobText := "job"
	if len(jobs) != 1 {
		jobText = "jobs"
	}
	fmt.Printf("%d %s\n", len(jobs), jobText)
	return nil
}

func formatHours(seconds int64) string {
	return fmt.Sprintf("%.1fh", float64(seconds)/3600)
}
