package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/store"
)

var (
	enqueueRequest   string
	enqueueTitle     string
	enqueueDLHash    string
	enqueueMediaType string
)

// enqueueCmd queues a tracker torrent for download
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <torrent-id>",
	Short: "Queue a MyAnonamouse torrent for download",
	Long: `Create a pending download job for a MyAnonamouse torrent id.

The job is linked to a request with --request, or carries its own --title for
manual downloads. A running "mamlarr serve" picks it up on its next poll.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVarP(&enqueueRequest, "request", "r", "", "media request id to link")
	enqueueCmd.Flags().StringVarP(&enqueueTitle, "title", "t", "", "title for a manual job")
	enqueueCmd.Flags().StringVar(&enqueueDLHash, "dl-hash", "", "tracker direct download hash")
	enqueueCmd.Flags().StringVar(&enqueueMediaType, "media-type", string(store.MediaAudiobook), "audiobook or ebook")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	torrentID := strings.TrimSpace(args[0])
	if torrentID == "" {
		return fmt.Errorf("torrent id is required")
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	title := strings.TrimSpace(enqueueTitle)
	mediaType := store.ParseMediaType(enqueueMediaType)

	if enqueueRequest != "" {
		req, err := db.Requests.Get(ctx, enqueueRequest)
		if err != nil {
			return fmt.Errorf("failed to load request: %w", err)
		}
		if title == "" {
			title = req.Title
		}
		if !cmd.Flags().Changed("media-type") {
			mediaType = req.MediaType
		}
	} else if title == "" {
		return fmt.Errorf("either --request or --title is required")
	}

	if enqueueRequest != "" {
		active, err := db.Jobs.HasActive(ctx, enqueueRequest, torrentID)
		if err != nil {
			return err
		}
		if active {
			fmt.Printf("An active job for torrent %s already exists.\n", torrentID)
			return nil
		}
	}

	job := store.NewJob(enqueueRequest, torrentID, title, mediaType)
	job.DLHash = strings.TrimSpace(enqueueDLHash)
	job.Message = "Queued"
	if err := db.Jobs.Create(ctx, job); err != nil {
		return err
	}

	logger.Info().Str("job_id", job.ID).Str("torrent_id", torrentID).Msg("Job queued")
	fmt.Printf("✓ Queued job %s\n", job.ID)
	return nil
}
