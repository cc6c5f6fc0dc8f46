package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/orchestrator"
)

// testCmd checks connectivity to every external dependency
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connections to the torrent client, MyAnonamouse and ffmpeg",
	RunE:  runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	failed := 0

	fmt.Printf("Testing %s connection...\n", cfg.Client.Type)
	client, err := orchestrator.NewTorrentClient(cfg.Client, logger)
	if err == nil {
		err = client.TestConnection(ctx)
	}
	if err != nil {
		fmt.Printf("✗ Torrent client: %v\n", err)
		failed++
	} else {
		fmt.Printf("✓ Connected to %s\n", client.Name())
	}

	fmt.Println("Testing MyAnonamouse session...")
	if cfg.Tracker.SessionID == "" {
		fmt.Println("✗ MyAnonamouse: session id not configured")
		failed++
	} else {
		tr, err := orchestrator.NewTracker(cfg.Tracker, logger)
		if err == nil {
			_, err = tr.Search(ctx, "the", 1)
		}
		if err != nil {
			fmt.Printf("✗ MyAnonamouse: %v\n", err)
			failed++
		} else {
			fmt.Println("✓ MyAnonamouse search works")
		}
	}

	fmt.Println("Looking for ffmpeg...")
	ffmpeg := cfg.PostProcess.FFmpegPath
	if ffmpeg == "" {
		fmt.Println("- ffmpeg disabled (postprocess.ffmpeg_path is empty)")
	} else if path, err := exec.LookPath(ffmpeg); err != nil {
		fmt.Printf("✗ ffmpeg: %v (merging and tagging will be skipped)\n", err)
	} else {
		fmt.Printf("✓ ffmpeg found at %s\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
