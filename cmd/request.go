package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0up4200/mamlarr/store"
)

var (
	requestTitle          string
	requestAuthors        []string
	requestNarrators      []string
	requestASIN           string
	requestCover          string
	requestPublishDate    string
	requestSeries         string
	requestSeriesPosition string
	requestMediaType      string
	requestUnavailable    bool
)

// requestCmd groups media request commands
var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Manage media requests",
}

// requestAddCmd stores a new media request
var requestAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a media request",
	Long: `Add a wishlist entry. Requests marked --unavailable are searched for on
MyAnonamouse by the retry sweep and queued once a torrent shows up.`,
	RunE: runRequestAdd,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.AddCommand(requestAddCmd)

	requestAddCmd.Flags().StringVarP(&requestTitle, "title", "t", "", "book title")
	requestAddCmd.Flags().StringSliceVarP(&requestAuthors, "author", "a", nil, "author (repeatable)")
	requestAddCmd.Flags().StringSliceVar(&requestNarrators, "narrator", nil, "narrator (repeatable)")
	requestAddCmd.Flags().StringVar(&requestASIN, "asin", "", "Audible ASIN")
	requestAddCmd.Flags().StringVar(&requestCover, "cover", "", "cover image URL")
	requestAddCmd.Flags().StringVar(&requestPublishDate, "publish-date", "", "publication date")
	requestAddCmd.Flags().StringVar(&requestSeries, "series", "", "series name")
	requestAddCmd.Flags().StringVar(&requestSeriesPosition, "series-position", "", "position in the series")
	requestAddCmd.Flags().StringVar(&requestMediaType, "media-type", string(store.MediaAudiobook), "audiobook or ebook")
	requestAddCmd.Flags().BoolVar(&requestUnavailable, "unavailable", true, "let the retry sweep search for it")

	_ = requestAddCmd.MarkFlagRequired("title")
}

func runRequestAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	title := strings.TrimSpace(requestTitle)
	if title == "" {
		return fmt.Errorf("title is required")
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	req := store.NewMediaRequest(title, requestAuthors, store.ParseMediaType(requestMediaType))
	req.Narrators = requestNarrators
	req.ASIN = requestASIN
	req.CoverURL = requestCover
	req.PublishDate = requestPublishDate
	req.Series = requestSeries
	req.SeriesPosition = requestSeriesPosition
	req.Unavailable = requestUnavailable

	if err := db.Requests.Create(ctx, req); err != nil {
		return err
	}

	logger.Info().Str("request_id", req.ID).Str("title", req.Title).Msg("Request added")
	fmt.Printf("✓ Added request %s\n", req.ID)
	return nil
}
