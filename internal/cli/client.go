package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/progress"
)

// newClient builds a progress service client from the client config and logs
// in when credentials are configured but no token is.
func newClient(ctx context.Context, o *RootOptions) (*progress.Client, error) {
	cfg := o.Config.Client
	client := progress.NewClient(cfg.ServerURL,
		progress.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		progress.WithToken(cfg.Token),
		progress.WithClientTelemetry(o.Telemetry),
	)
	if cfg.Token == "" && cfg.Username != "" {
		session, err := client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "login", err)
		}
		o.Logger.Debug("logged in", "user", session.Username, "expires", session.ExpiresAt)
	}
	return client, nil
}

func NewVideosCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "videos",
		Short: "List the library with saved positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVideos(cmd, rootOpts)
		},
	}
}

func runVideos(cmd *cobra.Command, o *RootOptions) error {
	client, err := newClient(cmd.Context(), o)
	if err != nil {
		return err
	}
	videos, err := client.Videos(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "list videos", err)
	}
	if o.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), videos)
	}

	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		qualities := make([]string, 0, len(v.Qualities))
		for _, q := range v.Qualities {
			qualities = append(qualities, q.Value)
		}
		rows = append(rows, []string{
			v.VideoID,
			v.Title,
			formatSeconds(v.Duration),
			strings.Join(qualities, ","),
			formatSeconds(v.TimeStamp),
		})
	}
	return writeTable(cmd.OutOrStdout(), []string{"ID", "TITLE", "DURATION", "QUALITIES", "SAVED"}, rows)
}

func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Read or write a saved position",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <video-id>",
		Short: "Show the saved position of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgressGet(cmd, rootOpts, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <video-id> <seconds>",
		Short: "Save a position for a video",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseFloat(args[1], 64)
			if err != nil || seconds < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid position %q", args[1]))
			}
			return runProgressSet(cmd, rootOpts, args[0], seconds)
		},
	})
	return cmd
}

func runProgressGet(cmd *cobra.Command, o *RootOptions, videoID string) error {
	client, err := newClient(cmd.Context(), o)
	if err != nil {
		return err
	}
	entry, err := client.Progress(cmd.Context(), videoID)
	if err != nil {
		var se *progress.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return NewExitError(ExitFailure, fmt.Sprintf("no saved progress for %s", videoID))
		}
		return WrapExitError(ExitCommandError, "get progress", err)
	}
	if o.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), entry)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s (%ss)\tupdated %s\n",
		entry.VideoID, formatSeconds(entry.TimeStamp), formatFloat(entry.TimeStamp), entry.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return err
}

func runProgressSet(cmd *cobra.Command, o *RootOptions, videoID string, seconds float64) error {
	client, err := newClient(cmd.Context(), o)
	if err != nil {
		return err
	}
	if err := client.SaveProgress(cmd.Context(), videoID, seconds); err != nil {
		return WrapExitError(ExitCommandError, "save progress", err)
	}
	if o.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), progress.Update{VideoID: videoID, TimeStamp: seconds})
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %s at %ss\n", videoID, formatFloat(seconds))
	return err
}
