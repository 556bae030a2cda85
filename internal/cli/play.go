package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/playback"
	"github.com/treefix50/watchguard/internal/player"
	"github.com/treefix50/watchguard/internal/progress"
)

const (
	playTick        = 250 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

type playFlags struct {
	quality string
	speed   float64
	limit   time.Duration
}

// playResult is what play prints when it stops.
type playResult struct {
	VideoID   string         `json:"videoId"`
	Quality   string         `json:"quality"`
	Time      float64        `json:"time"`
	Watermark float64        `json:"watermark"`
	Ended     bool           `json:"ended"`
	Stats     playback.Stats `json:"stats"`
}

func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &playFlags{}
	cmd := &cobra.Command{
		Use:   "play <video-id>",
		Short: "Watch a video headlessly against the progress service",
		Long: `Play a video from the progress service with a simulated player. Playback
resumes from the saved position, progress is saved on the flush interval and
when the process is interrupted (SIGINT/SIGTERM) or hung up (SIGHUP).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.speed <= 0 {
				return NewExitError(ExitCommandError, "--speed must be positive")
			}
			return runPlay(cmd, rootOpts, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.quality, "quality", "", "initial rendition (default player.default_quality)")
	cmd.Flags().Float64Var(&flags.speed, "speed", 1, "media seconds played per wall-clock second")
	cmd.Flags().DurationVar(&flags.limit, "for", 0, "stop after this much wall-clock time (0 plays to the end)")
	return cmd
}

func runPlay(cmd *cobra.Command, o *RootOptions, videoID string, flags *playFlags) error {
	cfg := o.Config.Player
	client, err := newClient(cmd.Context(), o)
	if err != nil {
		return err
	}
	summary, err := findVideo(cmd.Context(), client, videoID)
	if err != nil {
		return err
	}

	quality := flags.quality
	if quality == "" {
		quality = cfg.DefaultQuality
	}

	sim := player.NewSim(player.WithDuration(summary.Duration))
	loop := playback.NewLoop()
	session := playback.NewSession(sim, client,
		playback.WithLoop(loop),
		playback.WithLogger(o.Logger),
		playback.WithTelemetry(o.Telemetry),
		playback.WithLifecycle(playback.NewSignalLifecycle()),
		playback.WithDefaultQuality(quality),
		playback.WithGuardOptions(playback.WithTolerance(cfg.Tolerance)),
		playback.WithSyncOptions(
			playback.WithFlushInterval(cfg.FlushInterval),
			playback.WithRequestTimeout(cfg.RequestTimeout),
			playback.WithRequirePlaying(cfg.RequirePlaying),
		),
	)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(context.Background())
	}()
	defer func() {
		loop.Close()
		<-loopDone
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.limit)
		defer cancel()
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	var loadErr error
	if err := loop.Do(ctx, func() {
		sim.On(playback.EventEnded, func(playback.Event) { endOnce.Do(func() { close(ended) }) })
		if loadErr = session.Load(summary.Video()); loadErr == nil {
			session.Play()
		}
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return WrapExitError(ExitCommandError, "load video", loadErr)
	}

	step := playTick.Seconds() * flags.speed
	ticker := time.NewTicker(playTick)
	defer ticker.Stop()
	finished := false
	for !finished {
		select {
		case <-ticker.C:
			if err := loop.Do(ctx, func() { sim.Advance(step) }); err != nil {
				finished = true
			}
		case <-ended:
			finished = true
		case <-ctx.Done():
			finished = true
		}
	}

	result := playResult{VideoID: summary.VideoID}
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := loop.Do(closeCtx, func() {
		result.Quality = session.Quality()
		result.Time = session.CurrentTime()
		result.Watermark = session.Guard().Watermark()
		result.Stats = session.Stats()
		session.Close()
	}); err != nil {
		return err
	}
	if err := session.Synchronizer().Wait(closeCtx); err != nil {
		o.Logger.Warn("progress flush did not finish", "video", videoID, "err", err)
	}
	select {
	case <-ended:
		result.Ended = true
	default:
	}

	if o.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	state := "stopped"
	if result.Ended {
		state = "finished"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s (furthest %s, %d blocked seeks)\n",
		state, result.VideoID, formatSeconds(result.Time), formatSeconds(result.Watermark), result.Stats.Blocked)
	return err
}

func findVideo(ctx context.Context, client *progress.Client, videoID string) (progress.VideoSummary, error) {
	videos, err := client.Videos(ctx)
	if err != nil {
		return progress.VideoSummary{}, WrapExitError(ExitCommandError, "list videos", err)
	}
	for _, v := range videos {
		if v.VideoID == videoID {
			return v, nil
		}
	}
	return progress.VideoSummary{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown video %q", videoID))
}
