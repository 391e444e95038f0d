package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesyncim/studio"
)

var (
	recordDuration time.Duration
	recordSources  string
	recordOut      string
	screenAt       time.Duration
	screenFor      time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the configured devices",
	Long: `Record starts a session on the given sources and stops after --duration
or on interrupt. With --screen-at the screen is added mid-recording, and
removed again after --screen-for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		return record(cmd.Context(), cfg, log)
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 10*time.Second, "recording length")
	recordCmd.Flags().StringVar(&recordSources, "sources", "camera,microphone", "comma separated sources to start with")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "", "artifact path (default <session-id>.rtpdump)")
	recordCmd.Flags().DurationVar(&screenAt, "screen-at", 0, "add the screen after this long")
	recordCmd.Flags().DurationVar(&screenFor, "screen-for", 0, "remove the screen again after this long")
}

func record(ctx context.Context, cfg *studio.Config, log *zap.Logger) error {
	kinds, err := parseSources(recordSources)
	if err != nil {
		return err
	}
	rc, err := cfg.RecorderConfig()
	if err != nil {
		return err
	}
	reg, err := studio.NewRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	p, err := studio.NewDeviceProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, studio.DeviceProviders())
	}

	rec := studio.NewRecorder(ctx, p, rc, studio.WithLogger(log), studio.WithRegistry(reg))
	caps := rec.Capabilities()
	for _, w := range caps.Warnings {
		log.Warn("probe", zap.String("warning", w))
	}
	rec.OnChange(func(s studio.Snapshot) {
		if s.Error != nil {
			log.Debug("recorder error", zap.Stringer("state", s.State), zap.Error(s.Error))
		}
	})

	if err := rec.Start(ctx, kinds...); err != nil && studio.Classify(err) != studio.ClassFallback {
		return fmt.Errorf("start: %w", err)
	}
	id := rec.Snapshot().CurrentSession.ID
	fmt.Printf("recording %s (%s)\n", id, caps.SuggestedFormat)

	deadline := time.NewTimer(recordDuration)
	defer deadline.Stop()
	addScreen := timerOrNil(screenAt)
	var removeScreen <-chan time.Time

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			break loop
		case <-addScreen:
			addScreen = nil
			if err := rec.AddSource(ctx, studio.SourceKindScreen); err != nil {
				log.Warn("add screen", zap.Error(err))
			}
			removeScreen = timerOrNil(screenFor)
		case <-removeScreen:
			removeScreen = nil
			if err := rec.RemoveSource(ctx, studio.SourceKindScreen); err != nil {
				log.Warn("remove screen", zap.Error(err))
			}
		}
		if rec.Snapshot().State == studio.StateError {
			break
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.Stop(stopCtx); err != nil && !errors.Is(err, studio.ErrNotRecording) {
		return fmt.Errorf("stop: %w", err)
	}

	artifact, err := rec.ExportSession(id)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if recordOut == "" {
		recordOut = id + ".rtpdump"
	}
	if err := os.WriteFile(recordOut, artifact, 0o644); err != nil {
		return err
	}
	if err := rec.SaveSession(stopCtx, id); err != nil {
		log.Warn("session not saved", zap.Error(err))
	}

	snap := rec.Snapshot()
	fmt.Printf("wrote %s: %s, %d segments, %d restarts, %d bytes\n",
		recordOut,
		snap.CurrentSession.TotalDuration.Round(time.Millisecond),
		snap.RecordingStats.SegmentCount,
		snap.RecordingStats.Restarts,
		len(artifact))
	return nil
}

func parseSources(s string) ([]studio.SourceKind, error) {
	var kinds []studio.SourceKind
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, err := studio.ParseSourceKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func timerOrNil(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
