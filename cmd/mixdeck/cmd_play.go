/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/mixdeck/internal/audio"
	"github.com/friendsincode/mixdeck/internal/cache"
	"github.com/friendsincode/mixdeck/internal/engine"
	"github.com/friendsincode/mixdeck/internal/logging"
	"github.com/friendsincode/mixdeck/internal/media"
	"github.com/friendsincode/mixdeck/internal/project"
)

var (
	playSampleRate int
	playBufferMS   int
	playOffset     float64
	playLogLevel   string
	playQuiet      bool
)

var playCmd = &cobra.Command{
	Use:   "play <project.yaml | file...>",
	Short: "Play a project file or a set of audio files on the local speaker",
	Long: `Play audio through the default output device.

With a single .yaml/.yml argument the project file is loaded with its track
positions and mix. Otherwise every argument is a clip starting at 0s.

Examples:
  mixdeck play song.yaml
  mixdeck play drums.wav bass.flac vocals.mp3 --offset 30
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlay,
}

var probeCmd = &cobra.Command{
	Use:   "probe <file...>",
	Short: "Decode audio files and print their durations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProbe,
}

func init() {
	playCmd.Flags().IntVar(&playSampleRate, "sample-rate", 48000, "Mix sample rate in Hz")
	playCmd.Flags().IntVar(&playBufferMS, "buffer-ms", 100, "Speaker buffer size in milliseconds")
	playCmd.Flags().Float64Var(&playOffset, "offset", 0, "Start position in seconds")
	playCmd.Flags().StringVar(&playLogLevel, "log-level", "warn", "Log level")
	playCmd.Flags().BoolVarP(&playQuiet, "quiet", "q", false, "Do not print the running clock")
	probeCmd.Flags().IntVar(&playSampleRate, "sample-rate", 48000, "Sample rate to decode to")
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(probeCmd)
}

// clipsFromArgs reads a project file or turns plain paths into clips at 0s.
func clipsFromArgs(args []string) ([]engine.Track, error) {
	if len(args) == 1 {
		ext := strings.ToLower(filepath.Ext(args[0]))
		if ext == ".yaml" || ext == ".yml" {
			p, err := project.LoadFile(args[0])
			if err != nil {
				return nil, err
			}
			return p.Clips(), nil
		}
	}

	tracks := make([]engine.Track, 0, len(args))
	for _, arg := range args {
		ref, err := localRef(arg)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, engine.Track{
			ID:        uuid.NewString(),
			SourceRef: ref,
			Volume:    1,
		})
	}
	return tracks, nil
}

func localRef(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", arg, err)
	}
	return abs, nil
}

func runPlay(cmd *cobra.Command, args []string) error {
	log := logging.SetupWithLevel("development", playLogLevel, nil)

	tracks, err := clipsFromArgs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	decoded := cache.New(media.NewLocalService("", log), cache.Config{SampleRate: playSampleRate}, log)
	out := audio.NewSpeakerOutput(playSampleRate, time.Duration(playBufferMS)*time.Millisecond)
	ac, err := audio.NewContext(playSampleRate, out, log)
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	defer ac.Close()

	eng := engine.New(ac, decoded, log)
	defer eng.Close()

	durations := eng.PreloadTracks(ctx, tracks)
	if len(durations) == 0 {
		return errors.New("no playable tracks")
	}

	w := cmd.OutOrStdout()
	if !playQuiet {
		unsubscribe := eng.Subscribe(func(seconds float64) {
			fmt.Fprintf(w, "\r%s / %s ", formatClock(seconds), formatClock(eng.TotalDuration()))
		})
		defer unsubscribe()
	}

	if err := eng.Play(ctx, tracks, playOffset); err != nil {
		return err
	}
	return waitForEnd(ctx, eng, w)
}

func waitForEnd(ctx context.Context, eng *engine.Engine, w io.Writer) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			eng.Stop()
			fmt.Fprintln(w)
			return nil
		case <-ticker.C:
			if !eng.IsPlaying() {
				fmt.Fprintln(w)
				return nil
			}
		}
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	log := logging.SetupWithLevel("development", "error", nil)
	decoded := cache.New(media.NewLocalService("", log), cache.Config{SampleRate: playSampleRate}, log)

	var failed int
	for _, arg := range args {
		ref, err := localRef(arg)
		if err != nil {
			return err
		}
		buf, err := decoded.Load(cmd.Context(), ref)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", arg, err)
			continue
		}
		printProbe(cmd.OutOrStdout(), arg, buf, log)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to decode", failed, len(args))
	}
	return nil
}

func printProbe(w io.Writer, name string, buf *cache.Buffer, log zerolog.Logger) {
	log.Debug().Str("ref", buf.Ref).Int("frames", buf.Frames).Msg("probed")
	fmt.Fprintf(w, "%-40s %s  %6d Hz  %d ch  %d frames\n",
		name, formatClock(buf.Duration), buf.Source.SampleRate, buf.Source.NumChannels, buf.Frames)
}

// formatClock renders seconds as mm:ss.t
func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	tenths := int(seconds*10 + 0.5)
	return fmt.Sprintf("%02d:%02d.%d", tenths/600, (tenths/10)%60, tenths%10)
}
