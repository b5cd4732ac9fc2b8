// Command moviepipe-record wires MovieInput, MovieCache, and MovieOutput
// end to end: decode an asset, hold a rolling pre-roll window, and start
// writing a fragmented MP4 file after a configurable delay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/moviecache"
	"github.com/e7canasta/moviepipe/movieinput"
	"github.com/e7canasta/moviepipe/movieoutput"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

const version = "v0.1.0"

// Config holds the CLI's parsed flags.
type Config struct {
	AssetURI   string
	OutputPath string
	Width      int
	Height     int
	HasAudio   bool

	PreRollSeconds float64
	RecordAfter    time.Duration

	Debug bool
}

func main() {
	config := parseFlags()

	logLevel := slog.LevelInfo
	if config.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	printBanner(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, stopping gracefully")
		cancel()
	}()

	if err := run(ctx, config, logger); err != nil && err != context.Canceled {
		logger.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline stopped")
}

func parseFlags() Config {
	var config Config
	flag.StringVar(&config.AssetURI, "input", "", "input asset path or URI (required)")
	flag.StringVar(&config.OutputPath, "output", "recording.mp4", "output fragmented MP4 path")
	flag.IntVar(&config.Width, "width", 1280, "frame width")
	flag.IntVar(&config.Height, "height", 720, "frame height")
	flag.BoolVar(&config.HasAudio, "audio", false, "decode and mux an audio track")
	flag.Float64Var(&config.PreRollSeconds, "preroll", 2.0, "pre-roll window held before writing starts, seconds")
	var recordAfterSec float64
	flag.Float64Var(&recordAfterSec, "record-after", 2.0, "delay before StartWriting is triggered, seconds")
	flag.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if config.AssetURI == "" {
		fmt.Fprintln(os.Stderr, "error: -input is required")
		flag.Usage()
		os.Exit(1)
	}
	config.RecordAfter = time.Duration(recordAfterSec * float64(time.Second))
	return config
}

func run(ctx context.Context, config Config, logger *slog.Logger) error {
	decoder := mediacollab.NewGstAssetDecoder(mediacollab.GstDecoderConfig{
		Width:  config.Width,
		Height: config.Height,
	})

	input, err := movieinput.NewInput(movieinput.Config{
		AssetURI: config.AssetURI,
		Decoder:  decoder,
		HasAudio: config.HasAudio,
	})
	if err != nil {
		return fmt.Errorf("moviepipe-record: creating input: %w", err)
	}

	cache := moviecache.New(moviecache.Config{CacheBuffersDuration: config.PreRollSeconds})
	if err := cache.Start(); err != nil {
		return fmt.Errorf("moviepipe-record: starting cache: %w", err)
	}
	if err := cache.StartCaching(); err != nil {
		return fmt.Errorf("moviepipe-record: starting caching: %w", err)
	}

	writer := mediacollab.NewFMP4ContainerWriter(mediacollab.FMP4WriterConfig{
		OutputPath: config.OutputPath,
		Width:      config.Width,
		Height:     config.Height,
	})
	output, err := movieoutput.New(movieoutput.Config{
		Writer:    writer,
		Width:     config.Width,
		Height:    config.Height,
		HasAudio:  config.HasAudio,
		LiveVideo: true,
	})
	if err != nil {
		return fmt.Errorf("moviepipe-record: creating output: %w", err)
	}

	done := make(chan error, 1)
	input.SetCompletionHandler(func(err error) { done <- err })
	input.SetVideoSink(func(sb *samplebuffer.Buffer) {
		if pushErr := cache.PushVideoSample(sb); pushErr != nil {
			logger.Error("cache push failed", "error", pushErr)
		}
	})
	if config.HasAudio {
		input.SetAudioSink(func(sb *samplebuffer.Buffer) {
			if pushErr := cache.PushAudioSample(sb); pushErr != nil {
				logger.Error("cache push failed", "error", pushErr)
			}
		})
	}

	if err := input.Start(timestamp.Zero, timestamp.Zero, false); err != nil {
		return fmt.Errorf("moviepipe-record: starting input: %w", err)
	}
	logger.Info("decoding started", "asset", config.AssetURI)

	recordTimer := time.NewTimer(config.RecordAfter)
	defer recordTimer.Stop()
	drainTicker := time.NewTicker(time.Second / 40)
	defer drainTicker.Stop()

	// Output stays in the caching state while the pre-roll window fills;
	// StartWriting (below) only opens the underlying file once a recording
	// decision is actually made, per spec.md §4.3's optional-pre-recording
	// state.
	if err := output.StartCaching(); err != nil {
		return fmt.Errorf("moviepipe-record: starting output caching: %w", err)
	}

	writing := false
	for {
		select {
		case <-ctx.Done():
			input.Cancel()
			cache.CancelWriting()
			output.CancelRecording()
			return ctx.Err()

		case <-recordTimer.C:
			if !writing {
				if err := output.StartWriting(); err != nil {
					logger.Error("output StartWriting failed", "error", err)
					continue
				}
				if err := cache.StartWriting(output); err != nil {
					logger.Error("cache StartWriting failed", "error", err)
					continue
				}
				writing = true
				logger.Info("recording started, draining pre-roll")
			}

		case <-drainTicker.C:
			if writing {
				if _, err := cache.Drain(); err != nil {
					logger.Error("drain failed", "error", err)
				}
			}

		case err := <-done:
			if err != nil {
				logger.Error("decoding finished with error", "error", err)
			} else {
				logger.Info("decoding finished")
			}
			if writing {
				for cache.Len() > 0 {
					if _, drainErr := cache.Drain(); drainErr != nil {
						logger.Error("final drain failed", "error", drainErr)
						break
					}
				}
				duration, finishErr := output.FinishRecording(ctx)
				if finishErr != nil {
					return fmt.Errorf("moviepipe-record: finishing recording: %w", finishErr)
				}
				logger.Info("recording finished", "duration_seconds", duration, "output", config.OutputPath)
			}
			stats := output.Stats()
			logger.Info("final stats", "appended", stats.Appended, "dropped", stats.Dropped)
			return nil
		}
	}
}

func printBanner(config Config) {
	fmt.Println("moviepipe-record " + version)
	fmt.Printf("  input:    %s\n", config.AssetURI)
	fmt.Printf("  output:   %s\n", config.OutputPath)
	fmt.Printf("  size:     %dx%d\n", config.Width, config.Height)
	fmt.Printf("  audio:    %v\n", config.HasAudio)
	fmt.Printf("  preroll:  %.1fs\n", config.PreRollSeconds)
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println()
}
