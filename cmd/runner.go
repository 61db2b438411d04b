package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/embedding"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// addFinderFlags registers the configuration overrides shared by the run
// commands. Flags win over the environment and the config file.
func addFinderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("archive", nil, "Archive root directory (repeatable, replaces the configured archives)")
	f.String("output", "", "Output directory for copied photos")
	f.StringArray("person", nil, `Person to look for as "Name=reference photo or folder" (repeatable)`)
	f.String("model", "", "Face embedding model")
	f.String("detector", "", "Face detector backend")
	f.String("metric", "", "Distance metric: cosine, euclidean or euclidean_l2")
	f.Float64("max-distance", 0, "Maximum distance for a match")
	f.Duration("checkpoint-interval", 0, "Time between periodic store checkpoints")
	f.String("embedding-url", "", "Face embedding server URL")
	f.Bool("json", false, "Print the run report as JSON")
}

// loadConfig loads the configuration and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("archive") {
		cfg.Finder.Archives = mustGetStringSlice(cmd, "archive")
	}
	if flags.Changed("output") {
		cfg.Finder.OutputDir = mustGetString(cmd, "output")
	}
	if flags.Changed("person") {
		people, err := parsePeople(mustGetStringArray(cmd, "person"))
		if err != nil {
			return nil, err
		}
		cfg.Finder.People = append(cfg.Finder.People, people...)
	}
	if flags.Changed("model") {
		cfg.Finder.Model = mustGetString(cmd, "model")
	}
	if flags.Changed("detector") {
		cfg.Finder.Detector = mustGetString(cmd, "detector")
	}
	if flags.Changed("metric") {
		cfg.Finder.Metric = mustGetString(cmd, "metric")
	}
	if flags.Changed("max-distance") {
		cfg.Finder.MaxDistance = mustGetFloat64(cmd, "max-distance")
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Finder.CheckpointInterval = mustGetDuration(cmd, "checkpoint-interval")
	}
	if flags.Changed("embedding-url") {
		cfg.Embedding.URL = mustGetString(cmd, "embedding-url")
	}
	return cfg, nil
}

// parsePeople parses "Name=path" pairs. The same name may appear several times.
func parsePeople(values []string) ([]config.Person, error) {
	people := make([]config.Person, 0, len(values))
	for _, v := range values {
		name, ref, ok := strings.Cut(v, "=")
		name, ref = strings.TrimSpace(name), strings.TrimSpace(ref)
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("%w: --person %q: expected Name=path", config.ErrConfiguration, v)
		}
		people = append(people, config.Person{Name: name, References: []string{ref}})
	}
	return people, nil
}

// newEmbeddingClient creates the face embedding client for cfg.
func newEmbeddingClient(cfg *config.Config) *embedding.Client {
	return embedding.NewClient(cfg.Embedding.URL, cfg.Finder.Model, cfg.Finder.Detector, cfg.Embedding.Timeout)
}

// newFinder wires the embedding client into a run worker.
func newFinder(cfg *config.Config, log logr.Logger) (*finder.Runner, *embedding.Client) {
	client := newEmbeddingClient(cfg)
	svc := embedding.NewService(client, cfg.Embedding.MaxImageSize, log.WithName("embedding"))
	return finder.New(svc, log.WithName("finder")), client
}

// runOptions are the per-command knobs of executeRun.
type runOptions struct {
	retryFailed bool
	approx      bool
}

// executeRun runs one mode in the foreground. Ctrl+C sets the cancellation
// signal; the worker stops at the next file and checkpoints before returning.
func executeRun(cmd *cobra.Command, mode config.Mode, opts runOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jsonOutput := mustGetBool(cmd, "json")
	log := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, client := newFinder(cfg, log)
	if err := checkEmbeddingServer(ctx, client); err != nil {
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
	if jsonOutput {
		bar = progressbar.DefaultSilent(-1)
	}

	report, err := runner.Run(ctx, finder.Request{
		Mode:        mode,
		Config:      cfg.Finder,
		RetryFailed: opts.retryFailed,
		Approx:      opts.approx,
		OnEvent: func(e finder.Event) {
			switch e.Type {
			case finder.EventHit:
				_ = bar.Clear()
				if !jsonOutput {
					fmt.Printf("  %s: %s (distance %.4f)\n", e.Hit.Person, e.Hit.Identity, e.Hit.Distance)
				}
			case finder.EventStatus:
				_ = bar.Clear()
				if !jsonOutput {
					fmt.Println(e.Message)
				}
			case finder.EventProgress:
				bar.Describe(e.Message)
				_ = bar.Add(1)
			}
		},
	})
	_ = bar.Finish()

	if report != nil {
		if jsonOutput {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if encErr := encoder.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			printReport(report, cfg)
		}
	}
	return err
}

// checkEmbeddingServer fails early when the embedding server is unreachable.
func checkEmbeddingServer(ctx context.Context, client *embedding.Client) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Health(hctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("embedding server not reachable: %w", err)
	}
	return nil
}
