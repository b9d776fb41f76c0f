package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
)

const (
	defaultFewShotPath           = "data/raw/few_shot_2_each.xlsx"
	defaultSyntheticOutputPath   = "data/processed/synthetic_news.xlsx"
	defaultGeneratedOutputPath   = "data/processed/generated_news.xlsx"
	defaultBaseTemperature       = 1.2
	defaultAdditionalTemperature = 1.5
)

var (
	configFile string
	skipWarmup bool
	noProgress bool
	dryRun     bool
	debugMode  bool
)

// newChatClient is swapped out in tests.
var newChatClient = NewChatClient

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "news-synth",
		Short:         "Synthetic financial news dataset generator",
		Long:          `Generates synthetic financial news with an LLM chat endpoint and expands each item into short, medium and long rewrites.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(cmd.ErrOrStderr(), debugMode)
			if err := gotenv.Load(); err != nil {
				log.Debug().Msg("No .env file found, using OS environment")
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath, "Path to config.yml")
	root.PersistentFlags().BoolVar(&skipWarmup, "skip-warmup", false, "Disable the warm-up request")
	root.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Validate paths and arguments without calling the LLM API")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	root.AddCommand(newGenerateBaseCmd(), newGenerateAdditionalCmd(), newGenerateAllCmd(), newInitCmd())
	return root
}

func newGenerateBaseCmd() *cobra.Command {
	var (
		fewShot     string
		output      string
		temperature float64
	)
	cmd := &cobra.Command{
		Use:   "generate-base",
		Short: "Generate the base synthetic news dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				if err := validateRun([]string{fewShot}, []string{output}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run OK. mode=base few_shot=%s output=%s\n", fewShot, output)
				return nil
			}

			r, err := newRunner(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = r.processor.RunBase(cmd.Context(), fewShot, output, temperature)
			return err
		},
	}
	cmd.Flags().StringVar(&fewShot, "few-shot", defaultFewShotPath, "Path to the few-shot examples table")
	cmd.Flags().StringVar(&output, "output", defaultSyntheticOutputPath, "Base output table path")
	cmd.Flags().Float64Var(&temperature, "temperature", defaultBaseTemperature, "Sampling temperature")
	return cmd
}

func newGenerateAdditionalCmd() *cobra.Command {
	var (
		input       string
		output      string
		temperature float64
	)
	cmd := &cobra.Command{
		Use:   "generate-additional",
		Short: "Expand a base dataset into short, medium and long rewrites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				if err := validateRun([]string{input}, []string{output}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run OK. mode=additional input=%s output=%s\n", input, output)
				return nil
			}

			r, err := newRunner(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			_, err = r.processor.RunAdditional(cmd.Context(), input, output, temperature)
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", defaultSyntheticOutputPath, "Base dataset to expand")
	cmd.Flags().StringVar(&output, "output", defaultGeneratedOutputPath, "Additional output table path")
	cmd.Flags().Float64Var(&temperature, "temperature", defaultAdditionalTemperature, "Sampling temperature")
	return cmd
}

func newGenerateAllCmd() *cobra.Command {
	var (
		fewShot               string
		baseOutput            string
		additionalInput       string
		additionalOutput      string
		baseTemperature       float64
		additionalTemperature float64
	)
	cmd := &cobra.Command{
		Use:   "generate-all",
		Short: "Run base and additional generation back to back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if additionalInput == "" {
				additionalInput = baseOutput
			}

			if dryRun {
				// The additional input may be produced by the base stage of this run.
				inputs := []string{fewShot}
				if additionalInput != baseOutput {
					inputs = append(inputs, additionalInput)
				}
				if err := validateRun(inputs, []string{baseOutput, additionalOutput}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Dry run OK. mode=all few_shot=%s base_output=%s additional_input=%s additional_output=%s\n",
					fewShot, baseOutput, additionalInput, additionalOutput)
				return nil
			}

			r, err := newRunner(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if _, err := r.processor.RunBase(cmd.Context(), fewShot, baseOutput, baseTemperature); err != nil {
				return err
			}
			_, err = r.processor.RunAdditional(cmd.Context(), additionalInput, additionalOutput, additionalTemperature)
			return err
		},
	}
	cmd.Flags().StringVar(&fewShot, "few-shot", defaultFewShotPath, "Path to the few-shot examples table")
	cmd.Flags().StringVar(&baseOutput, "base-output", defaultSyntheticOutputPath, "Base output table path")
	cmd.Flags().StringVar(&additionalInput, "additional-input", "", "Input for additional generation (defaults to --base-output)")
	cmd.Flags().StringVar(&additionalOutput, "additional-output", defaultGeneratedOutputPath, "Additional output table path")
	cmd.Flags().Float64Var(&baseTemperature, "base-temperature", defaultBaseTemperature, "Base generation temperature")
	cmd.Flags().Float64Var(&additionalTemperature, "additional-temperature", defaultAdditionalTemperature, "Additional generation temperature")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default config and prompt templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "configs"
			if len(args) > 0 {
				dir = args[0]
			}
			created, err := ensureConfigExists(dir)
			for _, path := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			}
			return err
		},
	}
}

// runner holds everything a generate command needs, built from the config file
type runner struct {
	generator *TextGenerator
	processor *DatasetProcessor
}

func newRunner(progressOut io.Writer) (*runner, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	client, err := newChatClient(cfg.Settings)
	if err != nil {
		return nil, &ConfigError{Path: cfg.Path, Err: err}
	}

	generator := NewTextGenerator(client, GenerationSettingsFrom(cfg.Settings))
	if noProgress {
		progressOut = nil
	}
	r := &runner{
		generator: generator,
		processor: NewDatasetProcessor(cfg, generator, progressOut),
	}
	// Inputs are read and prompts assembled before the processor warms up.
	r.processor.SetWarmup(r.warmup)
	return r, nil
}

func (r *runner) warmup(ctx context.Context) error {
	if skipWarmup {
		return nil
	}
	log.Info().Str("model", r.generator.Model()).Msg("→ Warming up")
	result := r.generator.Warmup(ctx)
	if err := result.Err(); err != nil {
		return err
	}
	log.Info().
		Str("outcome", result.Outcome.String()).
		Str("model", result.Model).
		Str("reply", result.Reply).
		Msg("✓ Warm-up completed")
	return nil
}

// validateRun checks the config and that inputs exist and every path has a supported format
func validateRun(inputs, outputs []string) error {
	if _, err := LoadConfig(configFile); err != nil {
		return err
	}

	store := NewTableStore()
	var errs []error
	for _, path := range inputs {
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("input %s: %w", path, err))
		} else if !store.Supports(path) {
			errs = append(errs, fmt.Errorf("input %s: unsupported format", path))
		}
	}
	for _, path := range outputs {
		if !store.Supports(path) {
			errs = append(errs, fmt.Errorf("output %s: unsupported format", path))
		}
	}
	return errors.Join(errs...)
}

func setupLogger(out io.Writer, debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
