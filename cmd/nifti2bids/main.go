package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nifti2bids/pkg/bids"
	"nifti2bids/pkg/config"
)

const envPrefix = "NIFTI2BIDS"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags can also be given as
// NIFTI2BIDS_<FLAG> environment variables, e.g. NIFTI2BIDS_TARGET_ROOT.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "nifti2bids <session> <subject>",
		Short: "Lay out a dcm2niix session as a BIDS subject",
		Long: `Creates <target-root>/sub-<subject> with anat, func, dwi, fmap and perf
directories and links every recognized series of <source-root>/<session>
into it under its BIDS name.

Functional and field map sidecars are rewritten with TaskName and
IntendedFor. The b=0 volumes of the reverse phase-encoded diffusion
series are written out as the spin-echo field map.

Example:
  nifti2bids 2021_03_04_S12 12`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd.OutOrStdout(), v, args[0], args[1])
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "nifti2bids.yaml", "Configuration file (defaults are used when it does not exist)")
	flags.String("source-root", "", "Directory holding one dcm2niix output directory per session")
	flags.String("target-root", "", "BIDS dataset root")
	flags.Bool("absolute-links", false, "Link to absolute source paths instead of relative ones")
	flags.Bool("dry-run", false, "Print what would be placed without touching the target tree")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	_ = v.BindPFlags(flags)

	rootCmd.AddCommand(newConfigCmd(v))
	return rootCmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})
	return configCmd
}

// loadConfig reads the config file and applies flag and environment overrides
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}

	if v.IsSet("source-root") {
		cfg.Layout.SourceRoot = v.GetString("source-root")
	}
	if v.IsSet("target-root") {
		cfg.Layout.TargetRoot = v.GetString("target-root")
	}
	if v.GetBool("absolute-links") {
		cfg.Layout.RelativeLinks = false
	}
	if v.GetBool("verbose") {
		cfg.Output.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func runConvert(out io.Writer, v *viper.Viper, session, subject string) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dryRun := v.GetBool("dry-run")
	fs := afero.NewOsFs()
	var placer bids.Placer = bids.NewFSPlacer(fs)
	var recorder *bids.RecordingPlacer
	if dryRun {
		recorder = bids.NewDryRunPlacer(fs)
		placer = recorder
	}

	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "DCM2NIIX SESSION TO BIDS SUBJECT")
	fmt.Fprintln(out, "================================")
	fmt.Fprintf(out, "Session: %s\nSubject: %s\n", session, subject)
	fmt.Fprintf(out, "Source:  %s\nTarget:  %s\n\n", cfg.Layout.SourceRoot, cfg.Layout.TargetRoot)

	builder := bids.NewBuilder(&bids.Params{
		Config: cfg,
		Source: fs,
		Placer: placer,
		Logger: logger,
	})

	startTime := time.Now()
	report, err := builder.Process(session, subject)
	if report != nil {
		printReport(out, report)
	}
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	if dryRun {
		fmt.Fprintln(out, "\nDry run, nothing was written. Planned operations:")
		for _, op := range recorder.Ops() {
			switch op.Kind {
			case bids.OpLink:
				fmt.Fprintf(out, "  %-5s %s -> %s\n", op.Kind, op.Path, op.Target)
			case bids.OpWrite:
				fmt.Fprintf(out, "  %-5s %s (%d bytes)\n", op.Kind, op.Path, len(op.Data))
			default:
				fmt.Fprintf(out, "  %-5s %s\n", op.Kind, op.Path)
			}
		}
	}

	fmt.Fprintf(out, "\nConversion completed in %.2f seconds\n", time.Since(startTime).Seconds())
	return nil
}

func printReport(out io.Writer, report *bids.Report) {
	fmt.Fprintf(out, "Entries placed under %s:\n", report.SubjectDir)
	for _, e := range report.Entries {
		written := 0
		for _, f := range e.Files {
			if f.Written() {
				written++
			}
		}
		fmt.Fprintf(out, "- %s/%s (%d files, %d written)\n", e.Category.Dir(), e.BaseName, len(e.Files), written)
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintln(out, "\nSkipped series:")
		for _, s := range report.Skipped {
			fmt.Fprintf(out, "- %s: %q (%s)\n", s.Sidecar, s.Label, s.Reason)
		}
	}
}
