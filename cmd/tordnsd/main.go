package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tordnsd/pkg/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type rootFlags struct {
	configPaths []string
	overrides   []string
	verbose     bool
	quiet       bool
}

func (f *rootFlags) sources() config.Sources {
	return config.Sources{Files: f.configPaths, Overrides: f.overrides}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := new(rootFlags)

	root := &cobra.Command{
		Use:   "tordnsd",
		Short: "DNS proxy that forwards queries through Tor or directly, per domain.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringArrayVarP(&f.configPaths, "config", "c", []string{"config.yml"},
		"configuration file; repeat to layer several files in order")
	pf.StringArrayVar(&f.overrides, "set", nil,
		"override a setting after the files are loaded, e.g. --set cache.ttl=0")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "log errors only")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(newCheckConfigCmd(f), newVersionCmd())
	return root
}

func newCheckConfigCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration files and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, skipped, err := loadConfig(f)
			if err != nil {
				return err
			}
			for _, se := range skipped {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipped %v\n", se)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"configuration OK: %d filter rules, %d remap rules, tunnel enabled=%t\n",
				len(cfg.Filters), len(cfg.Remap.Rules), cfg.Tunnel.Enabled)
			if len(skipped) > 0 {
				return fmt.Errorf("%d configuration source(s) skipped", len(skipped))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tordnsd %s (built %s)\n", version, buildTime)
		},
	}
}

// loadConfig assembles the configuration from the flags and applies the
// verbosity overrides. Sources that failed to load are returned, not fatal.
func loadConfig(f *rootFlags) (*config.Config, []*config.SourceError, error) {
	cfg, skipped := f.sources().Load()
	if err := applyVerbosity(cfg, f); err != nil {
		return nil, nil, err
	}
	return cfg, skipped, nil
}

func applyVerbosity(cfg *config.Config, f *rootFlags) error {
	switch {
	case f.verbose && f.quiet:
		return errors.New("--verbose and --quiet are mutually exclusive")
	case f.verbose:
		cfg.Logging.Level = "debug"
	case f.quiet:
		cfg.Logging.Level = "error"
	}
	return nil
}
