package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"localci/internal/config"
	"localci/internal/runner"
)

var errPipelineFailed = errors.New("pipeline failed")

type runFlags struct {
	cwd       string
	preview   bool
	list      bool
	variables []string
}

func newRootCmd() *cobra.Command {
	var f runFlags
	cfg := config.Default("")

	cmd := &cobra.Command{
		Use:           "localci [job...]",
		Short:         "Run GitLab CI pipelines on the local machine",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := loadConfig(cmd.Flags(), cfg, f)
			if err != nil {
				return err
			}
			resolved.Jobs = args
			logger, err := config.NewLogger(resolved.LogLevel, resolved.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			r := runner.New(resolved, logger, runner.WithOutput(cmd.OutOrStdout()))
			switch {
			case f.preview:
				return r.Preview(cmd.Context(), cmd.OutOrStdout())
			case f.list:
				return r.List(cmd.Context(), cmd.OutOrStdout())
			}
			sum, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			if sum != nil && sum.Failed {
				return errPipelineFailed
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.cwd, "cwd", ".", "project directory")
	fl.BoolVar(&f.preview, "preview", false, "print the resolved pipeline and exit")
	fl.BoolVar(&f.list, "list", false, "list jobs and exit")
	fl.StringArrayVar(&f.variables, "variable", nil, "extra variable as KEY=VALUE, repeatable")
	fl.StringVar(&cfg.File, "file", cfg.File, "pipeline file relative to the project")
	fl.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for caches, artifacts and logs")
	fl.BoolVar(&cfg.Needs, "needs", false, "also run the jobs the named jobs depend on")
	fl.BoolVar(&cfg.ShellIsolation, "shell-isolation", false, "run shell jobs in a copy of the project")
	fl.StringVar(&cfg.PullPolicy, "pull-policy", cfg.PullPolicy, "image pull policy: always, if-not-present or never")
	fl.StringVar(&cfg.ContainerExecutable, "container-executable", cfg.ContainerExecutable, "docker compatible client")
	fl.BoolVar(&cfg.MountCache, "mount-cache", false, "bind mount caches into containers")
	fl.StringVar(&cfg.CAFile, "ca-file", "", "CA certificate mounted into containers")
	fl.StringVar(&cfg.MACAddress, "mac-address", "", "MAC address for containers")
	fl.IntVar(&cfg.Concurrency, "concurrency", 0, "maximum jobs in flight, 0 for no limit")
	fl.DurationVar(&cfg.DefaultTimeout, "timeout", 0, "timeout for jobs without timeout:")
	fl.StringSliceVar(&cfg.Manual, "manual", nil, "manual jobs to run")
	fl.StringVar(&cfg.MetricsFile, "metrics-file", "", "write prometheus metrics to this file")
	fl.BoolVar(&cfg.Journal, "journal", false, "append job outcomes to the journal")
	fl.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fl.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	cmd.AddCommand(newJournalCmd())
	return cmd
}

// loadConfig layers defaults, the settings file and the environment, then
// the flags the user actually set.
func loadConfig(fs *pflag.FlagSet, flags *config.Config, f runFlags) (*config.Config, error) {
	dir, err := filepath.Abs(f.cwd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	override := map[string]func(){
		"file":                 func() { cfg.File = flags.File },
		"state-dir":            func() { cfg.StateDir = flags.StateDir },
		"needs":                func() { cfg.Needs = flags.Needs },
		"shell-isolation":      func() { cfg.ShellIsolation = flags.ShellIsolation },
		"pull-policy":          func() { cfg.PullPolicy = flags.PullPolicy },
		"container-executable": func() { cfg.ContainerExecutable = flags.ContainerExecutable },
		"mount-cache":          func() { cfg.MountCache = flags.MountCache },
		"ca-file":              func() { cfg.CAFile = flags.CAFile },
		"mac-address":          func() { cfg.MACAddress = flags.MACAddress },
		"concurrency":          func() { cfg.Concurrency = flags.Concurrency },
		"timeout":              func() { cfg.DefaultTimeout = flags.DefaultTimeout },
		"manual":               func() { cfg.Manual = flags.Manual },
		"metrics-file":         func() { cfg.MetricsFile = flags.MetricsFile },
		"journal":              func() { cfg.Journal = flags.Journal },
		"log-level":            func() { cfg.LogLevel = flags.LogLevel },
		"log-format":           func() { cfg.LogFormat = flags.LogFormat },
	}
	fs.Visit(func(fl *pflag.Flag) {
		if set, ok := override[fl.Name]; ok {
			set()
		}
	})
	vars, err := config.ParseVariables(f.variables)
	if err != nil {
		return nil, err
	}
	for k, v := range vars {
		cfg.Variables[k] = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
