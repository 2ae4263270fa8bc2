package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/config"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/environment"
	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
)

func newResolveCmd(flags *globalFlags) *cobra.Command {
	var packaged bool

	cmd := &cobra.Command{
		Use:   "resolve [environment...]",
		Short: "Show the interpreter and entry script an environment resolves to",
		Long: `Resolves each environment (the configured default when none is given)
and prints the descriptor as JSON. When an environment cannot be found,
every path that was checked is listed and the exit status is 3.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}
			if cmd.Flags().Changed("packaged") {
				cfg.Environment.Packaged = packaged
			}

			lc := logging.DefaultConfig()
			lc.Output = cmd.ErrOrStderr()
			lc.Level = cfg.Logging.Level
			if flags.logLevel != "" {
				lc.Level = flags.logLevel
			}
			logger, err := logging.New(lc)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			if len(args) == 0 {
				args = []string{cfg.Environment.Default}
			}
			resolver := environment.NewResolver(cfg.Environment.Layout(), environment.WithLogger(logger))
			return resolveAll(cmd, resolver, args, cfg.Environment.Packaged, cfg.Environment.TargetPlatform())
		},
	}
	cmd.Flags().BoolVar(&packaged, "packaged", false, "use the packaged install layout")
	return cmd
}

func resolveAll(cmd *cobra.Command, r *environment.Resolver, envs []string, packaged bool, platform environment.Platform) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	missing := 0
	for _, env := range envs {
		desc, err := r.Resolve(env, packaged, platform)
		if err != nil {
			missing++
			var nf *environment.NotFoundError
			if !errors.As(err, &nf) {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "environment %q not found\n", nf.Environment)
			for _, p := range nf.Tried {
				fmt.Fprintf(cmd.ErrOrStderr(), "  tried %s\n", p)
			}
			continue
		}
		if err := enc.Encode(desc); err != nil {
			return err
		}
	}
	if missing > 0 {
		return &ExitError{Code: 3, Err: fmt.Errorf("%d of %d environments not found", missing, len(envs))}
	}
	return nil
}
