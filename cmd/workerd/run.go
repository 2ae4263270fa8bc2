package main

import (
	"github.com/spf13/cobra"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/app"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var prestart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve commands from stdin and write replies and events to stdout",
		Long: `Each input line is a JSON command {"type", "data"?, "environment"?}.
Each reply is {"kind":"response","command":{...},"response":...} or
{"kind":"response","command":{...},"error":"..."}. Worker events, status
changes, stderr diagnostics and failures are written as they happen.
A {"type":"workerd.status"} line is answered with the supervisor status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.New(app.Options{
				ConfigPath: flags.configPath,
				LogLevel:   flags.logLevel,
				LogFormat:  flags.logFormat,
				Prestart:   prestart,
			})
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}
			return application.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&prestart, "prestart", false, "start the default environment before the first command")
	return cmd
}
