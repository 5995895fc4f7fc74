// Command IntakePipe runs the registration intake bot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

const appName = "IntakePipe"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(loadEnvironmentConfig()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Conversational registration intake bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initializeLogger(cfg.LogLevel)
			return cfg.resolve()
		},
	}
	bindFlags(cmd.PersistentFlags(), &cfg)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the messaging transport and the retry worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), &cfg)
		},
	}
	bindServeFlags(serve.Flags(), &cfg)

	var conversationID string
	console := &cobra.Command{
		Use:   "console",
		Short: "Hold a registration conversation on this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), &cfg, conversationID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	console.Flags().StringVar(&conversationID, "conversation", "", "resume this conversation ID instead of starting a new one")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// version works even with an invalid configuration.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	}

	cmd.AddCommand(serve, console, version)
	return cmd
}
