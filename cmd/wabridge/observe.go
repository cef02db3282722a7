package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wabridge/server/internal/observer"
)

func observeCmd() *cobra.Command {
	var (
		url     string
		token   string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Print push channel events as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := observer.Options{URL: url, Token: token}
			if err := opts.Validate(); err != nil {
				return err
			}

			log, err := newLogger("warn", "console", verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			out := cmd.OutOrStdout()
			opts.Logger = log
			opts.OnFrame = func(f observer.Frame) {
				fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), observer.Describe(f))
			}

			ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return observer.New(opts).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:5000/ws", "Push channel URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token, if the server requires one")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity")
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
