package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/aiva/internal/channel/console"
)

func newConsoleCmd(opts *rootOptions) *cobra.Command {
	var conversationID string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the assistant in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Log.Format = "console"
			if !verbose {
				cfg.Log.Level = "warn"
			}
			log, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			c := console.New(a.service, cmd.InOrStdin(), out, console.Options{
				ConversationID: conversationID,
				Spinner:        isTerminal(out),
				Logger:         log.Named("console"),
			})
			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "console", "conversation id to continue")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
