package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"whispernet/internal/logging"
	"whispernet/internal/relay"
	"whispernet/internal/transport"
)

func main() {
	var (
		listenAddr string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "whispernet-relay",
		Short:         "Relay endpoint forwarding enveloped records between nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr == "" {
				return fmt.Errorf("missing --listen")
			}
			log := logging.New(debug)
			defer log.Sync() //nolint:errcheck

			ln, err := transport.Listen(listenAddr)
			if err != nil {
				return err
			}
			log.Info("relay listening")
			fmt.Fprintf(cmd.OutOrStdout(), "relay addr=%s\n", ln.Addr())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return relay.NewServer(log).Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (host:port)")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
