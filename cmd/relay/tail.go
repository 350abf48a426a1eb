package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/chatflow/relay/internal/config"
	"github.com/chatflow/relay/internal/logging"
	"github.com/chatflow/relay/internal/messaging"
)

// newTailCmd prints outcomes published by running relays.
func newTailCmd(envFile *string) *cobra.Command {
	var rejectedOnly bool

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print processed events published to NATS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if url, _ := cmd.Flags().GetString("nats-url"); url != "" {
				cfg.NATSURL = url
			}
			if cfg.NATSURL == "" {
				cfg.NATSURL = nats.DefaultURL
			}
			logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)
			if err != nil {
				return err
			}

			nc := cfg.NATSConfig()
			nc.Name = "relay-tail"
			client, err := messaging.NewNATSClient(nc, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			subject := messaging.SubjectAll
			if rejectedOnly {
				subject = messaging.SubjectRejected
			}
			out := cmd.OutOrStdout()
			if err := client.Subscribe(subject, func(m *nats.Msg) {
				fmt.Fprintf(out, "%s conn=%s %s\n", m.Subject, m.Header.Get(messaging.HeaderConn), m.Data)
			}); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().String("nats-url", "", "NATS URL (NATS_URL)")
	cmd.Flags().BoolVar(&rejectedOnly, "rejected", false, "only print rejected events")
	return cmd
}
