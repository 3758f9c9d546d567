package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/securecall/securecall/internal/relay"
)

func NewRelayCmd(deps *Dependencies) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if bind == "" {
				bind = cfg.Relay.Bind
			}
			ttl := time.Duration(cfg.Relay.TTLSec) * time.Second

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := relay.New(bind, ttl, deps.Log)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			cmd.Printf("relay listening on %s (ws endpoint %s)\n", srv.URL(), srv.WSURL())

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides config)")
	return cmd
}
