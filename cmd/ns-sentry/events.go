package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Go2NetSentry/internal/notification"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print the events published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfiguration()
			if err != nil {
				return err
			}
			defer logger.Sync()

			sub, err := notification.NewNATSSubscriber(cfg.Notification.NATS, logger)
			if err != nil {
				return err
			}
			defer sub.Stop()

			err = sub.Start(func(subject string, ev notification.DecodedEvent) {
				data, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Printf("%s %s\n", subject, data)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}
