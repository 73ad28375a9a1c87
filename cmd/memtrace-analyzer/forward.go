package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/memtrace/pkg/domain"
	"github.com/yairfalse/memtrace/pkg/ring"
)

const defaultSubject = "memtrace.events"

func newForwardCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Republish ring events to NATS as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			defer logger.Sync()

			region, err := attach(v)
			if err != nil {
				return err
			}
			defer region.Close()

			reader, err := ring.NewReader(region.Bytes(), false)
			if err != nil {
				return err
			}

			nc, err := connectNATS(logger, v)
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := v.GetString("nats-subject")
			logger.Info("Forwarding ring events",
				zap.String("nats_url", nc.ConnectedUrl()),
				zap.String("subject", subject))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = watchLoop(ctx, logger, reader, v.GetDuration("interval"), func(ev *domain.Event) error {
				payload, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("encoding event %d: %w", ev.ID, err)
				}
				if err := nc.Publish(subject, payload); err != nil {
					return fmt.Errorf("publishing event %d: %w", ev.ID, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return nc.Flush()
		},
	}

	flags := cmd.Flags()
	flags.String("nats-url", nats.DefaultURL, "NATS server URL")
	flags.String("nats-subject", defaultSubject, "subject to publish events on")
	for _, name := range []string{"nats-url", "nats-subject"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// connectNATS dials with retry and connection-state logging
func connectNATS(logger *zap.Logger, v *viper.Viper) (*nats.Conn, error) {
	url := v.GetString("nats-url")

	nc, err := nats.Connect(url,
		nats.Name("memtrace-analyzer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
