package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/dshills/kbretrieval/internal/events"
	"github.com/dshills/kbretrieval/pkg/types"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var url, subject, queue string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume ingest events from NATS",
		Long: `Joins the NATS queue group and ingests every event published on the
subject. Failed events are retried and then moved to <subject>.dlq.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc := opts.cfg.NATS
			if url != "" {
				nc.URL = url
			}
			if subject != "" {
				nc.Subject = subject
			}
			if queue != "" {
				nc.Queue = queue
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if err := a.requireIndexer(); err != nil {
				return err
			}

			conn, err := nats.Connect(nc.URL,
				nats.Name("kbretrieval-worker"),
				nats.MaxReconnects(-1),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					if err != nil {
						opts.logger.Warn("nats disconnected", "error", err)
					}
				}),
				nats.ReconnectHandler(func(c *nats.Conn) {
					opts.logger.Info("nats reconnected", "url", c.ConnectedUrl())
				}),
			)
			if err != nil {
				return fmt.Errorf("%w: nats %s: %v", types.ErrBackendUnavailable, nc.URL, err)
			}
			defer conn.Close()

			sub, err := events.NewSubscriber(conn, a.indexer, events.Config{
				Subject:    nc.Subject,
				Queue:      nc.Queue,
				Timeout:    nc.Timeout.D(),
				MaxRetries: nc.MaxRetries,
				Logger:     opts.logger,
			})
			if err != nil {
				return err
			}
			if err := sub.Start(); err != nil {
				return err
			}
			opts.logger.Info("ingest worker started", "url", nc.URL, "subject", nc.Subject, "queue", nc.Queue)

			<-cmd.Context().Done()
			opts.logger.Info("ingest worker stopping")
			return sub.Stop()
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "NATS server URL (overrides nats.url)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject to consume (overrides nats.subject)")
	cmd.Flags().StringVar(&queue, "queue", "", "queue group (overrides nats.queue)")
	return cmd
}
