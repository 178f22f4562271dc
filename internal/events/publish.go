package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dshills/kbretrieval/pkg/types"
)

// headerCarrier adapts nats.Msg headers for the OTel text map propagator
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg(ctx context.Context, subject string, ev IngestEvent) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Publish sends an event without waiting for the result
func Publish(ctx context.Context, nc *nats.Conn, subject string, ev IngestEvent) error {
	msg, err := newMsg(ctx, subject, ev)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Request sends an event and waits for the worker's reply. A timeout of 0
// uses nats.DefaultTimeout.
func Request(ctx context.Context, nc *nats.Conn, subject string, ev IngestEvent, timeout time.Duration) (*IngestReply, error) {
	msg, err := newMsg(ctx, subject, ev)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	resp, err := nc.RequestMsg(msg, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: ingest request: %v", types.ErrBackendUnavailable, err)
	}
	var out IngestReply
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decode ingest reply: %w", err)
	}
	return &out, nil
}
