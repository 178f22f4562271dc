// Package events feeds the indexer from a NATS subject. Events are JSON
// encoded and carry OpenTelemetry trace context in message headers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/pkg/types"
)

const (
	DefaultSubject    = "kb.ingest"
	DefaultQueue      = "kbretrieval"
	DefaultTimeout    = 2 * time.Minute
	DefaultMaxRetries = 3

	retryHeader = "X-Retry-Count"
)

var tracer = otel.Tracer("kbretrieval/events")

// IngestEvent asks the worker to ingest or delete one document
type IngestEvent struct {
	UserID     string     `json:"user_id"`
	Path       string     `json:"path,omitempty"`
	Name       string     `json:"name,omitempty"`
	Kind       types.Kind `json:"kind,omitempty"`
	MimeType   string     `json:"mime_type,omitempty"`
	Markdown   string     `json:"markdown,omitempty"`
	Payload    string     `json:"payload,omitempty"`
	Size       int64      `json:"size,omitempty"`
	StorageKey string     `json:"storage_key,omitempty"`
	Force      bool       `json:"force,omitempty"`

	// Delete soft-deletes DocumentID instead of ingesting
	Delete     bool   `json:"delete,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

// IngestReply is sent back when the event was a request
type IngestReply struct {
	OK         bool   `json:"ok"`
	DocumentID string `json:"document_id,omitempty"`
	ContentID  string `json:"content_id,omitempty"`
	Version    int    `json:"version,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	Indexed    int    `json:"indexed,omitempty"`
	Unchanged  bool   `json:"unchanged,omitempty"`
	Deleted    int    `json:"deleted,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Ingester is the indexer surface the subscriber drives
type Ingester interface {
	Ingest(ctx context.Context, doc indexer.Document) (*indexer.Result, error)
	Delete(ctx context.Context, userID, documentID string) (int, error)
}

// Config configures a Subscriber
type Config struct {
	Subject    string
	Queue      string        // Queue group shared by all workers
	Timeout    time.Duration // Per event
	MaxRetries int           // Redeliveries before the dead-letter subject
	Logger     *slog.Logger
}

// DeadLetterSubject is where events go after MaxRetries failures
func (c Config) DeadLetterSubject() string {
	return c.Subject + ".dlq"
}

// Subscriber consumes ingest events from a NATS queue group
type Subscriber struct {
	nc     *nats.Conn
	ing    Ingester
	cfg    Config
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewSubscriber creates a Subscriber; Start begins consuming
func NewSubscriber(nc *nats.Conn, ing Ingester, cfg Config) (*Subscriber, error) {
	if nc == nil {
		return nil, fmt.Errorf("%w: nats connection", types.ErrConfigurationMissing)
	}
	if ing == nil {
		return nil, fmt.Errorf("%w: indexer", types.ErrConfigurationMissing)
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{nc: nc, ing: ing, cfg: cfg, logger: logger}, nil
}

// Start subscribes to the configured subject in the queue group
func (s *Subscriber) Start() error {
	sub, err := s.nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handle)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", types.ErrBackendUnavailable, s.cfg.Subject, err)
	}
	s.sub = sub
	s.logger.Info("ingest subscriber started",
		slog.String("subject", s.cfg.Subject),
		slog.String("queue", s.cfg.Queue))
	return nil
}

// Stop drains the subscription so in-flight events finish
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var ev IngestEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Error("ingest event unmarshal failed", slog.Any("error", err))
		s.reply(msg, IngestReply{Error: types.InvalidInputf("malformed event: %v", err).Error()})
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "events.ingest", trace.WithAttributes(
		attribute.String("path", ev.Path),
		attribute.Bool("delete", ev.Delete)))
	defer span.End()

	out, err := s.process(ctx, ev)
	if err == nil {
		s.reply(msg, out)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Requesters get the failure directly; fire-and-forget events retry
	if msg.Reply != "" {
		s.reply(msg, IngestReply{Error: err.Error()})
		return
	}
	s.retry(msg, ev, err)
}

func (s *Subscriber) process(ctx context.Context, ev IngestEvent) (IngestReply, error) {
	if ev.Delete {
		n, err := s.ing.Delete(ctx, ev.UserID, ev.DocumentID)
		if errors.Is(err, storage.ErrNotFound) {
			return IngestReply{OK: true, DocumentID: ev.DocumentID}, nil
		}
		if err != nil {
			return IngestReply{}, err
		}
		return IngestReply{OK: true, DocumentID: ev.DocumentID, Deleted: n}, nil
	}

	res, err := s.ing.Ingest(ctx, indexer.Document{
		UserID:     ev.UserID,
		Path:       ev.Path,
		Name:       ev.Name,
		Kind:       ev.Kind,
		MimeType:   ev.MimeType,
		Markdown:   ev.Markdown,
		Payload:    ev.Payload,
		Size:       ev.Size,
		StorageKey: ev.StorageKey,
		Force:      ev.Force,
	})
	if err != nil {
		return IngestReply{}, err
	}
	s.logger.Info("ingest event processed",
		slog.String("document_id", res.DocumentID),
		slog.Int("version", res.Version),
		slog.Int("chunks", res.Chunks),
		slog.Bool("unchanged", res.Unchanged))
	return IngestReply{
		OK:         true,
		DocumentID: res.DocumentID,
		ContentID:  res.ContentID,
		Version:    res.Version,
		Chunks:     res.Chunks,
		Indexed:    res.Indexed,
		Unchanged:  res.Unchanged,
	}, nil
}

// retry republishes a failed event with an incremented retry count, or
// moves it to the dead-letter subject. Invalid events are never retried.
func (s *Subscriber) retry(msg *nats.Msg, ev IngestEvent, cause error) {
	retries := 0
	if msg.Header != nil {
		retries, _ = strconv.Atoi(msg.Header.Get(retryHeader))
	}
	retries++
	s.logger.Error("ingest event failed",
		slog.String("path", ev.Path),
		slog.Int("retry", retries),
		slog.Any("error", cause))

	if errors.Is(cause, types.ErrInvalidInput) || retries >= s.cfg.MaxRetries {
		data, _ := json.Marshal(deadLetter{Event: ev, Error: cause.Error(), Retries: retries})
		if err := s.nc.Publish(s.cfg.DeadLetterSubject(), data); err != nil {
			s.logger.Error("dead-letter publish failed", slog.Any("error", err))
		}
		return
	}

	again := nats.NewMsg(s.cfg.Subject)
	again.Data = msg.Data
	again.Header = nats.Header{}
	for k, v := range msg.Header {
		again.Header[k] = v
	}
	again.Header.Set(retryHeader, strconv.Itoa(retries))
	if err := s.nc.PublishMsg(again); err != nil {
		s.logger.Error("retry publish failed", slog.Any("error", err))
	}
}

func (s *Subscriber) reply(msg *nats.Msg, out IngestReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("reply marshal failed", slog.Any("error", err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("reply failed", slog.Any("error", err))
	}
}

// deadLetter is published once an event has exhausted its retries
type deadLetter struct {
	Event   IngestEvent `json:"event"`
	Error   string      `json:"error"`
	Retries int         `json:"retries"`
}
