package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbretrieval/internal/indexer"
	"github.com/dshills/kbretrieval/internal/storage"
	"github.com/dshills/kbretrieval/pkg/types"
)

const testUser = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockIngester struct {
	mu         sync.Mutex
	ingestFunc func(doc indexer.Document) (*indexer.Result, error)
	deleteFunc func(userID, documentID string) (int, error)
	docs       []indexer.Document
}

func (m *mockIngester) Ingest(ctx context.Context, doc indexer.Document) (*indexer.Result, error) {
	m.mu.Lock()
	m.docs = append(m.docs, doc)
	m.mu.Unlock()
	if m.ingestFunc != nil {
		return m.ingestFunc(doc)
	}
	return &indexer.Result{DocumentID: "doc-1", ContentID: "content-1", Version: 1, Chunks: 2, Indexed: 2}, nil
}

func (m *mockIngester) Delete(ctx context.Context, userID, documentID string) (int, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(userID, documentID)
	}
	return 1, nil
}

func (m *mockIngester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

func startSubscriber(t *testing.T, nc *nats.Conn, ing Ingester, cfg Config) *Subscriber {
	t.Helper()
	cfg.Logger = quietLogger
	s, err := NewSubscriber(nc, ing, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)

	assert.Empty(t, carrier.Get("traceparent"))
	assert.Nil(t, carrier.Keys())

	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Len(t, carrier.Keys(), 1)
}

func TestNewSubscriber(t *testing.T) {
	_, err := NewSubscriber(nil, &mockIngester{}, Config{})
	assert.ErrorIs(t, err, types.ErrConfigurationMissing)

	s, err := NewSubscriber(&nats.Conn{}, &mockIngester{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, s.cfg.Subject)
	assert.Equal(t, DefaultQueue, s.cfg.Queue)
	assert.Equal(t, DefaultTimeout, s.cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, s.cfg.MaxRetries)
	assert.Equal(t, "kb.ingest.dlq", s.cfg.DeadLetterSubject())

	_, err = NewSubscriber(&nats.Conn{}, nil, Config{})
	assert.ErrorIs(t, err, types.ErrConfigurationMissing)
}

func TestSubscriber_RequestReply(t *testing.T) {
	nc := startNATS(t)
	ing := &mockIngester{}
	startSubscriber(t, nc, ing, Config{Subject: "test.ingest"})

	reply, err := Request(context.Background(), nc, "test.ingest", IngestEvent{
		UserID:   testUser,
		Path:     "/notes/a.md",
		Markdown: "# Title",
		Force:    true,
	}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "doc-1", reply.DocumentID)
	assert.Equal(t, 1, reply.Version)
	assert.Equal(t, 2, reply.Indexed)

	require.Equal(t, 1, ing.count())
	assert.Equal(t, "/notes/a.md", ing.docs[0].Path)
	assert.True(t, ing.docs[0].Force)
}

func TestSubscriber_RequestError(t *testing.T) {
	nc := startNATS(t)
	ing := &mockIngester{
		ingestFunc: func(doc indexer.Document) (*indexer.Result, error) {
			return nil, types.InvalidInputf("path must be absolute")
		},
	}
	startSubscriber(t, nc, ing, Config{Subject: "test.ingest"})

	reply, err := Request(context.Background(), nc, "test.ingest", IngestEvent{UserID: testUser, Path: "x"}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "path must be absolute")
	assert.Equal(t, 1, ing.count(), "requests are not retried")
}

func TestSubscriber_Delete(t *testing.T) {
	nc := startNATS(t)
	var gotID string
	ing := &mockIngester{
		deleteFunc: func(userID, documentID string) (int, error) {
			gotID = documentID
			if documentID == "gone" {
				return 0, storage.ErrNotFound
			}
			return 3, nil
		},
	}
	startSubscriber(t, nc, ing, Config{Subject: "test.ingest"})
	ctx := context.Background()

	reply, err := Request(ctx, nc, "test.ingest", IngestEvent{UserID: testUser, Delete: true, DocumentID: "folder-1"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, 3, reply.Deleted)
	assert.Equal(t, "folder-1", gotID)

	reply, err = Request(ctx, nc, "test.ingest", IngestEvent{UserID: testUser, Delete: true, DocumentID: "gone"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reply.OK, "deleting a missing document is idempotent")
	assert.Zero(t, reply.Deleted)
}

func TestSubscriber_Malformed(t *testing.T) {
	nc := startNATS(t)
	ing := &mockIngester{}
	startSubscriber(t, nc, ing, Config{Subject: "test.ingest"})

	resp, err := nc.Request("test.ingest", []byte("{not json"), 2*time.Second)
	require.NoError(t, err)
	var reply IngestReply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "malformed")
	assert.Zero(t, ing.count())
}

func deadLetters(t *testing.T, nc *nats.Conn, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())
	return ch
}

func TestSubscriber_RetryThenDeadLetter(t *testing.T) {
	nc := startNATS(t)
	ing := &mockIngester{
		ingestFunc: func(doc indexer.Document) (*indexer.Result, error) {
			return nil, errors.Join(types.ErrBackendUnavailable, errors.New("model down"))
		},
	}
	cfg := Config{Subject: "test.ingest", MaxRetries: 3}
	dlq := deadLetters(t, nc, cfg.DeadLetterSubject())
	startSubscriber(t, nc, ing, cfg)

	require.NoError(t, Publish(context.Background(), nc, "test.ingest", IngestEvent{UserID: testUser, Path: "/a.md", Markdown: "x"}))

	select {
	case msg := <-dlq:
		var dl deadLetter
		require.NoError(t, json.Unmarshal(msg.Data, &dl))
		assert.Equal(t, 3, dl.Retries)
		assert.Equal(t, "/a.md", dl.Event.Path)
		assert.Contains(t, dl.Error, "model down")
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter")
	}
	assert.Equal(t, 3, ing.count())
}

func TestSubscriber_InvalidSkipsRetries(t *testing.T) {
	nc := startNATS(t)
	ing := &mockIngester{
		ingestFunc: func(doc indexer.Document) (*indexer.Result, error) {
			return nil, types.InvalidInputf("bad kind")
		},
	}
	cfg := Config{Subject: "test.ingest"}
	dlq := deadLetters(t, nc, cfg.DeadLetterSubject())
	startSubscriber(t, nc, ing, cfg)

	require.NoError(t, Publish(context.Background(), nc, "test.ingest", IngestEvent{UserID: testUser, Path: "/a.md"}))

	select {
	case msg := <-dlq:
		var dl deadLetter
		require.NoError(t, json.Unmarshal(msg.Data, &dl))
		assert.Equal(t, 1, dl.Retries)
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter")
	}
	assert.Equal(t, 1, ing.count())
}

func TestSubscriber_StopBeforeStart(t *testing.T) {
	s, err := NewSubscriber(&nats.Conn{}, &mockIngester{}, Config{})
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}
