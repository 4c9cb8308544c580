// Package indexer embeds finalized chat turns back into the vector store so
// future turns can retrieve them. Indexing runs on a small worker pool
// behind a bounded queue, fully decoupled from the request path.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const (
	defaultQueueSize = 128
	defaultWorkers   = 2
)

// Config sizes the indexing queue and worker pool.
type Config struct {
	QueueSize int `koanf:"queue_size"`
	Workers   int `koanf:"workers"`
}

func (c *Config) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
}

// Task identifies one finalized turn to index.
type Task struct {
	SessionID          string
	UserMessageID      string
	AssistantMessageID string
}

// MessageSource resolves message IDs to their stored content.
type MessageSource interface {
	GetMessage(ctx context.Context, sessionID, messageID string) (session.Message, error)
}

// Indexer is the background chat indexing pool.
type Indexer struct {
	config   Config
	store    vectorstore.Store
	embedder embeddings.Provider
	messages MessageSource
	logger   *zap.Logger

	tasks     chan Task
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func NewIndexer(config Config, store vectorstore.Store, embedder embeddings.Provider, messages MessageSource, logger *zap.Logger) *Indexer {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Indexer{
		config:   config,
		store:    store,
		embedder: embedder,
		messages: messages,
		logger:   logger.Named("indexer"),
		tasks:    make(chan Task, config.QueueSize),
	}
	for w := 0; w < config.Workers; w++ {
		i.workers.Add(1)
		go i.run()
	}
	return i
}

// Schedule enqueues a turn for indexing without blocking the caller. When
// the queue is full the task is dropped and logged; the turn simply stays
// unindexed.
func (i *Indexer) Schedule(task Task) bool {
	select {
	case i.tasks <- task:
		QueueDepth.Set(float64(len(i.tasks)))
		return true
	default:
		i.logger.Warn("indexing queue full, dropping task",
			zap.String("session_id", task.SessionID),
			zap.String("assistant_message_id", task.AssistantMessageID))
		TasksTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Close stops accepting tasks and waits for queued work to drain.
func (i *Indexer) Close() {
	i.closeOnce.Do(func() { close(i.tasks) })
	i.workers.Wait()
}

func (i *Indexer) run() {
	defer i.workers.Done()
	for task := range i.tasks {
		QueueDepth.Set(float64(len(i.tasks)))
		if err := i.index(context.Background(), task); err != nil {
			// Indexing failure never propagates; the turn already
			// returned and the messages stay retrievable-after-retry
			// on the next scheduling of this session.
			i.logger.Warn("turn indexing failed",
				zap.String("session_id", task.SessionID),
				zap.Error(err))
			TasksTotal.WithLabelValues("failed").Inc()
			continue
		}
		TasksTotal.WithLabelValues("indexed").Inc()
	}
}

func (i *Indexer) index(ctx context.Context, task Task) error {
	userMsg, err := i.messages.GetMessage(ctx, task.SessionID, task.UserMessageID)
	if err != nil {
		return fmt.Errorf("resolve user message: %w", err)
	}
	assistantMsg, err := i.messages.GetMessage(ctx, task.SessionID, task.AssistantMessageID)
	if err != nil {
		return fmt.Errorf("resolve assistant message: %w", err)
	}

	// One all-or-nothing embedding call for both halves of the turn.
	vectors, err := i.embedder.EmbedDocuments(ctx, []string{userMsg.Content, assistantMsg.Content})
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	if len(vectors) != 2 {
		return fmt.Errorf("embed turn: got %d vectors, want 2", len(vectors))
	}

	docs := []vectorstore.Document{
		i.document(userMsg, vectors[0]),
		i.document(assistantMsg, vectors[1]),
	}
	if err := i.store.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("upsert turn vectors: %w", err)
	}
	return nil
}

// document builds the vector entry for one message. The composite ID makes
// re-indexing the same turn overwrite rather than duplicate.
func (i *Indexer) document(m session.Message, vector []float32) vectorstore.Document {
	return vectorstore.Document{
		ID:        m.SessionID + ":" + m.ID,
		Content:   m.Content,
		Embedding: vector,
		Metadata: map[string]string{
			"type":       retrieval.SourceChat,
			"session_id": m.SessionID,
			"message_id": m.ID,
			"role":       m.Role,
			"timestamp":  m.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
}
