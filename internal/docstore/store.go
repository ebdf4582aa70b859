package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/llm"
)

// Document is a parsed user document as persisted by the upload pipeline.
type Document struct {
	ID        int64     `db:"document_id"`
	OwnerID   int64     `db:"owner_id"`
	Filename  string    `db:"filename"`
	Content   string    `db:"content"`
	ObjectURL string    `db:"object_url"`
	CreatedAt time.Time `db:"created_at"`
}

// Store reads documents and chat history from Postgres.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, log: logger}
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	logger.Info("docstore connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return New(db, logger), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// GetDocumentsByIDs loads the owner's documents in the requested id order.
// Missing ids are skipped. Returns the documents plus the total character
// length of their contents.
func (s *Store) GetDocumentsByIDs(ctx context.Context, ownerID int64, ids []int64) ([]Document, int, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}
	query, args, err := sqlx.In(`
		SELECT document_id, owner_id, filename, content, object_url, created_at
		FROM parsed_documents
		WHERE owner_id = ? AND document_id IN (?)`, ownerID, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("docstore: build query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []Document
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("docstore: select documents: %w", err)
	}

	byID := make(map[int64]Document, len(rows))
	for _, d := range rows {
		byID[d.ID] = d
	}
	out := make([]Document, 0, len(rows))
	total := 0
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			total += len([]rune(d.Content))
		}
	}
	return out, total, nil
}

type messageRow struct {
	MessageType string `db:"message_type"`
	Content     string `db:"content"`
}

// GetChatHistory returns the last limit messages of a chat in
// chronological order, mapped onto completion-model roles.
func (s *Store) GetChatHistory(ctx context.Context, chatID int64, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT message_type, content FROM (
			SELECT message_type, content, created_at
			FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) tail ORDER BY created_at ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("docstore: select history: %w", err)
	}

	history := make([]llm.Message, 0, len(rows))
	for _, row := range rows {
		role := llm.RoleUser
		if row.MessageType == "MODEL" {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: row.Content})
	}
	return history, nil
}
