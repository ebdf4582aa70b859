package docstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/llm"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestGetDocumentsByIDsPreservesRequestOrder(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT document_id, owner_id, filename, content, object_url, created_at`).
		WithArgs(int64(1), int64(9), int64(4)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"document_id", "owner_id", "filename", "content", "object_url", "created_at"}).
			AddRow(int64(4), int64(1), "a.pdf", "четыре", "https://s3/a.pdf", now).
			AddRow(int64(9), int64(1), "b.pdf", "девять!", "https://s3/b.pdf", now))

	docs, total, err := s.GetDocumentsByIDs(context.Background(), 1, []int64{9, 4})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(9), docs[0].ID)
	assert.Equal(t, int64(4), docs[1].ID)
	// rune count: "девять!"=7 + "четыре"=6
	assert.Equal(t, 13, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentsByIDsEmpty(t *testing.T) {
	s, _ := mockStore(t)
	docs, total, err := s.GetDocumentsByIDs(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Nil(t, docs)
	assert.Zero(t, total)
}

func TestGetChatHistoryMapsRoles(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT message_type, content FROM`).
		WithArgs(int64(7), 20).
		WillReturnRows(sqlmock.NewRows([]string{"message_type", "content"}).
			AddRow("USER", "вопрос").
			AddRow("MODEL", "ответ"))

	history, err := s.GetChatHistory(context.Background(), 7, 20)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChatHistoryZeroLimit(t *testing.T) {
	s, _ := mockStore(t)
	history, err := s.GetChatHistory(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Nil(t, history)
}
