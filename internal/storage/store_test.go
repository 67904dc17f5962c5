package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/lexbatch/internal/domain"
)

func newMock(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestCreateDocument(t *testing.T) {
	s, mock := newMock(t)
	d := domain.DocumentDescriptor{
		ID: "6f1c1f5e-8a55-4a43-9d0e-8f5b3c1e2a10", Filename: "a.pdf",
		Bucket: "docs", Key: "in/a.pdf", SizeMB: 2, ContentHash: "h", MimeType: "application/pdf",
	}
	mock.ExpectExec("insert into documents").
		WithArgs(d.ID, pgxmock.AnyArg(), "batch_1", "a.pdf", "s3://docs/in/a.pdf", 2.0, "h", "application/pdf").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateDocument(context.Background(), d, "batch_1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, project_id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDocumentStatusNoRows(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update documents set status").
		WithArgs("x", "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	msg := "boom"
	err := s.UpdateDocumentStatus(context.Background(), "x", "failed", &msg)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplaceChunksRunsInTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from chunks").WithArgs("doc").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("insert into chunks").
		WithArgs(pgxmock.AnyArg(), "doc", 0, "first", 0, 5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("insert into chunks").
		WithArgs(pgxmock.AnyArg(), "doc", 1, "second", 5, 11).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	chunks := []Chunk{
		{Index: 0, Text: "first", StartOffset: 0, EndOffset: 5},
		{Index: 1, Text: "second", StartOffset: 5, EndOffset: 11},
	}
	require.NoError(t, s.ReplaceChunks(context.Background(), "doc", chunks))
	assert.NotEmpty(t, chunks[0].ID)
	assert.Equal(t, "doc", chunks[1].DocumentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRollsBackOnInsertError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from entity_mentions").WithArgs("doc").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("insert into entity_mentions").WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := s.ReplaceMentions(context.Background(), "doc", []Mention{{ChunkID: "c", Text: "Acme", Type: "ORG"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountsFor(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select").WithArgs("doc").
		WillReturnRows(pgxmock.NewRows([]string{"chunks", "mentions", "entities", "relationships"}).AddRow(4, 10, 6, 3))

	c, err := s.CountsFor(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, Counts{Chunks: 4, Mentions: 10, Entities: 6, Relationships: 3}, c)
}
