package services

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormChunkStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewGormChunkStore(db), mock
}

func TestGormChunkStore_ProjectExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "rag_projects" WHERE project_id = $1`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "rag_projects" WHERE project_id = $1`)).
		WithArgs(8).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := store.ProjectExists(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ProjectExists(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_ProjectExistsDatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "rag_projects"`)).
		WillReturnError(errors.New("connection refused"))

	_, err := store.ProjectExists(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestGormChunkStore_CreateProject(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "rag_projects"`)).
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}).AddRow(3))
	mock.ExpectCommit()

	id, err := store.CreateProject(context.Background(), "handbook", "employee handbook")
	require.NoError(t, err)
	assert.Equal(t, uint(3), id)

	_, err = store.CreateProject(context.Background(), "", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_SaveChunks(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "rag_chunks"`)).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(11).AddRow(12))
	mock.ExpectCommit()

	ids, err := store.SaveChunks(context.Background(), []ChunkRecord{
		{ProjectID: 1, DocumentID: 2, Content: "first", SequenceIndex: 0, TokenCount: 3},
		{ProjectID: 1, DocumentID: 2, Content: "second", SequenceIndex: 1, TokenCount: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{11, 12}, ids)

	ids, err = store.SaveChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_SaveChunksRollback(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "rag_chunks"`)).
		WillReturnError(errors.New(`duplicate key value violates unique constraint`))
	mock.ExpectRollback()

	_, err := store.SaveChunks(context.Background(), []ChunkRecord{{ProjectID: 1, DocumentID: 2, Content: "x", TokenCount: 1}})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_ListByDocument(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "rag_chunks" WHERE project_id = $1 AND document_id = $2 ORDER BY sequence_index ASC`)).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id", "project_id", "document_id", "content", "sequence_index", "token_count"}).
			AddRow(11, 1, 2, "first", 0, 3).
			AddRow(12, 1, 2, "second", 1, 4))

	chunks, err := store.ListByDocument(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint(12), chunks[1].ChunkID)
	assert.Equal(t, "second", chunks[1].Content)
	assert.Equal(t, 4, chunks[1].TokenCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_DeleteByDocument(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "chunk_id" FROM "rag_chunks" WHERE project_id = $1 AND document_id = $2`)).
		WithArgs(1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(5).AddRow(6))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "rag_chunks" WHERE chunk_id IN ($1,$2)`)).
		WithArgs(5, 6).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ids, err := store.DeleteByDocument(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint{5, 6}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_Stats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "rag_projects" WHERE project_id = $1`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "rag_chunks" WHERE project_id = $1 GROUP BY`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "chunks", "tokens"}).
			AddRow(2, 3, 30).
			AddRow(4, 1, 6))

	stats, err := store.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalChunks)
	assert.Equal(t, int64(36), stats.TotalTokens)
	assert.InDelta(t, 9.0, stats.AvgTokensPerChunk, 1e-9)
	require.Len(t, stats.Documents, 2)
	assert.Equal(t, DocumentChunkStats{DocumentID: 2, Chunks: 3, Tokens: 30}, stats.Documents[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormChunkStore_StatsUnknownProject(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "rag_projects"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := store.Stats(context.Background(), 9)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
}

func TestMemoryChunkStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChunkStore(false)

	projectID, err := store.CreateProject(ctx, "docs", "")
	require.NoError(t, err)
	ok, _ := store.ProjectExists(ctx, projectID)
	assert.True(t, ok)
	ok, _ = store.ProjectExists(ctx, projectID+1)
	assert.False(t, ok)

	ids, err := store.SaveChunks(ctx, []ChunkRecord{
		{ProjectID: projectID, DocumentID: 1, Content: "b", SequenceIndex: 1, TokenCount: 2},
		{ProjectID: projectID, DocumentID: 1, Content: "a", SequenceIndex: 0, TokenCount: 4},
		{ProjectID: projectID, DocumentID: 2, Content: "c", SequenceIndex: 0, TokenCount: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, ids)

	chunks, err := store.ListByDocument(ctx, projectID, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].Content)

	// 同一位置重复写入
	_, err = store.SaveChunks(ctx, []ChunkRecord{{ProjectID: projectID, DocumentID: 2, SequenceIndex: 0}})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))

	stats, err := store.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalChunks)
	assert.Equal(t, int64(12), stats.TotalTokens)
	assert.InDelta(t, 4.0, stats.AvgTokensPerChunk, 1e-9)
	assert.Equal(t, []DocumentChunkStats{{DocumentID: 1, Chunks: 2, Tokens: 6}, {DocumentID: 2, Chunks: 1, Tokens: 6}}, stats.Documents)

	deleted, err := store.DeleteByDocument(ctx, projectID, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, deleted)
	require.NoError(t, store.DeleteByIDs(ctx, []uint{3}))

	stats, err = store.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalChunks)
	assert.Zero(t, stats.AvgTokensPerChunk)
	assert.Empty(t, stats.Documents)

	_, err = store.Stats(ctx, 99)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
}
