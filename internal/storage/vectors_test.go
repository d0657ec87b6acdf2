package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutRecordVectorRaisesFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, Record{ID: "r", Note: "aphids"}))

	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "r", Model: "nomic-embed-text", Text: "aphids", Embedding: []float32{1, 0.5}}))
	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "r", Model: "nomic-embed-text", Text: "aphids", Embedding: []float32{0.25, -2}}))

	got, err := s.GetRecord(ctx, "r")
	require.NoError(t, err)
	assert.True(t, got.AI.EmbeddingDone)

	n, err := s.CountRecordVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var vecs [][]float32
	require.NoError(t, s.ScanRecordVectors(ctx, "nomic-embed-text", time.Time{}, func(id string, emb []float32) error {
		assert.Equal(t, "r", id)
		vecs = append(vecs, append([]float32(nil), emb...))
		return nil
	}))
	assert.Equal(t, [][]float32{{0.25, -2}}, vecs)

	pending, err := s.RecordsPendingEmbedding(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPutRecordVectorMissingRecord(t *testing.T) {
	s := openTestStore(t)
	err := s.PutRecordVector(context.Background(), RecordVector{RecordID: "gone", Model: "m", Embedding: []float32{1}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanRecordVectorsFiltersModelAndTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRecord(ctx, Record{ID: "old", CreatedAt: base}))
	require.NoError(t, s.PutRecord(ctx, Record{ID: "new", CreatedAt: base.Add(48 * time.Hour)}))
	require.NoError(t, s.PutRecord(ctx, Record{ID: "other", CreatedAt: base.Add(48 * time.Hour)}))
	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "old", Model: "m", Embedding: []float32{1}}))
	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "new", Model: "m", Embedding: []float32{1}}))
	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "other", Model: "m2", Embedding: []float32{1}}))

	var ids []string
	require.NoError(t, s.ScanRecordVectors(ctx, "m", base.Add(time.Hour), func(id string, _ []float32) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []string{"new"}, ids)

	recent, err := s.RecordsSince(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.NotEqual(t, "old", recent[0].ID)
	assert.NotEqual(t, "old", recent[1].ID)
}

func TestDeleteRecordRemovesVector(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, Record{ID: "r"}))
	require.NoError(t, s.PutRecordVector(ctx, RecordVector{RecordID: "r", Model: "m", Embedding: []float32{1}}))

	require.NoError(t, s.DeleteRecord(ctx, "r"))
	n, err := s.CountRecordVectors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
