package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/storage"
)

func TestIndexerWaitsForEnrichment(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, storage.Record{
		ID:           "r",
		TaskType:     "scouting",
		Note:         "leaf spots",
		PhotoPresent: true,
		Photo:        &media.Pointer{Kind: media.KindLocalBlob, Locator: "r/photo", MimeType: "image/jpeg"},
	}))
	_, err := s.InsertEnrichmentTask(ctx, storage.EnrichmentTask{RecordID: "r", TaskType: storage.TaskPhotoCaption})
	require.NoError(t, err)

	eng := &fakeEngine{}
	ix := NewIndexer(s, NewEmbedder(eng, "nomic-embed-text"), nil)

	res, err := ix.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{Waiting: 1}, res)
	assert.Zero(t, eng.calls.Load())

	tasks, err := s.EnrichmentTasksForRecord(ctx, "r", storage.TaskPhotoCaption)
	require.NoError(t, err)
	require.NoError(t, s.DeleteEnrichmentTask(ctx, tasks[0].ID))
	caption := "brown lesions with yellow halo"
	_, err = s.UpdateRecord(ctx, "r", storage.RecordPatch{PhotoCaption: &caption, CaptionDone: true})
	require.NoError(t, err)

	res, err = ix.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{Indexed: 1}, res)

	rec, err := s.GetRecord(ctx, "r")
	require.NoError(t, err)
	assert.True(t, rec.AI.EmbeddingDone)

	// Indexed records are not embedded again.
	res, err = ix.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{}, res)
	assert.Equal(t, int32(1), eng.calls.Load())
}

func TestIndexerEngineDownLeavesFlag(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	putVisit(t, s, "r", day, nil, "aphids")

	eng := &fakeEngine{}
	eng.down.Store(true)
	_, err := NewIndexer(s, NewEmbedder(eng, "nomic-embed-text"), nil).Process(ctx)
	require.Error(t, err)

	rec, err := s.GetRecord(ctx, "r")
	require.NoError(t, err)
	assert.False(t, rec.AI.EmbeddingDone)
}

func TestDocumentText(t *testing.T) {
	rec := storage.Record{
		TaskType:        "scouting",
		Fields:          map[string]string{"crop": "wheat", "field_id": "14", "empty": " "},
		Note:            "aphids",
		PhotoCaption:    "green insects on leaf",
		AudioTranscript: "counted forty per tiller",
	}
	assert.Equal(t, "Task: scouting\ncrop: wheat\nfield_id: 14\nNote: aphids\nPhoto: green insects on leaf\nVoice note: counted forty per tiller", DocumentText(rec))
	assert.Empty(t, DocumentText(storage.Record{}))
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	e := NewEmbedder(&fakeEngine{}, "m")
	vecs, err := e.EmbedBatch(context.Background(), []string{"rust", "aphid aphid", "corn"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][1])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(1), vecs[2][5])

	vecs, err = e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
