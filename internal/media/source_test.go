package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURL(t *testing.T) {
	in, err := ParseDataURL(DataURL([]byte("hello"), "image/jpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), in.Data)
	assert.Equal(t, "image/jpeg", in.MimeType)

	for _, bad := range []string{"hello", "data:image/jpeg,raw", "data:image/jpeg;base64", "data:image/jpeg;base64,!!"} {
		_, err := ParseDataURL(bad)
		assert.ErrorIs(t, err, ErrMediaUnavailable, bad)
	}
}

func TestSourceOfPrefersPointer(t *testing.T) {
	p := &Pointer{Kind: KindLocalBlob, Locator: "b"}
	src, ok, err := SourceOf(p, DataURL([]byte("x"), "image/jpeg"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Ref{Pointer: *p}, src)

	src, ok, err = SourceOf(nil, DataURL([]byte("x"), "image/jpeg"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.IsType(t, Inline{}, src)

	_, ok, err = SourceOf(nil, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateInlineToPointer(t *testing.T) {
	s, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs()})
	require.NoError(t, err)
	ctx := context.Background()

	src, _, err := SourceOf(nil, DataURL([]byte("legacy-photo"), "image/jpeg"))
	require.NoError(t, err)

	p, err := s.Migrate(ctx, "rec-1", RolePhoto, src)
	require.NoError(t, err)
	assert.Equal(t, KindLocalBlob, p.Kind)

	data, mimeType, err := s.Read(ctx, Ref{Pointer: p})
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy-photo"), data)
	assert.Equal(t, "image/jpeg", mimeType)

	same, err := s.Migrate(ctx, "rec-1", RolePhoto, Ref{Pointer: p})
	require.NoError(t, err)
	assert.Equal(t, p, same)
}
