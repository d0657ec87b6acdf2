package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoBlob = errors.New("not found")

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]memBlob
}

type memBlob struct {
	data     []byte
	mimeType string
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string]memBlob)} }

func (m *memBlobs) PutBlob(_ context.Context, id, _, _, mimeType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = memBlob{data: append([]byte(nil), data...), mimeType: mimeType}
	return nil
}

func (m *memBlobs) GetBlob(_ context.Context, id string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, "", errNoBlob
	}
	return b.data, b.mimeType, nil
}

func (m *memBlobs) DeleteBlob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

type fakeS3 struct {
	objects map[string][]byte
	calls   int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: aws.String("image/jpeg"),
	}, nil
}

func TestNewAutoPicksFileWhenWritable(t *testing.T) {
	s, err := New(Options{Dir: t.TempDir(), Blobs: newMemBlobs()})
	require.NoError(t, err)
	assert.Equal(t, KindLocalFile, s.Kind())
}

func TestNewAutoFallsBackToBlob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	s, err := New(Options{Dir: dir, Blobs: newMemBlobs()})
	require.NoError(t, err)
	assert.Equal(t, KindLocalBlob, s.Kind())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Options{Backend: "floppy", Blobs: newMemBlobs()})
	assert.Error(t, err)

	_, err = New(Options{Backend: BackendBlob})
	assert.Error(t, err)
}

func TestFileBackendRoundTripAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Backend: BackendFile, Dir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	audio := []byte("OggS fake audio")
	p, err := s.Put(ctx, audio, "audio/webm", "rec/../1", RoleAudio)
	require.NoError(t, err)
	assert.Equal(t, KindLocalFile, p.Kind)
	assert.Equal(t, int64(len(audio)), p.SizeBytes)
	assert.Equal(t, ".webm", filepath.Ext(p.Locator))

	got, mimeType, err := s.Fetch(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
	assert.Equal(t, "audio/webm", mimeType)

	require.NoError(t, s.Delete(ctx, p))
	require.NoError(t, s.Delete(ctx, p), "deleting twice is a no-op")

	_, _, err = s.Fetch(ctx, p)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
}

func TestFileBackendRejectsEscapingLocator(t *testing.T) {
	s, err := New(Options{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)

	_, _, err = s.Fetch(context.Background(), Pointer{Kind: KindLocalFile, Locator: "../../etc/passwd"})
	assert.ErrorIs(t, err, ErrMediaUnavailable)
}

func TestBlobPointerReadableFromFileStore(t *testing.T) {
	blobs := newMemBlobs()
	ctx := context.Background()

	blobStore, err := New(Options{Backend: BackendBlob, Blobs: blobs})
	require.NoError(t, err)
	p, err := blobStore.Put(ctx, []byte{1, 2, 3}, "image/png", "r", RolePhoto)
	require.NoError(t, err)

	fileStore, err := New(Options{Backend: BackendFile, Dir: t.TempDir(), Blobs: blobs})
	require.NoError(t, err)
	got, _, err := fileStore.Fetch(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestFetchRemoteHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	s, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs()})
	require.NoError(t, err)
	ctx := context.Background()

	data, mimeType, err := s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: srv.URL + "/photo.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []byte("remote-bytes"), data)
	assert.Equal(t, "image/jpeg", mimeType)

	_, _, err = s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: srv.URL + "/missing"})
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	assert.NoError(t, s.Delete(ctx, Pointer{Kind: KindRemote, Locator: srv.URL + "/photo.jpg"}))
}

func TestFetchRemoteS3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"field-media/visits/1.jpg": []byte("jpeg")}}
	s, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs(), S3Client: fake})
	require.NoError(t, err)
	ctx := context.Background()

	data, mimeType, err := s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: "s3://field-media/visits/1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
	assert.Equal(t, "image/jpeg", mimeType)

	_, _, err = s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: "s3://field-media/visits/2.jpg"})
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, 2, fake.calls)
}

func TestFetchRemoteOverLimitFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 17))
	}))
	defer srv.Close()

	fake := &fakeS3{objects: map[string][]byte{
		"b/big.jpg":   bytes.Repeat([]byte("y"), 17),
		"b/exact.jpg": bytes.Repeat([]byte("z"), 16),
	}}
	s, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs(), S3Client: fake})
	require.NoError(t, err)
	s.remote.limit = 16
	ctx := context.Background()

	_, _, err = s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: srv.URL + "/big.jpg"})
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	_, _, err = s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: "s3://b/big.jpg"})
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	data, _, err := s.Fetch(ctx, Pointer{Kind: KindRemote, Locator: "s3://b/exact.jpg"})
	require.NoError(t, err)
	assert.Len(t, data, 16)
}

func TestFetchUnsupportedKind(t *testing.T) {
	s, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs()})
	require.NoError(t, err)

	_, _, err = s.Fetch(context.Background(), Pointer{Kind: "tape"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestPortableStringRoundTrip(t *testing.T) {
	p := Pointer{Kind: KindRemote, Locator: "https://example.org/a:b.jpg", MimeType: "image/jpeg", SizeBytes: 1024}
	s := ToPortableString(p)
	assert.Equal(t, "fieldkit-media:remote:image/jpeg:1024:https://example.org/a:b.jpg", s)

	back, err := ParsePortable(s)
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = ParsePortable("fieldkit-media:tape:x:1:y")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	_, err = ParsePortable("data:image/jpeg;base64,AAAA")
	assert.Error(t, err)
}

// TestMediaRoundTrip checks fetch(store(b)) returns b for both local backends.
func TestMediaRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	blobStore, err := New(Options{Backend: BackendBlob, Blobs: newMemBlobs()})
	require.NoError(t, err)
	fileStore, err := New(Options{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for name, s := range map[string]*Store{"blob": blobStore, "file": fileStore} {
		s := s
		properties.Property(name+" fetch returns stored bytes and mime type", prop.ForAll(
			func(data []byte) bool {
				p, err := s.Put(ctx, data, "image/jpeg", "owner", RolePhoto)
				if err != nil {
					return false
				}
				first, mime1, err := s.Fetch(ctx, p)
				if err != nil {
					return false
				}
				second, _, err := s.Fetch(ctx, p)
				if err != nil {
					return false
				}
				return bytes.Equal(first, data) && bytes.Equal(second, data) && mime1 == "image/jpeg"
			},
			gen.SliceOf(gen.UInt8()),
		))
	}

	properties.TestingRun(t)
}
