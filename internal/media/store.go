package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Role names the record field a media item belongs to.
type Role string

const (
	RolePhoto Role = "photo"
	RoleAudio Role = "audio"
)

// Backend selection values accepted by Options.Backend.
const (
	BackendAuto = "auto"
	BackendBlob = "blob"
	BackendFile = "file"
)

type localBackend interface {
	kind() Kind
	put(ctx context.Context, ownerID string, role Role, mimeType string, data []byte) (string, error)
	get(ctx context.Context, locator string) ([]byte, string, error)
	remove(ctx context.Context, locator string) error
}

// Options configures a Store.
type Options struct {
	// Backend is auto, blob or file. Auto picks file when Dir is writable
	// and falls back to blob otherwise.
	Backend string
	// Dir holds local-file media.
	Dir string
	// Blobs backs local-blob media. Required for the blob backend.
	Blobs BlobStore

	HTTPClient *http.Client
	S3         S3Config
	// S3Client overrides the client built from S3 on first use.
	S3Client ObjectGetter

	Logger *slog.Logger
}

// Store is the only component that reads or writes media bytes. The
// backend used for new media is fixed when the Store is created.
type Store struct {
	active localBackend
	blob   *blobBackend
	file   *fileBackend
	remote *remoteFetcher
	logger *slog.Logger
}

// New creates a Store, detecting the local backend once.
func New(opts Options) (*Store, error) {
	s := &Store{
		remote: &remoteFetcher{http: opts.HTTPClient, s3cfg: opts.S3, s3: opts.S3Client},
		logger: opts.Logger,
	}
	if s.remote.http == nil {
		s.remote.http = defaultHTTPClient()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Blobs != nil {
		s.blob = &blobBackend{blobs: opts.Blobs}
	}
	if opts.Dir != "" {
		s.file = &fileBackend{baseDir: opts.Dir}
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendAuto
	}
	switch backend {
	case BackendFile:
		if s.file == nil || !writable(opts.Dir) {
			return nil, fmt.Errorf("media dir %q is not writable", opts.Dir)
		}
		s.active = s.file
	case BackendBlob:
		if s.blob == nil {
			return nil, fmt.Errorf("blob media backend requires a blob store")
		}
		s.active = s.blob
	case BackendAuto:
		switch {
		case s.file != nil && writable(opts.Dir):
			s.active = s.file
		case s.blob != nil:
			s.active = s.blob
		default:
			return nil, fmt.Errorf("no usable media backend: dir %q not writable and no blob store", opts.Dir)
		}
	default:
		return nil, fmt.Errorf("unknown media backend %q (want auto, blob or file)", backend)
	}

	s.logger.Debug("media store ready", "backend", s.active.kind())
	return s, nil
}

// Kind returns the kind of pointers produced by Put.
func (s *Store) Kind() Kind {
	return s.active.kind()
}

// Put stores data for ownerID's role field and returns a pointer to it.
func (s *Store) Put(ctx context.Context, data []byte, mimeType, ownerID string, role Role) (Pointer, error) {
	locator, err := s.active.put(ctx, ownerID, role, mimeType, data)
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{
		Kind:      s.active.kind(),
		Locator:   locator,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}, nil
}

// Fetch returns the bytes behind p and their mime type. Local pointers are
// read from the local backend only; remote pointers go over the network.
func (s *Store) Fetch(ctx context.Context, p Pointer) ([]byte, string, error) {
	var (
		data     []byte
		mimeType string
		err      error
	)
	switch p.Kind {
	case KindRemote:
		data, mimeType, err = s.remote.get(ctx, p.Locator)
	case KindLocalBlob, KindLocalFile:
		b, berr := s.backendFor(p.Kind)
		if berr != nil {
			return nil, "", berr
		}
		data, mimeType, err = b.get(ctx, p.Locator)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedKind, p.Kind)
	}
	if err != nil {
		return nil, "", err
	}
	if p.MimeType != "" {
		mimeType = p.MimeType
	}
	return data, mimeType, nil
}

// Delete removes the bytes behind a local pointer. Deleting something that
// is already gone is a no-op. Remote media is owned by the server and is
// left alone.
func (s *Store) Delete(ctx context.Context, p Pointer) error {
	switch p.Kind {
	case KindRemote:
		s.logger.Debug("skipping delete of remote media", "locator", p.Locator)
		return nil
	case KindLocalBlob, KindLocalFile:
		b, err := s.backendFor(p.Kind)
		if err != nil {
			return err
		}
		return b.remove(ctx, p.Locator)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, p.Kind)
	}
}

func (s *Store) backendFor(k Kind) (localBackend, error) {
	switch {
	case k == KindLocalBlob && s.blob != nil:
		return s.blob, nil
	case k == KindLocalFile && s.file != nil:
		return s.file, nil
	}
	return nil, fmt.Errorf("%w: no %s backend configured", ErrMediaUnavailable, k)
}
