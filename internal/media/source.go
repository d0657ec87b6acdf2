package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// Source is either inline bytes (legacy records) or a Pointer.
type Source interface {
	isSource()
}

// Inline carries media bytes directly. Only legacy records produce it.
type Inline struct {
	Data     []byte
	MimeType string
}

// Ref refers to media held by a Store.
type Ref struct {
	Pointer Pointer
}

func (Inline) isSource() {}
func (Ref) isSource()    {}

// SourceOf picks the media source for a record field. A pointer always wins
// over legacy inline data. ok is false when neither is present.
func SourceOf(p *Pointer, legacy string) (src Source, ok bool, err error) {
	if p != nil {
		return Ref{Pointer: *p}, true, nil
	}
	if legacy == "" {
		return nil, false, nil
	}
	in, err := ParseDataURL(legacy)
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// ParseDataURL decodes a base64 data URL of the form data:<mime>;base64,<payload>.
func ParseDataURL(s string) (Inline, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Inline{}, fmt.Errorf("%w: not a data URL", ErrMediaUnavailable)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Inline{}, fmt.Errorf("%w: data URL has no payload", ErrMediaUnavailable)
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Inline{}, fmt.Errorf("%w: data URL is not base64", ErrMediaUnavailable)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Inline{}, fmt.Errorf("%w: decoding data URL: %w", ErrMediaUnavailable, err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Inline{Data: data, MimeType: mimeType}, nil
}

// DataURL encodes data as a base64 data URL.
func DataURL(data []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Read returns the bytes of src.
func (s *Store) Read(ctx context.Context, src Source) ([]byte, string, error) {
	switch v := src.(type) {
	case Inline:
		return v.Data, v.MimeType, nil
	case Ref:
		return s.Fetch(ctx, v.Pointer)
	default:
		return nil, "", fmt.Errorf("%w: unknown source %T", ErrMediaUnavailable, src)
	}
}

// Migrate moves an inline source into the store and returns its pointer.
// A Ref is returned unchanged.
func (s *Store) Migrate(ctx context.Context, ownerID string, role Role, src Source) (Pointer, error) {
	switch v := src.(type) {
	case Ref:
		return v.Pointer, nil
	case Inline:
		return s.Put(ctx, v.Data, v.MimeType, ownerID, role)
	default:
		return Pointer{}, fmt.Errorf("%w: unknown source %T", ErrMediaUnavailable, src)
	}
}
