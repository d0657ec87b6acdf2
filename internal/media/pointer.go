package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names the backend that owns the bytes behind a Pointer.
type Kind string

const (
	KindLocalBlob Kind = "local-blob"
	KindLocalFile Kind = "local-file"
	KindRemote    Kind = "remote"
)

// Valid reports whether k is one of the known pointer kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLocalBlob, KindLocalFile, KindRemote:
		return true
	}
	return false
}

// Pointer is an opaque reference to stored media. It never carries the bytes.
type Pointer struct {
	Kind      Kind   `json:"kind"`
	Locator   string `json:"locator"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

const portablePrefix = "fieldkit-media:"

// ToPortableString renders p as a self-describing single-line string:
//
//	fieldkit-media:<kind>:<mime>:<size>:<locator>
//
// The locator is last so it may itself contain colons.
func ToPortableString(p Pointer) string {
	return portablePrefix + string(p.Kind) + ":" + p.MimeType + ":" + strconv.FormatInt(p.SizeBytes, 10) + ":" + p.Locator
}

// ParsePortable is the inverse of ToPortableString.
func ParsePortable(s string) (Pointer, error) {
	rest, ok := strings.CutPrefix(s, portablePrefix)
	if !ok {
		return Pointer{}, fmt.Errorf("not a portable media string: %q", s)
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return Pointer{}, fmt.Errorf("malformed portable media string: %q", s)
	}
	kind := Kind(parts[0])
	if !kind.Valid() {
		return Pointer{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, parts[0])
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Pointer{}, fmt.Errorf("parsing size in %q: %w", s, err)
	}
	return Pointer{Kind: kind, MimeType: parts[1], SizeBytes: size, Locator: parts[3]}, nil
}
