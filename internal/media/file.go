package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// fileBackend keeps media as plain files under baseDir. Locators are paths
// relative to baseDir.
type fileBackend struct {
	baseDir string
}

func (f *fileBackend) kind() Kind { return KindLocalFile }

func (f *fileBackend) put(_ context.Context, ownerID string, role Role, mimeType string, data []byte) (string, error) {
	rel := filepath.Join(sanitize(ownerID), string(role)+"-"+uuid.New().String()+Extension(mimeType))
	path := filepath.Join(f.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating media dir: %w", err)
	}

	// Write to temp, then rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing media file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("committing media file: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (f *fileBackend) get(_ context.Context, locator string) ([]byte, string, error) {
	path, err := f.resolve(locator)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: file %s: %w", ErrMediaUnavailable, locator, err)
	}
	return data, TypeByExtension(filepath.Ext(path)), nil
}

func (f *fileBackend) remove(_ context.Context, locator string) error {
	path, err := f.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing media file: %w", err)
	}
	return nil
}

func (f *fileBackend) resolve(locator string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(locator))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: locator %q escapes media dir", ErrMediaUnavailable, locator)
	}
	return filepath.Join(f.baseDir, clean), nil
}

// writable reports whether files can be created in dir.
func writable(dir string) bool {
	if dir == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/wav":  ".wav",
}

// Extension returns the file extension used for mimeType, including the dot.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := extensions[strings.TrimSpace(strings.ToLower(base))]; ok {
		return ext
	}
	return ".bin"
}

// TypeByExtension is the inverse of Extension.
func TypeByExtension(ext string) string {
	ext = strings.ToLower(ext)
	for mimeType, e := range extensions {
		if e == ext {
			return mimeType
		}
	}
	return "application/octet-stream"
}
