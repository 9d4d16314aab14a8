// Package avatars stores profile images on the local filesystem,
// content-addressed by SHA-256 so repeated uploads of the same picture
// dedupe to one file.
package avatars

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

const MaxUploadBytes = 2 << 20

var (
	ErrTooLarge          = errors.New("avatar exceeds size limit")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// keys are <sha256-hex>.<ext>; anything else is rejected before it can
// touch the filesystem.
var keyRegex = regexp.MustCompile(`^[0-9a-f]{64}\.(png|jpg|webp)$`)

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".webp": "image/webp",
}

// Store is the avatar file store rooted at a local directory.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create avatar root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save sniffs the image format from magic bytes, enforces the size cap
// and stores the content under its digest. The returned key serves as
// the stable public identifier for the image.
func (s *Store) Save(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}

	kind, err := filetype.Match(data)
	if err != nil || !supported(kind) {
		return "", ErrUnsupportedFormat
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + "." + kind.Extension

	path := s.getPath(key)
	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return key, nil
}

// Open returns the stored image and its content type.
func (s *Store) Open(key string) (io.ReadCloser, string, error) {
	if !keyRegex.MatchString(key) {
		return nil, "", fmt.Errorf("invalid avatar key %q", key)
	}
	f, err := os.Open(s.getPath(key))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open avatar %s: %w", key, err)
	}
	return f, mimeByExt[filepath.Ext(key)], nil
}

func (s *Store) getPath(key string) string {
	return filepath.Join(s.root, key[:2], key)
}

func supported(kind types.Type) bool {
	switch kind.Extension {
	case "png", "jpg", "webp":
		return true
	}
	return false
}
