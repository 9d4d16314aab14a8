package avatars

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
)

// Minimal valid PNG, enough for magic-byte detection.
const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func pngBytes(t *testing.T) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(pngBase64)
	if err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}
	return data
}

func TestStore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	t.Run("save and open round trip", func(t *testing.T) {
		data := pngBytes(t)
		key, err := store.Save(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if !strings.HasSuffix(key, ".png") {
			t.Errorf("expected .png key, got %q", key)
		}

		f, mime, err := store.Open(key)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer f.Close()
		if mime != "image/png" {
			t.Errorf("expected image/png, got %q", mime)
		}
		got, err := io.ReadAll(f)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("stored bytes differ from upload")
		}
	})

	t.Run("same content yields same key", func(t *testing.T) {
		data := pngBytes(t)
		k1, err := store.Save(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		k2, err := store.Save(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("second Save failed: %v", err)
		}
		if k1 != k2 {
			t.Errorf("expected identical keys, got %q and %q", k1, k2)
		}
	})

	t.Run("rejects non-image content", func(t *testing.T) {
		_, err := store.Save(strings.NewReader("definitely not an image"))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("rejects oversized uploads", func(t *testing.T) {
		big := bytes.Repeat([]byte{0}, MaxUploadBytes+1)
		_, err := store.Save(bytes.NewReader(big))
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		for _, key := range []string{"../../etc/passwd", "abc.png", "nope"} {
			if _, _, err := store.Open(key); err == nil {
				t.Errorf("expected error for key %q", key)
			}
		}
	})
}
