package attach

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"groupvault/internal/logging"
	"groupvault/internal/types"

	"github.com/zeebo/blake3"
)

// Files stores media under a root directory.
type Files struct {
	root string
}

// NewFiles returns a resolver rooted at dir.
func NewFiles(dir string) *Files {
	return &Files{root: dir}
}

// Root returns the media root.
func (f *Files) Root() string { return f.root }

// ResolveMedia classifies and stores media. Unsupported MIME types and
// empty payloads yield (nil, nil). Identical bytes at the same second map
// to the same locator, so redelivered events do not duplicate files.
func (f *Files) ResolveMedia(ctx context.Context, m types.MediaRef, ts time.Time) (*types.AttachmentDescriptor, error) {
	kind := KindForMIME(m.MimeType)
	if kind == types.KindNone {
		logging.AttachDebug("unsupported media type %q, skipping", m.MimeType)
		return nil, nil
	}
	if len(m.Data) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := blake3.Sum256(m.Data)
	tag := hex.EncodeToString(sum[:6])
	locator := Locator(kind, ts, tag, Extension(kind, m.MimeType, m.Filename))
	dest := filepath.Join(f.root, filepath.FromSlash(locator))

	if _, err := os.Stat(dest); err == nil {
		return &types.AttachmentDescriptor{Kind: kind, Locator: locator}, nil
	}
	if err := writeAtomic(dest, m.Data); err != nil {
		return nil, fmt.Errorf("store %s: %w", kind, err)
	}
	logging.AttachDebug("stored %s (%d bytes) at %s", kind, len(m.Data), locator)
	return &types.AttachmentDescriptor{Kind: kind, Locator: locator}, nil
}

// Path maps a locator back to a file path under the root.
func (f *Files) Path(locator string) string {
	return filepath.Join(f.root, filepath.FromSlash(locator))
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".media-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
