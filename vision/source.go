package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"visual-waypoint-nav/models"
)

// FileSnapshotSource reads PNG or JPEG snapshots from Dir. Relative
// snapshot references resolve against Dir.
type FileSnapshotSource struct {
	Dir string
}

func (s FileSnapshotSource) Path(wp models.Waypoint) string {
	ref := strings.TrimSpace(wp.SnapshotRef)
	if ref == "" || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(s.Dir, ref)
}

func (s FileSnapshotSource) LoadSnapshot(ctx context.Context, wp models.Waypoint) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(wp)
	if path == "" {
		return nil, fmt.Errorf("%w: waypoint %s has no snapshot reference", ErrSnapshotUnavailable, wp.ID)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	return DecodeImage(data)
}

// DecodeImage decodes PNG or JPEG bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSnapshotUnavailable, err)
	}
	return img, nil
}

// DecodeBase64Image accepts raw base64 or a data URL.
func DecodeBase64Image(payload string) (image.Image, error) {
	if idx := strings.Index(payload, ","); strings.HasPrefix(payload, "data:") && idx != -1 {
		payload = payload[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrSnapshotUnavailable, err)
	}
	return DecodeImage(data)
}

// MemorySnapshotSource serves snapshots held in memory, keyed by waypoint ID.
type MemorySnapshotSource map[string]image.Image

func (m MemorySnapshotSource) LoadSnapshot(ctx context.Context, wp models.Waypoint) (image.Image, error) {
	img, ok := m[wp.ID]
	if !ok || img == nil {
		return nil, fmt.Errorf("%w: no snapshot for %s", ErrSnapshotUnavailable, wp.ID)
	}
	return img, nil
}
