// Package artifact stores generated audio where the HTTP surface can serve
// it: a web tree for in-page playback and a download tree for attachments.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/audio"
)

const (
	WebPrefix      = "/static/audio"
	DownloadPrefix = "/download"
)

type Tree int

const (
	Web Tree = iota
	Download
)

type Artifacts struct {
	Filename     string
	WebPath      string
	DownloadPath string
	WebURL       string
	DownloadURL  string
}

type Writer interface {
	Write(ctx context.Context, name string, a *audio.Audio) (Artifacts, error)
}

// Mirror receives a copy of every written artifact.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte) error
}

type DiskStore struct {
	webDir      string
	downloadDir string
	mirror      Mirror
	log         zerolog.Logger
}

func NewDiskStore(webDir, downloadDir string, log zerolog.Logger) (*DiskStore, error) {
	for _, dir := range []string{webDir, downloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, "artifact.init",
				fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}

	return &DiskStore{
		webDir:      webDir,
		downloadDir: downloadDir,
		log:         log,
	}, nil
}

func (d *DiskStore) SetMirror(m Mirror) {
	d.mirror = m
}

// FileName names a generated clip; the random suffix keeps two generations in
// the same second from colliding.
func FileName(now time.Time, speaker int) string {
	return fmt.Sprintf("speech_%d_speaker_%d_%s.wav", now.Unix(), speaker, uuid.NewString()[:8])
}

// Write encodes a once and stores it in both trees. Either both files exist
// afterwards or neither does.
func (d *DiskStore) Write(ctx context.Context, name string, a *audio.Audio) (Artifacts, error) {
	const op = "artifact.write"

	if err := checkName(name); err != nil {
		return Artifacts{}, err
	}

	data, err := a.EncodeWAV()
	if err != nil {
		return Artifacts{}, apperr.Wrap(apperr.KindPersistence, op, "failed to encode audio", err)
	}

	webPath := filepath.Join(d.webDir, name)
	downloadPath := filepath.Join(d.downloadDir, name)

	if err := writeAtomic(webPath, data); err != nil {
		return Artifacts{}, apperr.Wrap(apperr.KindPersistence, op, "failed to write web artifact", err)
	}
	if err := writeAtomic(downloadPath, data); err != nil {
		if rmErr := os.Remove(webPath); rmErr != nil {
			d.log.Warn().Err(rmErr).Str("path", webPath).Msg("Failed to remove partial artifact")
		}
		return Artifacts{}, apperr.Wrap(apperr.KindPersistence, op, "failed to write download artifact", err)
	}

	if d.mirror != nil {
		if err := d.mirror.Upload(ctx, name, data); err != nil {
			d.log.Warn().Err(err).Str("file", name).Msg("Artifact mirror upload failed")
		}
	}

	return Artifacts{
		Filename:     name,
		WebPath:      webPath,
		DownloadPath: downloadPath,
		WebURL:       path.Join(WebPrefix, name),
		DownloadURL:  path.Join(DownloadPrefix, name),
	}, nil
}

// Resolve maps a client supplied file name to a path inside tree.
func (d *DiskStore) Resolve(tree Tree, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	dir := d.webDir
	if tree == Download {
		dir = d.downloadDir
	}

	full := filepath.Join(dir, name)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", apperr.NotFound("artifact.resolve", "file %s not found", name)
	}
	return full, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return apperr.Validation("artifact.name", "invalid file name %q", name)
	}
	return nil
}

func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}
