package artifact_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/audio"
)

type recordingMirror struct {
	keys       []string
	shouldFail bool
}

func (m *recordingMirror) Upload(_ context.Context, key string, _ []byte) error {
	if m.shouldFail {
		return errors.New("mirror offline")
	}
	m.keys = append(m.keys, key)
	return nil
}

func newDiskStore(t *testing.T) (*artifact.DiskStore, string, string) {
	t.Helper()

	root := t.TempDir()
	webDir := filepath.Join(root, "static", "audio")
	downloadDir := filepath.Join(root, "outputs")

	store, err := artifact.NewDiskStore(webDir, downloadDir, zerolog.Nop())
	require.NoError(t, err)

	return store, webDir, downloadDir
}

func tone() *audio.Audio {
	samples := make([]float32, audio.SampleRate/10)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.NewAudio(samples)
}

func TestWriteStoresBothTrees(t *testing.T) {
	t.Parallel()

	store, webDir, downloadDir := newDiskStore(t)
	mirror := &recordingMirror{}
	store.SetMirror(mirror)

	out, err := store.Write(context.Background(), "clip.wav", tone())
	require.NoError(t, err)

	assert.Equal(t, "/static/audio/clip.wav", out.WebURL)
	assert.Equal(t, "/download/clip.wav", out.DownloadURL)
	assert.Equal(t, filepath.Join(webDir, "clip.wav"), out.WebPath)

	webBytes, err := os.ReadFile(out.WebPath)
	require.NoError(t, err)
	dlBytes, err := os.ReadFile(filepath.Join(downloadDir, "clip.wav"))
	require.NoError(t, err)
	assert.Equal(t, webBytes, dlBytes)

	decoded, err := audio.DecodeWAV(bytes.NewReader(webBytes))
	require.NoError(t, err)
	assert.Len(t, decoded.Samples, audio.SampleRate/10)

	assert.Equal(t, []string{"clip.wav"}, mirror.keys)
}

func TestWriteSurvivesMirrorFailure(t *testing.T) {
	t.Parallel()

	store, _, _ := newDiskStore(t)
	store.SetMirror(&recordingMirror{shouldFail: true})

	_, err := store.Write(context.Background(), "clip.wav", tone())
	assert.NoError(t, err)
}

func TestWriteRemovesWebCopyWhenDownloadFails(t *testing.T) {
	t.Parallel()

	store, webDir, downloadDir := newDiskStore(t)
	require.NoError(t, os.RemoveAll(downloadDir))
	// A file where the directory should be makes every write into it fail.
	require.NoError(t, os.WriteFile(downloadDir, []byte("x"), 0o644))

	_, err := store.Write(context.Background(), "clip.wav", tone())
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	_, statErr := os.Stat(filepath.Join(webDir, "clip.wav"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, _, _ := newDiskStore(t)
	_, err := store.Write(context.Background(), "ok.wav", tone())
	require.NoError(t, err)

	got, err := store.Resolve(artifact.Download, "ok.wav")
	require.NoError(t, err)
	assert.FileExists(t, got)

	for _, name := range []string{"../secret", "a/b.wav", `a\b.wav`, "..", ""} {
		_, err := store.Resolve(artifact.Web, name)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), name)
	}

	_, err = store.Resolve(artifact.Web, "missing.wav")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFileName(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	a := artifact.FileName(now, 3)
	b := artifact.FileName(now, 3)

	assert.Regexp(t, regexp.MustCompile(`^speech_1700000000_speaker_3_[0-9a-f]{8}\.wav$`), a)
	assert.NotEqual(t, a, b)
}
